package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/diskd/internal/api"
	"github.com/sigreer/diskd/internal/device"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List block devices known to the daemon",
	Run:   runDevices,
}

var deviceCmd = &cobra.Command{
	Use:   "device <name|path>",
	Short: "Show one device",
	Long: `Show one device by handle name (sda1) or by any of its device files,
e.g. /dev/sda1 or /dev/disk/by-id/ata-....`,
	Args: cobra.ExactArgs(1),
	Run:  runDevice,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <name|path>",
	Short: "Re-probe a device",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c := newClient()
		dev, err := c.Refresh(ctx, resolveName(ctx, args[0]))
		if err != nil {
			fail("Error: %v", err)
		}
		printDevice(dev)
	},
}

var mountedCmd = &cobra.Command{
	Use:   "mounted <name|path> <mountpoint>",
	Short: "Record that a device was mounted",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if err := newClient().SetMounted(ctx, resolveName(ctx, args[0]), args[1]); err != nil {
			fail("Error: %v", err)
		}
	},
}

var unmountedCmd = &cobra.Command{
	Use:   "unmounted <name|path>",
	Short: "Record that a device was unmounted",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		if err := newClient().SetUnmounted(ctx, resolveName(ctx, args[0])); err != nil {
			fail("Error: %v", err)
		}
	},
}

var filesystemsCmd = &cobra.Command{
	Use:   "filesystems",
	Short: "List filesystem types and their capabilities",
	Run: func(cmd *cobra.Command, args []string) {
		fss, err := newClient().Filesystems(context.Background())
		if err != nil {
			fail("Error: %v", err)
		}
		fmt.Printf("%-8s %-28s %-6s %-6s %s\n", "ID", "NAME", "MOUNT", "CREATE", "LABEL")
		fmt.Println(strings.Repeat("-", 60))
		for _, fs := range fss {
			id := fs.ID
			if id == "" {
				id = "-"
			}
			fmt.Printf("%-8s %-28s %-6s %-6s %d\n", id, fs.Name, yesNo(fs.CanMount), yesNo(fs.CanCreate), fs.MaxLabelLen)
		}
	},
}

func init() {
	devicesCmd.Flags().Bool("json", false, "Output as JSON")
	deviceCmd.Flags().Bool("json", false, "Output as JSON")
}

// resolveName turns a device path into a handle name; plain names pass through
func resolveName(ctx context.Context, arg string) string {
	if !strings.HasPrefix(arg, "/") {
		return arg
	}
	dev, err := newClient().DeviceByFile(ctx, arg)
	if err != nil {
		fail("Error: %v", err)
	}
	return device.HandleName(dev.Handle)
}

func runDevices(cmd *cobra.Command, args []string) {
	jsonOut, _ := cmd.Flags().GetBool("json")
	devs, err := newClient().Devices(context.Background())
	if err != nil {
		fail("Error: %v", err)
	}

	if jsonOut {
		printJSON(devs)
		return
	}
	if len(devs) == 0 {
		fmt.Println("No block devices.")
		return
	}

	fmt.Printf("%-12s %-16s %10s %-10s %-10s %s\n", "NAME", "DEVICE", "SIZE", "KIND", "CONTENT", "MOUNT")
	fmt.Println(strings.Repeat("-", 80))
	for _, d := range devs {
		mount := "-"
		if d.Mounted {
			mount = d.MountPath
		}
		content := "-"
		if d.Content != nil && d.Content.Type != "" {
			content = d.Content.Type
		}
		file := d.DeviceFile
		if file == "" {
			file = "-"
		}
		name := device.HandleName(d.Handle)
		if d.Stale {
			name += "*"
		}
		fmt.Printf("%-12s %-16s %10s %-10s %-10s %s\n", name, file, humanize.IBytes(d.Size), kind(d), content, mount)
	}
}

func runDevice(cmd *cobra.Command, args []string) {
	jsonOut, _ := cmd.Flags().GetBool("json")
	ctx := context.Background()
	dev, err := newClient().Device(ctx, resolveName(ctx, args[0]))
	if err != nil {
		fail("Error: %v", err)
	}
	if jsonOut {
		printJSON(dev)
		return
	}
	printDevice(dev)
}

func kind(d api.Device) string {
	switch {
	case d.Partition != nil:
		return "partition"
	case d.Drive != nil:
		return "disk"
	case d.Removable && !d.MediaAvailable:
		return "no-media"
	}
	return "block"
}

func printDevice(d *api.Device) {
	fmt.Printf("Handle:      %s\n", d.Handle)
	fmt.Printf("Identity:    %s\n", d.Identity)
	fmt.Printf("Device:      %s\n", d.DeviceFile)
	for _, alias := range append(append([]string{}, d.ByIDAliases...), d.ByPathAliases...) {
		fmt.Printf("             %s\n", alias)
	}
	fmt.Printf("Size:        %s (%d bytes)\n", humanize.IBytes(d.Size), d.Size)
	fmt.Printf("Block size:  %d\n", d.BlockSize)
	fmt.Printf("Removable:   %s\n", yesNo(d.Removable))
	if d.Mounted {
		fmt.Printf("Mounted at:  %s\n", d.MountPath)
	}
	if d.Stale {
		fmt.Println("Stale:       last probe failed")
	}
	fmt.Printf("Probed:      %s\n", humanize.Time(d.ProbedAt))

	if dr := d.Drive; dr != nil {
		fmt.Printf("Drive:       %s %s rev %s serial %s\n", dr.Vendor, dr.Model, dr.Revision, dr.Serial)
	}
	if c := d.Content; c != nil {
		fmt.Printf("Content:     %s %s %s label=%q uuid=%s\n", c.Usage, c.Type, c.Version, c.Label, c.UUID)
	}
	if p := d.Partition; p != nil {
		fmt.Printf("Partition:   #%d of %s (%s) at %s, %s\n", p.Number, device.HandleName(p.Slave), p.Scheme,
			humanize.IBytes(p.Offset), humanize.IBytes(p.Size))
	}
	if t := d.PartitionTable; t != nil {
		fmt.Printf("Table:       %s, %d partitions\n", t.Scheme, t.Count)
	}
	if len(d.Interfaces) > 0 {
		fmt.Printf("Interfaces:  %s\n", strings.Join(d.Interfaces, ", "))
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fail("Error encoding output: %v", err)
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
