package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/diskd/internal/collector"
	"github.com/sigreer/diskd/internal/device"
	"github.com/sigreer/diskd/internal/logging"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe block devices directly, without the daemon",
	Long: `Enumerate and probe every block device in-process using the same
sysfs and udev sources as the daemon. Useful for checking what the daemon
would publish, or on hosts where it is not running.`,
	Run: runProbe,
}

func init() {
	probeCmd.Flags().Bool("json", false, "Output as JSON")
}

func runProbe(cmd *cobra.Command, args []string) {
	jsonOut, _ := cmd.Flags().GetBool("json")
	cfg := mustLoadConfig()
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fail("Error: %v", err)
	}
	ctx := context.Background()

	feed := collector.Chain{
		collector.NewUdevFeed(cfg.UdevDataDir),
		collector.NewGhwFeed(log.WithName("ghw"), filepath.Dir(cfg.SysfsRoot)),
	}
	mounts, err := collector.MountTable{}.Mounts(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not read mount table: %v\n", err)
	}
	idx := collector.IndexMounts(mounts)

	var snaps []device.Snapshot
	for _, identity := range collector.Enumerate(cfg.SysfsRoot) {
		dev, err := device.New(ctx, identity, feed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			continue
		}
		if path, ok := idx.Lookup(dev.Paths()); ok {
			dev.SetMount(path)
		}
		snaps = append(snaps, dev.Snapshot())
	}

	if jsonOut {
		printJSON(snaps)
		return
	}

	fmt.Printf("%-12s %-16s %10s %-22s %s\n", "NAME", "DEVICE", "SIZE", "SERIAL", "MOUNT")
	fmt.Println(strings.Repeat("-", 80))
	for _, s := range snaps {
		serial := "-"
		if dr := s.Attributes.Drive; dr != nil && dr.Serial != "" {
			serial = dr.Serial
		}
		mount := "-"
		if s.Mount.Mounted() {
			mount = s.Mount.Path
		}
		fmt.Printf("%-12s %-16s %10s %-22s %s\n", device.HandleName(s.Handle), s.Attributes.Block.DeviceFile,
			humanize.IBytes(s.Attributes.Block.Size), serial, mount)
	}
}
