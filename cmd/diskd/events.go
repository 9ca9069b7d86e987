package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sigreer/diskd/internal/api"
	"github.com/sigreer/diskd/internal/db"
	"github.com/sigreer/diskd/internal/device"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [name]",
	Short: "Print change notifications as they happen",
	Long: `Stream added, removed and changed notifications from the daemon until
interrupted. With a device name only that device's notifications are shown.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runMonitor,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show journaled device events",
	Long: `Show notifications the daemon has journaled to its database, newest
first. Reads the database directly, so it works while the daemon is stopped.`,
	Run: runHistory,
}

func init() {
	monitorCmd.Flags().Bool("json", false, "Output one JSON object per event")

	historyCmd.Flags().Int("limit", 50, "Maximum number of events to show")
	historyCmd.Flags().String("device", "", "Only show events of this device")
	historyCmd.Flags().Duration("prune", 0, "Delete events older than this before listing (e.g. 720h)")
	historyCmd.Flags().Bool("drives", false, "List the drive inventory instead of events")
}

func runMonitor(cmd *cobra.Command, args []string) {
	jsonOut, _ := cmd.Flags().GetBool("json")
	name := ""
	if len(args) == 1 {
		name = args[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newClient().Events(ctx, name, func(ev api.Event) error {
		if jsonOut {
			printJSON(ev)
			return nil
		}
		fmt.Printf("%s %-8s %s\n", ev.Time.Local().Format("15:04:05.000"), ev.Kind, device.HandleName(ev.Handle))
		return nil
	})
	if err != nil {
		fail("Error: %v", err)
	}
}

func runHistory(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	name, _ := cmd.Flags().GetString("device")
	prune, _ := cmd.Flags().GetDuration("prune")
	drives, _ := cmd.Flags().GetBool("drives")

	database, err := db.New(journalPath())
	if err != nil {
		fail("Error opening database: %v", err)
	}
	defer database.Close()

	if prune > 0 {
		n, err := database.PruneEvents(time.Now().Add(-prune))
		if err != nil {
			fail("Error pruning events: %v", err)
		}
		fmt.Printf("Pruned %d events\n", n)
	}

	if drives {
		printDrives(database)
		return
	}

	var events []*db.EventRecord
	if name != "" {
		events, err = database.GetDeviceEvents(device.HandlePrefix+name, limit)
	} else {
		events, err = database.GetRecentEvents(limit)
	}
	if err != nil {
		fail("Error querying events: %v", err)
	}
	if len(events) == 0 {
		fmt.Println("No events recorded.")
		return
	}

	fmt.Printf("%-20s %-8s %-12s %s\n", "TIME", "KIND", "NAME", "DETAILS")
	fmt.Println(strings.Repeat("-", 80))
	for _, e := range events {
		details := e.Details
		if details == "" {
			details = "-"
		}
		fmt.Printf("%-20s %-8s %-12s %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.EventType,
			device.HandleName(e.Handle), details)
	}
}

func printDrives(database *db.DB) {
	drives, err := database.GetAllDrives()
	if err != nil {
		fail("Error querying drives: %v", err)
	}
	if len(drives) == 0 {
		fmt.Println("No drives in inventory.")
		return
	}

	fmt.Printf("%-24s %-24s %10s %-10s %s\n", "SERIAL", "MODEL", "SIZE", "LAST SEEN", "DEVICE")
	fmt.Println(strings.Repeat("-", 85))
	for _, d := range drives {
		model := strings.TrimSpace(d.Vendor + " " + d.Model)
		if len(model) > 24 {
			model = model[:21] + "..."
		}
		file := d.DeviceFile
		if file == "" {
			file = "-"
		}
		fmt.Printf("%-24s %-24s %10s %-10s %s\n", d.Serial, model, humanize.IBytes(uint64(d.SizeBytes)),
			humanize.Time(d.LastSeen), file)
	}
}
