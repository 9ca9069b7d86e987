package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var inhibitCmd = &cobra.Command{
	Use:   "inhibit [-- command [args...]]",
	Short: "Pause media polling while a command runs",
	Long: `Acquire a polling inhibitor, run the command and release the inhibitor
when it exits. Without a command the inhibitor is held until interrupted.

Examples:
  diskd inhibit -- dd if=image.iso of=/dev/sdb bs=4M
  diskd inhibit --holder "firmware update"`,
	Run: runInhibit,
}

var inhibitorsCmd = &cobra.Command{
	Use:   "inhibitors",
	Short: "List outstanding polling inhibitors",
	Run: func(cmd *cobra.Command, args []string) {
		list, err := newClient().Inhibitors(context.Background())
		if err != nil {
			fail("Error: %v", err)
		}
		if len(list) == 0 {
			fmt.Println("Polling is not inhibited.")
			return
		}
		fmt.Printf("%-36s %-14s %s\n", "COOKIE", "SINCE", "HOLDER")
		fmt.Println(strings.Repeat("-", 70))
		for _, inh := range list {
			fmt.Printf("%-36s %-14s %s\n", inh.Cookie, humanize.Time(inh.Since), inh.Holder)
		}
	},
}

func init() {
	inhibitCmd.Flags().String("holder", "", "Name recorded for the inhibitor (default: the command)")
}

func runInhibit(cmd *cobra.Command, args []string) {
	holder, _ := cmd.Flags().GetString("holder")
	if holder == "" && len(args) > 0 {
		holder = strings.Join(args, " ")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := newClient()
	cookie, err := c.Inhibit(ctx, holder)
	if err != nil {
		fail("Error: %v", err)
	}
	// Release even when interrupted
	defer func() {
		if err := c.Uninhibit(context.Background(), cookie); err != nil {
			fmt.Fprintf(os.Stderr, "Error releasing inhibitor: %v\n", err)
		}
	}()

	if len(args) == 0 {
		fmt.Println("Polling inhibited, press Ctrl-C to release")
		<-ctx.Done()
		return
	}

	child := exec.CommandContext(ctx, args[0], args[1:]...)
	child.Stdin, child.Stdout, child.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := child.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// os.Exit skips the deferred release
			_ = c.Uninhibit(context.Background(), cookie)
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}
