package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

const serviceName = "diskd"

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the diskd system service",
	Long: `Install, remove and control diskd as a system service.

The installed unit runs 'diskd run' with the --config given here, so pass
the same flag to 'service install' that the daemon should use.`,
}

func init() {
	for _, action := range service.ControlAction {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("%s the diskd service", action),
			Args:  cobra.NoArgs,
			Run:   runServiceControl,
		})
	}
	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show whether the diskd service is running",
		Args:  cobra.NoArgs,
		Run:   runServiceStatus,
	})
}

// newService wraps prg for the host's service manager
func newService(prg service.Interface) (service.Service, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}

	args := []string{"run"}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}

	svcConfig := &service.Config{
		Name:         serviceName,
		DisplayName:  "diskd block device daemon",
		Description:  "Tracks block devices and their mount state and serves them over a unix socket",
		Executable:   execPath,
		Arguments:    args,
		Dependencies: []string{"After=systemd-udevd.service local-fs.target"},
		Option: service.KeyValue{
			"Restart": "on-failure",
		},
	}
	return service.New(prg, svcConfig)
}

func runServiceControl(cmd *cobra.Command, args []string) {
	s, err := newService(&program{})
	if err != nil {
		fail("Error creating service: %v", err)
	}
	if err := service.Control(s, cmd.Name()); err != nil {
		fail("Error: %v", err)
	}
	fmt.Printf("Service %s: %s done\n", serviceName, cmd.Name())
}

func runServiceStatus(cmd *cobra.Command, args []string) {
	s, err := newService(&program{})
	if err != nil {
		fail("Error creating service: %v", err)
	}
	status, err := s.Status()
	if err != nil && !errors.Is(err, service.ErrNotInstalled) {
		fail("Error querying service: %v", err)
	}

	switch {
	case errors.Is(err, service.ErrNotInstalled):
		fmt.Println("Not installed")
	case status == service.StatusRunning:
		fmt.Println("Running")
	case status == service.StatusStopped:
		fmt.Println("Stopped")
	default:
		fmt.Println("Unknown")
	}
	fmt.Printf("Platform: %s\n", service.Platform())
}
