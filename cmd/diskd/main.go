package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sigreer/diskd/internal/config"
	_ "github.com/sigreer/diskd/internal/module/iscsi"
	"github.com/sigreer/diskd/internal/server"
)

var (
	cfgFile    string
	socketPath string
)

var rootCmd = &cobra.Command{
	Use:   "diskd",
	Short: "Block device daemon",
	Long: `diskd keeps a live registry of the block devices on this host, tracks
their mount state and publishes change notifications to clients over a
unix socket. Privileged operations are checked against the configured
policy before they run.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/diskd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket (default from config)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(mountedCmd)
	rootCmd.AddCommand(unmountedCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(inhibitCmd)
	rootCmd.AddCommand(inhibitorsCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(filesystemsCmd)
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// newClient connects to --socket, falling back to the configured socket
func newClient() *server.Client {
	path := socketPath
	if path == "" {
		path = mustLoadConfig().SocketPath
	}
	return server.NewClient(path)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
