package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sigreer/diskd/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the diskd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("diskd " + version.Version)
	},
}
