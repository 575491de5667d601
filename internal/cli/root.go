// Package cli wires the application together behind a cobra CLI.
package cli

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:  "wechat-app",
	Long: "wechat-app is a WeChat-style messaging client with direct peer-to-peer chat",
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
