package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Lina4Life/passionart-sub000/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Real-time chat server with rooms and presence",
	Long: `A WebSocket chat server. Clients announce themselves in a room, see who
else is online there and exchange messages with the other members.

Configuration comes from defaults, an optional YAML file, CHAT_* environment
variables and command line flags, in increasing order of precedence.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (YAML)")
}

// newLoader returns a loader for the --config file.
func newLoader() *config.Loader {
	return config.NewLoader(cfgFile)
}
