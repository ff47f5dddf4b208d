package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dropwire/internal/config"
)

var relayURL string

var rootCmd = &cobra.Command{
	Use:  `dropwire`,
	Long: `dropwire streams a file directly between two peers; the relay only introduces them`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&relayURL, "relay", "", "relay websocket URL (defaults to RELAY_URL)")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(receiveCmd)
}

func loadConfig() *config.Config {
	cfg := config.Load()
	if relayURL != "" {
		cfg.RelayURL = relayURL
	}
	return cfg
}
