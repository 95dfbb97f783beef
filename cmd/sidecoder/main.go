// SideCoder
//
// A background coding-agent orchestrator. Submit a prompt, watch the agent
// work from any client, get a PR.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "sidecoder",
	Short: "SideCoder - Background Coding Agent Coordinator",
	Long: `SideCoder runs background coding-agent sessions in ephemeral sandboxes
and publishes finished work as pull requests.

  sidecoder serve                Start the coordinator service
  sidecoder list                 List sessions
  sidecoder status <id>          Check session state`,
	Version: version,
}

func init() {
	// Non-destructive: values already in the environment win.
	godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("SIDECODER_SERVER", "http://localhost:7080"), "SideCoder server URL")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
