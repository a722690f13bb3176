package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:   "spl",
	Short: "sandpool CLI - Submit compute tasks from the command line",
	Long: `sandpool CLI (spl) is a command-line tool for a sandpool supervisor.

It submits compute tasks, inspects the worker pool and lists recent task
history.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("SANDPOOL_API_URL", "http://localhost:8080"), "sandpool API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SANDPOOL_API_KEY"), "sandpool API key")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
