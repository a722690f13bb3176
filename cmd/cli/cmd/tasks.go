package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sandpool/sandpool/pkg/client"
)

var tasksLimit int

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List recent task history",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(baseURL, apiKey)
		records, err := c.Tasks(cmd.Context(), tasksLimit)
		if err != nil {
			return err
		}

		for _, r := range records {
			fmt.Printf("%-6d %-8s %6dms  %s  %s\n", r.ID, r.Status, r.DurationMs, r.CreatedAt, r.ModuleURL)
		}
		return nil
	},
}

func init() {
	tasksCmd.Flags().IntVar(&tasksLimit, "limit", 50, "maximum records to list")
	rootCmd.AddCommand(tasksCmd)
}
