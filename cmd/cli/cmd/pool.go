package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sandpool/sandpool/pkg/client"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Show worker pool status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(baseURL, apiKey)
		stats, err := c.PoolStats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("running: %v  size: %d  live: %d  idle: %d  terminating: %d\n",
			stats.Running, stats.PoolSize, stats.Live, stats.Idle, stats.Terminating)
		for _, w := range stats.Workers {
			state := "ready"
			if w.Terminating {
				state = "terminating"
			}
			fmt.Printf("  %s  pid=%d  tasks=%d  %s\n", w.ID, w.PID, w.TasksProcessed, state)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(poolCmd)
}
