package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sandpool/sandpool/pkg/client"
	"github.com/sandpool/sandpool/pkg/types"
)

var (
	computeParams  string
	computeTimeout int
)

var computeCmd = &cobra.Command{
	Use:   "compute <module-url>",
	Short: "Submit a compute task and print its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := resolveParams(computeParams)
		if err != nil {
			return err
		}

		c := client.New(baseURL, apiKey)
		result, err := c.Compute(cmd.Context(), types.ComputeRequest{
			ModuleURL: args[0],
			Params:    params,
			TimeoutMs: computeTimeout,
		})
		if err != nil {
			return err
		}

		fmt.Println(string(result))
		return nil
	},
}

// resolveParams accepts inline JSON or @file syntax.
func resolveParams(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, fmt.Errorf("read params file: %w", err)
		}
		raw = string(data)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("params must be valid JSON")
	}
	return json.RawMessage(raw), nil
}

func init() {
	computeCmd.Flags().StringVar(&computeParams, "params", "", "task params as JSON, or @file")
	computeCmd.Flags().IntVar(&computeTimeout, "timeout-ms", 30000, "per-task timeout in milliseconds")
	rootCmd.AddCommand(computeCmd)
}
