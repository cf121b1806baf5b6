package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func invokeCmd() *cobra.Command {
	var payload string

	cmd := &cobra.Command{
		Use:   "invoke <id>",
		Short: "Invoke a deployed function directly, bypassing the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			core := buildCore(cfg)

			var input json.RawMessage
			if payload != "" {
				input = json.RawMessage(payload)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			result, meta, err := core.dispatcher.Dispatch(ctx, args[0], input)
			if err != nil {
				return err
			}

			fmt.Printf("Status:   %d\n", result.Status)
			if meta != nil {
				fmt.Printf("Executor: %s (tier %d, %dms)\n", meta.ExecutorType, meta.Tier, meta.DurationMs)
			}
			fmt.Printf("Body:\n%s\n", result.Body)
			return nil
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	return cmd
}
