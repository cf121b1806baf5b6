package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func rollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <id> <version>",
		Short: "Roll a function back to a previously deployed version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			core := buildCore(cfg)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if _, err := core.loader.Rollback(ctx, args[0], args[1]); err != nil {
				return err
			}

			fmt.Printf("Rolled back function '%s' to version %s\n", args[0], args[1])
			return nil
		},
	}

	return cmd
}
