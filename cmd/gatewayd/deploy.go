package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loadstub/gateway/internal/domain"
)

// deployFile is the on-disk shape of a deploy manifest: kind-typed
// metadata plus an optional code artifact, the same pairing the HTTP
// deploy endpoint accepts.
type deployFile struct {
	domain.FunctionMetadata
	Artifact *domain.CodeArtifact `json:"artifact,omitempty"`
}

func deployCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a function from a manifest file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			core := buildCore(cfg)

			data, err := os.ReadFile(manifestPath)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			var req deployFile
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			meta := &req.FunctionMetadata

			now := time.Now().UTC()
			meta.CreatedAt = now
			meta.UpdatedAt = now

			ctx := context.Background()
			if err := core.registry.SaveMetadata(ctx, meta); err != nil {
				return fmt.Errorf("save metadata: %w", err)
			}
			if meta.Kind == domain.KindCode && req.Artifact != nil {
				if err := core.codeStore.SaveCode(ctx, meta.ID, meta.Version, req.Artifact); err != nil {
					return fmt.Errorf("save code artifact: %w", err)
				}
			}

			fmt.Printf("Deployed function '%s' (id=%s, version=%s, kind=%s)\n", meta.Name, meta.ID, meta.Version, meta.Kind)
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", "", "Path to the deploy manifest JSON file")
	cmd.MarkFlagRequired("file")
	return cmd
}
