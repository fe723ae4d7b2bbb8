package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/modelmap"
	"github.com/SMZzzzzzz/SF-AI-API-AWS/internal/store"
)

func newModelMapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modelmap",
		Short: "Validate and publish role to model maps",
	}
	cmd.AddCommand(newModelMapCheckCmd(), newModelMapPushCmd())
	return cmd
}

func newModelMapCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a JSON or YAML model map file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, _, err := readModelMap(args[0])
			if err != nil {
				return err
			}
			printModelMap(cmd.OutOrStdout(), m)
			return nil
		},
	}
}

func newModelMapPushCmd() *cobra.Command {
	var (
		redisURL string
		key      string
	)

	cmd := &cobra.Command{
		Use:   "push <file>",
		Short: "Validate a model map and store it in Redis for STORE_MODE=redis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if redisURL == "" {
				return fmt.Errorf("--redis-url or REDIS_URL is required")
			}
			m, data, err := readModelMap(args[0])
			if err != nil {
				return err
			}
			if modelmap.FormatFor(args[0]) != modelmap.FormatFor(key) {
				return fmt.Errorf("file %s and key %s use different formats", filepath.Base(args[0]), key)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			blob, err := store.NewRedisBlobFromURL(ctx, redisURL)
			if err != nil {
				return err
			}
			defer blob.Close()

			if err := blob.Put(ctx, key, data); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %d roles at %s\n", len(m), key)
			return nil
		},
	}

	cmd.Flags().StringVar(&redisURL, "redis-url", os.Getenv("REDIS_URL"), "Redis URL")
	cmd.Flags().StringVar(&key, "key", "config/model_map.json", "blob key the gateway reads (MODEL_MAP_KEY)")
	return cmd
}

// readModelMap parses and validates a map file and returns its raw bytes.
func readModelMap(path string) (modelmap.Map, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := modelmap.Parse(data, modelmap.FormatFor(path))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	if !m.HasDefault() {
		return nil, nil, fmt.Errorf("%s: missing %s entry", path, modelmap.DefaultKey)
	}
	return m, data, nil
}

func printModelMap(w io.Writer, m modelmap.Map) {
	for _, role := range m.Roles() {
		mc := m[role]
		fmt.Fprintf(w, "%-20s %-10s %s\n", role, mc.Provider, mc.Model)
	}
}
