package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/haasonsaas/flux/internal/config"
	"github.com/haasonsaas/flux/internal/tools"
)

func runToolsList(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	registry := tools.NewRegistry(tools.RegistryConfig{
		Dir:     cfg.Tools.Dir,
		Timeout: cfg.Tools.Timeout,
		Runner:  tools.NewPythonRunner(cfg.Tools.PythonBin),
	})
	if _, err := registry.ReloadIfChanged(ctx); err != nil {
		return err
	}

	schemas := registry.Schemas()
	if len(schemas) == 0 {
		fmt.Printf("No tools loaded from %s\n", cfg.Tools.Dir)
	} else {
		fmt.Printf("Loaded tools (%d):\n", len(schemas))
		for _, s := range schemas {
			fmt.Printf("  %-24s %s\n", s.Name, s.Description)
		}
	}

	rejected := registry.Rejected()
	if len(rejected) > 0 {
		names := make([]string, 0, len(rejected))
		for name := range rejected {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Printf("\nRejected files (%d):\n", len(rejected))
		for _, name := range names {
			fmt.Printf("  %-24s %s\n", name, rejected[name])
		}
	}
	return nil
}

func runToolsApprove(ctx context.Context, configPath, filename string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	source, err := os.ReadFile(filepath.Join(cfg.Tools.Dir, filename))
	if err != nil {
		return fmt.Errorf("read tool file: %w", err)
	}
	hash := tools.HashSource(source)
	if err := tools.NewApprovalStore(cfg.Tools.Dir).Approve(filename, hash); err != nil {
		return err
	}
	fmt.Printf("Approved %s at %s\n", filename, hash[:12])
	fmt.Println("The approval is invalidated by any change to the file.")
	return nil
}
