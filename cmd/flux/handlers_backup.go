package main

import (
	"context"
	"fmt"

	"github.com/haasonsaas/flux/internal/backup"
	"github.com/haasonsaas/flux/internal/config"
)

func runBackupCreate(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	path, err := backup.New(".", cfg.Storage.BackupDir, nil).Create(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Backup written to %s\n", path)
	return nil
}

func runBackupRestore(ctx context.Context, configPath, archivePath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := backup.New(".", cfg.Storage.BackupDir, nil).Restore(ctx, archivePath); err != nil {
		return err
	}
	fmt.Println("Restore complete. Restart the server to pick up the restored state.")
	return nil
}
