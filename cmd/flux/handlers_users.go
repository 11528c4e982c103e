package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/haasonsaas/flux/internal/auth"
	"github.com/haasonsaas/flux/internal/config"
)

// openUsers loads config and opens the auth store. Callers must Close it.
func openUsers(configPath string) (*auth.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return auth.OpenStore(filepath.Join(cfg.Storage.DataDir, "auth.db"))
}

func runUsersCreate(ctx context.Context, configPath, username, role string, maxDailyCalls int) error {
	r := auth.Role(role)
	if !r.Valid() {
		return fmt.Errorf("invalid role %q (want readonly, user, or admin)", role)
	}
	users, err := openUsers(configPath)
	if err != nil {
		return err
	}
	defer users.Close()

	u, rawKey, err := users.CreateUser(ctx, username, r, maxDailyCalls)
	if err != nil {
		return err
	}
	fmt.Printf("Created user %s (%s, role %s)\n", u.Username, u.ID, u.Role)
	fmt.Printf("API key (shown once, store it now): %s\n", rawKey)
	return nil
}

func runUsersList(ctx context.Context, configPath string) error {
	users, err := openUsers(configPath)
	if err != nil {
		return err
	}
	defer users.Close()

	all, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Println("No users. Create one with: flux users create <username>")
		return nil
	}
	fmt.Printf("%-20s %-10s %-14s %-8s %s\n", "USERNAME", "ROLE", "KEY PREFIX", "ACTIVE", "CREATED")
	for _, u := range all {
		fmt.Printf("%-20s %-10s %-14s %-8t %s\n",
			u.Username, u.Role, u.KeyPrefix, u.Active, u.CreatedAt.Format("2006-01-02"))
	}
	return nil
}

func runUsersRotate(ctx context.Context, configPath, username string) error {
	users, err := openUsers(configPath)
	if err != nil {
		return err
	}
	defer users.Close()

	u, err := users.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	rawKey, err := users.RotateKey(ctx, u.ID)
	if err != nil {
		return err
	}
	fmt.Printf("Rotated key for %s. The old key no longer authenticates.\n", u.Username)
	fmt.Printf("New API key (shown once): %s\n", rawKey)
	return nil
}

func runUsersDeactivate(ctx context.Context, configPath, username string) error {
	users, err := openUsers(configPath)
	if err != nil {
		return err
	}
	defer users.Close()

	u, err := users.GetUserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if err := users.Deactivate(ctx, u.ID); err != nil {
		return err
	}
	fmt.Printf("Deactivated %s\n", u.Username)
	return nil
}
