// ABOUTME: Account commands: local data migration and bearer token minting
// ABOUTME: Both require an authenticated subject in the config

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-chat/internal/store"
)

var errNotSignedIn = errors.New("no account configured: set auth.subject in the config")

func runMigrate(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging)
	identity := identityFor(cfg)
	if identity == nil {
		return errNotSignedIn
	}

	local, durable, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer local.Close()
	defer durable.Close()

	res, err := store.MigrateLocal(ctx, local, durable, identity.Subject(), logger)
	if err != nil {
		return fmt.Errorf("migrating: %w", err)
	}
	if res.AlreadyDone {
		gray.Println("already migrated")
		return nil
	}
	green.Print("✓ ")
	fmt.Printf("copied %d, merged %d, deleted %d local conversations\n", res.Copied, res.Merged, res.Deleted)
	if res.Kept > 0 {
		red.Printf("%d conversations stay local until they can be verified; run migrate again\n", res.Kept)
	}
	return nil
}

func runToken(ctx context.Context) error {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return err
	}
	identity := identityFor(cfg)
	if identity == nil {
		return errNotSignedIn
	}
	token, err := identity.Token(ctx)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
