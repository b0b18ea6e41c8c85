// ABOUTME: One-time migration of device-local conversations into the durable account store
// ABOUTME: Local records are deleted only after their durable copy is verified

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// MigrationSource is a local store that remembers which accounts it was migrated to.
type MigrationSource interface {
	Store
	MigratedTo(account string) (bool, error)
	MarkMigrated(account string, at time.Time) error
}

// MigrationResult summarizes a MigrateLocal run
type MigrationResult struct {
	AlreadyDone bool
	Copied      int // written to the durable store
	Merged      int // durable copy already held every local message
	Kept        int // left in local storage because the durable copy could not be verified
	Deleted     int // removed from local storage after verification
}

// MigrateLocal copies every unauthenticated conversation into the durable
// store under account. It runs once per account: the marker is only written
// when every conversation was verified, so failures are retried next time.
func MigrateLocal(ctx context.Context, local MigrationSource, durable Store, account string, logger *slog.Logger) (*MigrationResult, error) {
	if account == "" {
		return nil, errors.New("migration requires an account")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "migration", "account", account)

	done, err := local.MigratedTo(account)
	if err != nil {
		return nil, fmt.Errorf("reading migration marker: %w", err)
	}
	if done {
		return &MigrationResult{AlreadyDone: true}, nil
	}

	// Collect ids first; deleting while paging would shift the cursor window.
	var ids []string
	cursor := ""
	for {
		page, err := local.LoadConversationsPage(ctx, "", 100, cursor)
		if err != nil {
			return nil, fmt.Errorf("listing local conversations: %w", err)
		}
		for _, c := range page.Conversations {
			ids = append(ids, c.ID)
		}
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}

	result := &MigrationResult{}
	for _, id := range ids {
		conv, err := local.LoadConversation(ctx, "", id)
		if err != nil {
			logger.Warn("skipping unreadable local conversation", "id", id, "error", err)
			result.Kept++
			continue
		}

		existing, err := durable.LoadConversation(ctx, account, id)
		switch {
		case err == nil && containsAll(existing, conv):
			result.Merged++
		case err == nil || errors.Is(err, ErrNotFound):
			if existing != nil && existing.UpdatedAt.After(conv.UpdatedAt) {
				// Durable copy is newer but missing local messages; keep both sides.
				logger.Warn("durable copy is newer and diverged, keeping local", "id", id)
				result.Kept++
				continue
			}
			if err := durable.SaveConversation(ctx, account, conv); err != nil {
				logger.Error("failed to copy conversation", "id", id, "error", err)
				result.Kept++
				continue
			}
			verified, err := durable.LoadConversation(ctx, account, id)
			if err != nil || !containsAll(verified, conv) {
				logger.Error("durable copy failed verification", "id", id, "error", err)
				result.Kept++
				continue
			}
			result.Copied++
		default:
			logger.Error("failed to read durable conversation", "id", id, "error", err)
			result.Kept++
			continue
		}

		if err := local.DeleteConversation(ctx, "", id); err != nil {
			logger.Warn("failed to delete migrated local conversation", "id", id, "error", err)
			continue
		}
		result.Deleted++
	}

	if result.Kept == 0 {
		if err := local.MarkMigrated(account, time.Now()); err != nil {
			return result, fmt.Errorf("writing migration marker: %w", err)
		}
	}

	logger.Info("local migration finished",
		"copied", result.Copied,
		"merged", result.Merged,
		"kept", result.Kept,
		"deleted", result.Deleted)
	return result, nil
}

// containsAll reports whether every message id of want is present in have.
func containsAll(have, want *Conversation) bool {
	ids := make(map[string]struct{}, len(have.Messages))
	for _, m := range have.Messages {
		ids[m.ID] = struct{}{}
	}
	for _, m := range want.Messages {
		if _, ok := ids[m.ID]; !ok {
			return false
		}
	}
	return true
}
