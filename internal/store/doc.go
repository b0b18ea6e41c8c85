// Package store provides conversation persistence for coven-chat.
//
// # Architecture
//
// Every backend implements the Store interface:
//
//   - SQLiteStore: durable per-account storage (modernc.org/sqlite)
//   - BoltStore: device-local storage for unauthenticated sessions (bbolt)
//   - MockStore: in-memory storage for tests
//
// Router selects a backend per call from the owner argument: "" (no
// identity) goes to the local store, an account id goes to the durable one.
// MigrateLocal copies local conversations into the durable store the first
// time an account signs in.
//
// # Data Models
//
//   - Conversation: title, model, provenance (server|byok), timestamps, messages
//   - Message: role, Content (plain or structured parts), reasoning trace,
//     attachments, and for image generation an embedded ImageJob
//   - ImageJob: server-tracked job with CREATED/WAITING/RUNNING/SUCCESS/FAILED status
//
// # Pagination
//
// LoadConversationsPage orders by updated_at descending. LoadMessagesPage
// returns the most recent page first and walks strictly older with each
// cursor; messages within a page are chronological, ties broken
// user-before-assistant. Cursors are opaque base64 strings.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as unix milliseconds. Message bodies are stored as
// JSON next to the columns used for ordering.
//
// # Error Handling
//
//   - ErrNotFound: requested conversation does not exist
//   - ErrInvalidCursor: cursor could not be decoded
//
// # Testing
//
// Use NewMockStore() for unit tests; it records every save so tests can
// assert on write counts. Use NewSQLiteStore(":memory:") or a t.TempDir()
// path for integration tests with real SQLite.
package store
