// ABOUTME: Debounced per-conversation persistence
// ABOUTME: Coalesces rapid updates into one write and never writes a stale snapshot after a newer one

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/store"
)

// saveTimeout bounds a single write. Writes use a detached context so a
// cancelled request does not lose the data it produced.
const saveTimeout = 10 * time.Second

type saveFunc func(ctx context.Context, owner string, conv *store.Conversation) error

type pendingSave struct {
	owner string
	conv  *store.Conversation
	seq   uint64
}

type saveState struct {
	// guarded by saver.mu
	lastSave time.Time
	seq      uint64
	pending  *pendingSave
	timer    *time.Timer

	writeMu sync.Mutex // serializes writes of one conversation
	written uint64     // guarded by writeMu
	dropped bool       // guarded by writeMu
}

// saver decides when a conversation snapshot reaches the store. A save runs
// immediately when forced or when the previous one is older than
// minInterval; otherwise it is deferred until debounce has passed without
// another update.
type saver struct {
	mu          sync.Mutex
	states      map[string]*saveState
	debounce    time.Duration
	minInterval time.Duration
	write       saveFunc
	now         func() time.Time
	logger      *slog.Logger
}

func newSaver(write saveFunc, debounce, minInterval time.Duration, logger *slog.Logger) *saver {
	return &saver{
		states:      make(map[string]*saveState),
		debounce:    debounce,
		minInterval: minInterval,
		write:       write,
		now:         time.Now,
		logger:      logger,
	}
}

func (s *saver) stateLocked(id string) *saveState {
	st, ok := s.states[id]
	if !ok {
		st = &saveState{}
		s.states[id] = st
	}
	return st
}

func cancelPendingLocked(st *saveState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.pending = nil
}

// Save schedules conv for persistence. conv must not be modified afterwards.
func (s *saver) Save(owner string, conv *store.Conversation, force bool) {
	s.mu.Lock()
	st := s.stateLocked(conv.ID)
	st.seq++
	p := &pendingSave{owner: owner, conv: conv, seq: st.seq}

	now := s.now()
	if force || st.lastSave.IsZero() || now.Sub(st.lastSave) > s.minInterval {
		cancelPendingLocked(st)
		st.lastSave = now
		s.mu.Unlock()
		s.persist(st, p)
		return
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	st.pending = p
	id, seq := conv.ID, p.seq
	st.timer = time.AfterFunc(s.debounce, func() { s.fire(id, seq) })
	s.mu.Unlock()
}

func (s *saver) fire(id string, seq uint64) {
	s.mu.Lock()
	st, ok := s.states[id]
	if !ok || st.pending == nil || st.pending.seq != seq {
		s.mu.Unlock()
		return
	}
	p := st.pending
	st.pending = nil
	st.timer = nil
	st.lastSave = s.now()
	s.mu.Unlock()

	s.persist(st, p)
}

// Flush writes the pending snapshot of one conversation now, if there is one.
func (s *saver) Flush(id string) {
	s.mu.Lock()
	st, ok := s.states[id]
	if !ok || st.pending == nil {
		s.mu.Unlock()
		return
	}
	p := st.pending
	cancelPendingLocked(st)
	st.lastSave = s.now()
	s.mu.Unlock()

	s.persist(st, p)
}

// FlushAll writes every pending snapshot.
func (s *saver) FlushAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.states))
	for id, st := range s.states {
		if st.pending != nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Flush(id)
	}
}

// Forget drops pending work for a deleted conversation. It waits for an
// in-flight write so a later delete cannot be overtaken by it.
func (s *saver) Forget(id string) {
	s.mu.Lock()
	st, ok := s.states[id]
	if ok {
		cancelPendingLocked(st)
		delete(s.states, id)
	}
	s.mu.Unlock()

	if ok {
		st.writeMu.Lock()
		st.dropped = true
		st.writeMu.Unlock()
	}
}

// HasPending reports whether a deferred save is waiting for its timer.
func (s *saver) HasPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	return ok && st.pending != nil
}

func (s *saver) persist(st *saveState, p *pendingSave) {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	if st.dropped || p.seq <= st.written {
		s.logger.Debug("skipping stale save", "conversation_id", p.conv.ID, "seq", p.seq)
		return
	}
	st.written = p.seq

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.write(ctx, p.owner, p.conv); err != nil {
		s.logger.Error("failed to save conversation",
			"conversation_id", p.conv.ID,
			"messages", len(p.conv.Messages),
			"error", err)
		return
	}
	s.logger.Debug("saved conversation", "conversation_id", p.conv.ID, "seq", p.seq)
}
