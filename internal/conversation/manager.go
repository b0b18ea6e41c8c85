// ABOUTME: Conversation manager owning the list, the active conversation and its persistence
// ABOUTME: Coordinates the store, the cache, streaming chat and image job polling

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/convcache"
	"github.com/2389/coven-chat/internal/jobs"
	"github.com/2389/coven-chat/internal/store"
)

// DefaultTitle is the title of a conversation nobody has named yet.
const DefaultTitle = "New Chat"

var (
	// ErrStreamActive is returned when a message is sent while a response is still streaming.
	ErrStreamActive = errors.New("a response is already streaming")
	// ErrEmptyPrompt is returned when an image is requested without a prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("manager is closed")
)

// JobCreator submits image generation jobs. jobs.Client implements it.
type JobCreator interface {
	CreateJob(ctx context.Context, target jobs.Target, req jobs.CreateRequest) (*store.ImageJob, error)
}

// JobPoller tracks submitted jobs. jobs.Poller implements it.
type JobPoller interface {
	Start(jobID string, target jobs.Target, cb jobs.Callbacks) bool
	Stop(jobID string)
	StopAll()
	IsPolling(jobID string) bool
}

// idlePoller stands in when image generation is not configured.
type idlePoller struct{}

func (idlePoller) Start(string, jobs.Target, jobs.Callbacks) bool { return false }
func (idlePoller) Stop(string)                                    {}
func (idlePoller) StopAll()                                       {}
func (idlePoller) IsPolling(string) bool                          { return false }

// Deps are the collaborators of a Manager. Store and Chat are required.
type Deps struct {
	Store        store.Store
	Chat         chat.Sender
	Jobs         JobCreator
	Poller       JobPoller
	Materializer jobs.Materializer
	Identity     auth.Provider
	Cache        *convcache.Cache
}

// Options tune a Manager. Zero values fall back to the config defaults.
type Options struct {
	DefaultModel   string
	ImageModel     string
	SystemPrompt   string
	CustomPrompt   string
	IsCatalogModel func(model string) bool

	ConversationPageSize int
	MessagePageSize      int

	Debounce        time.Duration
	MinSaveInterval time.Duration

	// A zero WatchdogInterval disables the stuck image watchdog.
	WatchdogInterval time.Duration
	StuckAfter       time.Duration
}

// OptionsFromConfig maps loaded configuration onto manager options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DefaultModel:         cfg.Chat.DefaultModel,
		ImageModel:           cfg.Chat.ImageModel,
		SystemPrompt:         cfg.Chat.SystemPrompt,
		CustomPrompt:         cfg.Chat.CustomPrompt,
		IsCatalogModel:       cfg.IsCatalogModel,
		ConversationPageSize: cfg.Manager.ConversationPageSize,
		MessagePageSize:      cfg.Manager.MessagePageSize,
		Debounce:             cfg.Manager.Debounce,
		MinSaveInterval:      cfg.Manager.MinSaveInterval,
		WatchdogInterval:     cfg.Manager.WatchdogInterval,
		StuckAfter:           cfg.Manager.StuckAfter,
	}
}

func (o *Options) applyDefaults() {
	if o.DefaultModel == "" {
		o.DefaultModel = config.DefaultModel
	}
	if o.ImageModel == "" {
		o.ImageModel = config.DefaultImageModel
	}
	if o.ConversationPageSize <= 0 {
		o.ConversationPageSize = config.DefaultConversationPageSize
	}
	if o.MessagePageSize <= 0 {
		o.MessagePageSize = config.DefaultMessagePageSize
	}
	if o.Debounce <= 0 {
		o.Debounce = config.DefaultDebounce
	}
	if o.MinSaveInterval <= 0 {
		o.MinSaveInterval = config.DefaultMinSaveInterval
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = config.DefaultStuckAfter
	}
	if o.IsCatalogModel == nil {
		def := o.DefaultModel
		o.IsCatalogModel = func(model string) bool { return model == def }
	}
}

// StreamingState describes the response currently being streamed.
type StreamingState struct {
	Active         bool
	ConversationID string
	MessageID      string
}

type streamState struct {
	StreamingState
	cancel context.CancelFunc
}

// Manager is the single owner of conversation state. Published conversation
// snapshots are immutable: every change clones, mutates and replaces.
type Manager struct {
	store        store.Store
	chat         chat.Sender
	jobs         JobCreator
	poller       JobPoller
	materializer jobs.Materializer
	identity     auth.Provider
	cache        *convcache.Cache
	opts         Options
	saver        *saver
	events       *EventBroadcaster
	searchGroup  singleflight.Group
	logger       *slog.Logger
	now          func() time.Time

	mu            sync.Mutex
	list          []*store.Conversation // most recent first; entries may be summaries
	hydrated      map[string]bool       // conversations whose messages are loaded
	listCursor    string
	listHasMore   bool
	activeID      string
	pages         map[string]pageState // older-message cursors, kept across selection changes
	loading       bool
	creating      bool
	stream        streamState
	search        searchState
	materializing map[string]bool // message ids with a result download in progress
	closed        bool

	stopWatchdog chan struct{}
	wg           sync.WaitGroup
}

// New creates a Manager. The caller keeps ownership of every dependency.
func New(deps Deps, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	if deps.Cache == nil {
		deps.Cache = convcache.New(0, 0)
	}
	if deps.Materializer == nil {
		deps.Materializer = jobs.NewRehoster("", nil, logger)
	}
	if deps.Poller == nil {
		deps.Poller = idlePoller{}
	}

	m := &Manager{
		store:         deps.Store,
		chat:          deps.Chat,
		jobs:          deps.Jobs,
		poller:        deps.Poller,
		materializer:  deps.Materializer,
		identity:      deps.Identity,
		cache:         deps.Cache,
		opts:          opts,
		logger:        logger.With("component", "conversation"),
		now:           time.Now,
		hydrated:      make(map[string]bool),
		pages:         make(map[string]pageState),
		materializing: make(map[string]bool),
		stopWatchdog:  make(chan struct{}),
	}
	m.events = NewEventBroadcaster(logger)
	m.saver = newSaver(m.store.SaveConversation, opts.Debounce, opts.MinSaveInterval, m.logger)

	if opts.WatchdogInterval > 0 {
		m.wg.Add(1)
		go m.watchdog(opts.WatchdogInterval)
	}
	return m
}

// Subscribe returns a feed of state changes for one conversation, or for
// everything when conversationID is "". The feed closes when ctx ends.
func (m *Manager) Subscribe(ctx context.Context, conversationID string) <-chan Event {
	ch, _ := m.events.Subscribe(ctx, conversationID)
	return ch
}

func (m *Manager) publish(ev Event) {
	m.events.Publish(ev)
}

// currentIdentity returns the signed-in identity, or nil.
func (m *Manager) currentIdentity() auth.Identity {
	if m.identity == nil {
		return nil
	}
	return m.identity.Current()
}

func (m *Manager) owner() string {
	return auth.Owner(m.currentIdentity())
}

// --- state accessors ---

// Conversations returns the loaded conversation list, most recent first.
func (m *Manager) Conversations() []*store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Conversation(nil), m.list...)
}

// HasMoreConversations reports whether older conversations can be loaded.
func (m *Manager) HasMoreConversations() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listHasMore
}

// ActiveID returns the id of the active conversation, "" for the home state.
func (m *Manager) ActiveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeID
}

// Active returns the active conversation snapshot, or nil.
func (m *Manager) Active() *store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, conv := m.findLocked(m.activeID)
	return conv
}

// Conversation returns the loaded snapshot for id, or nil.
func (m *Manager) Conversation(id string) *store.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, conv := m.findLocked(id)
	return conv
}

// HasMoreMessages reports whether the active conversation has older messages in the store.
func (m *Manager) HasMoreMessages() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages[m.activeID].hasMore
}

// Loading reports whether the active conversation is being fetched.
func (m *Manager) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// Streaming returns the current streaming state.
func (m *Manager) Streaming() StreamingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream.StreamingState
}

// --- list helpers; callers hold m.mu ---

func (m *Manager) findLocked(id string) (int, *store.Conversation) {
	if id == "" {
		return -1, nil
	}
	for i, c := range m.list {
		if c.ID == id {
			return i, c
		}
	}
	return -1, nil
}

// putLocked replaces the snapshot for conv.ID, or inserts it at the front.
func (m *Manager) putLocked(conv *store.Conversation) {
	if i, _ := m.findLocked(conv.ID); i >= 0 {
		m.list[i] = conv
		return
	}
	m.list = append([]*store.Conversation{conv}, m.list...)
}

// moveToFrontLocked puts conv first in the list, replacing any older snapshot.
func (m *Manager) moveToFrontLocked(conv *store.Conversation) {
	if i, _ := m.findLocked(conv.ID); i >= 0 {
		m.list = append(m.list[:i], m.list[i+1:]...)
	}
	m.list = append([]*store.Conversation{conv}, m.list...)
}

// pageState is how far back the messages of one conversation are loaded.
type pageState struct {
	cursor  string
	hasMore bool
}

// prunePagesLocked drops page state for conversations whose messages are
// neither in the list nor in the cache.
func (m *Manager) prunePagesLocked() {
	keep := make(map[string]bool, len(m.hydrated))
	for id := range m.hydrated {
		keep[id] = true
	}
	for _, id := range m.cache.IDs() {
		keep[id] = true
	}
	for id := range m.pages {
		if !keep[id] {
			delete(m.pages, id)
		}
	}
}

func (m *Manager) removeLocked(id string) {
	if i, _ := m.findLocked(id); i >= 0 {
		m.list = append(m.list[:i], m.list[i+1:]...)
	}
	delete(m.hydrated, id)
	delete(m.pages, id)
}

// --- list loading ---

// LoadConversations replaces the list with the first page of summaries.
// Conversations whose messages are already loaded keep their full snapshot.
func (m *Manager) LoadConversations(ctx context.Context) error {
	page, err := m.store.LoadConversationsPage(ctx, m.owner(), m.opts.ConversationPageSize, "")
	if err != nil {
		m.logger.Error("failed to load conversations", "error", err)
		return fmt.Errorf("loading conversations: %w", err)
	}

	m.mu.Lock()
	next := make([]*store.Conversation, 0, len(page.Conversations)+1)
	hydrated := make(map[string]bool)
	seen := make(map[string]bool, len(page.Conversations))
	for _, c := range page.Conversations {
		if _, loaded := m.findLocked(c.ID); loaded != nil && m.hydrated[c.ID] {
			c = loaded
			hydrated[c.ID] = true
		}
		next = append(next, c)
		seen[c.ID] = true
	}
	if _, active := m.findLocked(m.activeID); active != nil && !seen[active.ID] {
		next = append([]*store.Conversation{active}, next...)
		hydrated[active.ID] = m.hydrated[active.ID]
	}
	m.list = next
	m.hydrated = hydrated
	m.prunePagesLocked()
	m.search.all = nil
	m.listCursor = page.Cursor
	m.listHasMore = page.HasMore
	m.mu.Unlock()

	m.logger.Debug("loaded conversations", "count", len(page.Conversations), "has_more", page.HasMore)
	m.publish(Event{Type: EventListChanged})
	return nil
}

// LoadMoreConversations appends the next page of summaries. It does nothing
// when every page is loaded.
func (m *Manager) LoadMoreConversations(ctx context.Context) error {
	m.mu.Lock()
	cursor, more := m.listCursor, m.listHasMore
	m.mu.Unlock()
	if !more {
		return nil
	}

	page, err := m.store.LoadConversationsPage(ctx, m.owner(), m.opts.ConversationPageSize, cursor)
	if err != nil {
		m.logger.Error("failed to load more conversations", "error", err)
		return fmt.Errorf("loading conversations: %w", err)
	}

	m.mu.Lock()
	if m.listCursor != cursor {
		// Another load already advanced the list.
		m.mu.Unlock()
		return nil
	}
	for _, c := range page.Conversations {
		if _, existing := m.findLocked(c.ID); existing == nil {
			m.list = append(m.list, c)
		}
	}
	m.listCursor = page.Cursor
	m.listHasMore = page.HasMore
	m.mu.Unlock()

	m.publish(Event{Type: EventListChanged})
	return nil
}

// --- selection ---

// SelectConversation makes id the active conversation ("" returns home).
// Selecting the already active conversation does nothing.
func (m *Manager) SelectConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if id == m.activeID {
		m.mu.Unlock()
		return nil
	}
	prev := m.activeID
	m.activeID = id
	m.mu.Unlock()

	if prev != "" {
		m.saver.Flush(prev)
	}
	m.poller.StopAll()
	m.publish(Event{Type: EventSelected, ConversationID: id})

	if id == "" {
		return nil
	}

	conv, err := m.hydrate(ctx, id)
	if err != nil || conv == nil {
		return err
	}
	m.resumeJobs(ctx, id)
	return nil
}

// hydrate resolves the messages of id from the loaded list, then the cache,
// then the store. It returns nil without error when id stopped being active
// while loading or could not be found.
func (m *Manager) hydrate(ctx context.Context, id string) (*store.Conversation, error) {
	m.mu.Lock()
	_, listed := m.findLocked(id)
	if listed != nil && (len(listed.Messages) > 0 || m.hydrated[id]) {
		m.mu.Unlock()
		return listed, nil
	}
	if cached, ok := m.cache.Get(id); ok {
		m.putLocked(cached)
		m.hydrated[id] = true
		m.mu.Unlock()
		m.logger.Debug("conversation served from cache", "conversation_id", id)
		m.publish(Event{Type: EventUpdated, ConversationID: id, Conversation: cached})
		return cached, nil
	}
	m.loading = true
	m.mu.Unlock()
	m.publish(Event{Type: EventLoadingChanged, ConversationID: id})

	owner := m.owner()
	var (
		conv    *store.Conversation
		cursor  string
		hasMore bool
	)
	if listed != nil {
		page, err := m.store.LoadMessagesPage(ctx, owner, id, m.opts.MessagePageSize, "")
		if err != nil {
			m.setLoading(false)
			m.logger.Error("failed to load messages", "conversation_id", id, "error", err)
			return nil, fmt.Errorf("loading messages: %w", err)
		}
		conv = listed.Clone()
		conv.Messages = page.Messages
		cursor, hasMore = page.Cursor, page.HasMore
	} else {
		// Deep link to a conversation outside the loaded pages.
		full, err := m.store.LoadConversation(ctx, owner, id)
		if errors.Is(err, store.ErrNotFound) {
			m.setLoading(false)
			m.notFound(id, owner)
			return nil, nil
		}
		if err != nil {
			m.setLoading(false)
			m.logger.Error("failed to load conversation", "conversation_id", id, "error", err)
			return nil, fmt.Errorf("loading conversation: %w", err)
		}
		conv = full
	}

	m.cache.Put(conv)

	m.mu.Lock()
	m.loading = false
	stale := m.activeID != id
	m.putLocked(conv)
	m.hydrated[id] = true
	m.pages[id] = pageState{cursor: cursor, hasMore: hasMore}
	m.mu.Unlock()

	m.publish(Event{Type: EventUpdated, ConversationID: id, Conversation: conv})
	if stale {
		m.logger.Debug("selection changed while loading", "conversation_id", id)
		return nil, nil
	}
	return conv, nil
}

// notFound handles a deep link that resolved to nothing. Signed-in users are
// sent home; a miss without identity may just mean the data lives elsewhere.
func (m *Manager) notFound(id, owner string) {
	if owner == "" {
		m.logger.Debug("conversation not found locally", "conversation_id", id)
		return
	}
	m.logger.Info("conversation not found, returning home", "conversation_id", id)
	m.mu.Lock()
	redirected := m.activeID == id
	if redirected {
		m.activeID = ""
	}
	m.mu.Unlock()
	if redirected {
		m.publish(Event{Type: EventSelected})
	}
}

func (m *Manager) setLoading(v bool) {
	m.mu.Lock()
	m.loading = v
	m.mu.Unlock()
	m.publish(Event{Type: EventLoadingChanged})
}

// LoadMoreMessages prepends the next older page to the active conversation.
func (m *Manager) LoadMoreMessages(ctx context.Context) error {
	m.mu.Lock()
	id := m.activeID
	cursor, more := m.pages[id].cursor, m.pages[id].hasMore
	m.mu.Unlock()
	if id == "" || !more {
		return nil
	}

	page, err := m.store.LoadMessagesPage(ctx, m.owner(), id, m.opts.MessagePageSize, cursor)
	if err != nil {
		m.logger.Error("failed to load older messages", "conversation_id", id, "error", err)
		return fmt.Errorf("loading messages: %w", err)
	}

	m.mu.Lock()
	_, conv := m.findLocked(id)
	if m.activeID != id || m.pages[id].cursor != cursor || conv == nil {
		m.mu.Unlock()
		return nil
	}
	next := conv.Clone()
	next.Messages = store.MergeMessages(page.Messages, next.Messages)
	m.putLocked(next)
	m.pages[id] = pageState{cursor: page.Cursor, hasMore: page.HasMore}
	m.mu.Unlock()

	m.cache.Put(next)
	m.publish(Event{Type: EventUpdated, ConversationID: id, Conversation: next})
	return nil
}

// --- creation and editing ---

// provenance classifies a model as served by the managed catalog or brought by the user.
func (m *Manager) provenance(model string) store.Provenance {
	if m.opts.IsCatalogModel(model) {
		return store.ProvenanceServer
	}
	return store.ProvenanceBYOK
}

func (m *Manager) newConversation(title, model string) *store.Conversation {
	if model == "" {
		model = m.opts.DefaultModel
	}
	if title == "" {
		title = DefaultTitle
	}
	now := m.now()
	return &store.Conversation{
		ID:         uuid.New().String(),
		Title:      title,
		Model:      model,
		Provenance: m.provenance(model),
		CreatedAt:  now,
		UpdatedAt:  now,
		Messages:   []store.Message{},
	}
}

func isUntitled(title string) bool {
	return title == "" || title == DefaultTitle
}

// CreateNewConversation activates an empty conversation. An active
// conversation without messages is reused instead of creating another empty
// one, and a creation already in progress returns the current conversation.
func (m *Manager) CreateNewConversation(ctx context.Context, title, model string) (*store.Conversation, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.creating {
		_, current := m.findLocked(m.activeID)
		m.mu.Unlock()
		return current, nil
	}
	if _, active := m.findLocked(m.activeID); active != nil && len(active.Messages) == 0 && m.hydrated[active.ID] {
		reused := active
		if title != "" && title != active.Title {
			reused = active.Clone()
			reused.Title = title
			reused.Touch(m.now())
			m.putLocked(reused)
		}
		m.mu.Unlock()
		if reused != active {
			m.cache.Put(reused)
			m.saver.Save(m.owner(), reused, true)
			m.publish(Event{Type: EventUpdated, ConversationID: reused.ID, Conversation: reused})
		}
		m.logger.Debug("reusing empty conversation", "conversation_id", reused.ID)
		return reused, nil
	}
	m.creating = true
	prev := m.activeID
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.creating = false
		m.mu.Unlock()
	}()

	if prev != "" {
		m.saver.Flush(prev)
		m.poller.StopAll()
	}

	conv := m.newConversation(title, model)
	m.saver.Save(m.owner(), conv, true)
	m.cache.Put(conv)

	m.mu.Lock()
	m.moveToFrontLocked(conv)
	m.hydrated[conv.ID] = true
	m.activeID = conv.ID
	m.mu.Unlock()

	m.logger.Info("created conversation", "conversation_id", conv.ID, "model", conv.Model, "provenance", conv.Provenance)
	m.publish(Event{Type: EventListChanged})
	m.publish(Event{Type: EventSelected, ConversationID: conv.ID, Conversation: conv})
	return conv, nil
}

// UpdateMessage applies mutate to a copy of one message and persists the
// result through the debounced saver. It reports false, logging the
// integrity problem, when the conversation or message no longer exists.
func (m *Manager) UpdateMessage(conversationID, messageID string, mutate func(*store.Message), force bool) bool {
	m.mu.Lock()
	_, conv := m.findLocked(conversationID)
	if conv == nil {
		m.mu.Unlock()
		m.logger.Warn("dropping update for unknown conversation",
			"conversation_id", conversationID, "message_id", messageID)
		return false
	}
	idx := conv.FindMessage(messageID)
	if idx < 0 {
		m.mu.Unlock()
		m.logger.Warn("dropping update for unknown message",
			"conversation_id", conversationID, "message_id", messageID)
		return false
	}
	next := conv.Clone()
	mutate(&next.Messages[idx])
	next.Touch(m.now())
	m.putLocked(next)
	m.mu.Unlock()

	m.cache.Put(next)
	m.publish(Event{Type: EventMessageUpdated, ConversationID: conversationID, MessageID: messageID, Conversation: next})
	m.saver.Save(m.owner(), next, force)
	return true
}

// RenameConversation sets a conversation's title and saves it immediately.
func (m *Manager) RenameConversation(ctx context.Context, id, title string) error {
	if title == "" {
		return errors.New("title is required")
	}
	full, err := m.fullSnapshot(ctx, id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, current := m.findLocked(id); current != nil {
		full = current
	}
	next := full.Clone()
	next.Title = title
	next.Touch(m.now())
	m.putLocked(next)
	m.search.rename(id, title)
	hydrated := m.hydrated[id]
	m.mu.Unlock()

	if hydrated {
		m.cache.Put(next)
	}
	m.saver.Save(m.owner(), next, true)
	m.publish(Event{Type: EventUpdated, ConversationID: id, Conversation: next})
	m.publish(Event{Type: EventListChanged})
	return nil
}

// fullSnapshot returns a snapshot that is safe to save. Summaries are fine
// too since saves merge messages, so only unknown ids go to the store.
func (m *Manager) fullSnapshot(ctx context.Context, id string) (*store.Conversation, error) {
	m.mu.Lock()
	_, conv := m.findLocked(id)
	m.mu.Unlock()
	if conv != nil {
		return conv, nil
	}
	loaded, err := m.store.LoadConversation(ctx, m.owner(), id)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	return loaded, nil
}

// DeleteConversation removes a conversation everywhere. Deleting the active
// conversation cancels its stream, stops job polling and returns home.
func (m *Manager) DeleteConversation(ctx context.Context, id string) error {
	m.mu.Lock()
	streaming := m.stream.Active && m.stream.ConversationID == id
	wasActive := m.activeID == id
	m.mu.Unlock()

	if streaming {
		m.CancelStream()
	}
	if wasActive {
		m.poller.StopAll()
	}
	m.saver.Forget(id)

	m.mu.Lock()
	m.removeLocked(id)
	m.search.remove(id)
	if m.activeID == id {
		m.activeID = ""
	}
	m.mu.Unlock()
	m.cache.Remove(id)

	err := m.store.DeleteConversation(ctx, m.owner(), id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.Error("failed to delete conversation", "conversation_id", id, "error", err)
		return fmt.Errorf("deleting conversation: %w", err)
	}

	m.logger.Info("deleted conversation", "conversation_id", id)
	m.publish(Event{Type: EventDeleted, ConversationID: id})
	m.publish(Event{Type: EventListChanged})
	if wasActive {
		m.publish(Event{Type: EventSelected})
	}
	return nil
}

// Close cancels any stream, stops polling and writes pending saves.
// The store, poller and cache stay open for their owner to close.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.CancelStream()
	close(m.stopWatchdog)
	m.poller.StopAll()
	m.wg.Wait()
	m.saver.FlushAll()
	m.events.Close()
	return nil
}
