package collab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const (
	defaultFlushDebounce = 2 * time.Second
	defaultFlushMaxDelay = 10 * time.Second
	defaultIdleTimeout   = 5 * time.Minute
	defaultStoreTimeout  = 10 * time.Second
)

var (
	// ErrSessionNotFound indicates that no live document exists for the identifier.
	ErrSessionNotFound = errors.New("collab: session not found")
	// ErrManagerClosed indicates that the manager has been shut down.
	ErrManagerClosed = errors.New("collab: session manager closed")
	// ErrInvalidSessionKey indicates an empty document or participant identifier.
	ErrInvalidSessionKey = errors.New("collab: invalid session key")
)

// StoredState is what a flush hands to the DocumentStore: the note body as a
// JSON string of the merged text plus the full encoded document.
type StoredState struct {
	Content  []byte
	Snapshot []byte
}

// DocumentStore persists documents. Load returns nil bytes when nothing is stored.
type DocumentStore interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	Save(ctx context.Context, documentID string, state StoredState) error
}

// SessionHandle is returned to a participant that opened a document.
type SessionHandle struct {
	DocumentID   string
	Snapshot     []byte
	Participants int
}

// SessionManagerConfig configures a SessionManager.
type SessionManagerConfig struct {
	Store         DocumentStore
	Clock         clockwork.Clock
	Logger        *zap.Logger
	FlushDebounce time.Duration
	FlushMaxDelay time.Duration
	IdleTimeout   time.Duration
	StoreTimeout  time.Duration
	ClientIDs     func() string
}

type sessionState int

const (
	sessionLoading sessionState = iota
	sessionActive
	sessionFlushing
)

func (state sessionState) String() string {
	switch state {
	case sessionLoading:
		return "loading"
	case sessionActive:
		return "active"
	case sessionFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// documentSession is one live document. participants and state are guarded by
// the manager mutex; everything else belongs to the worker goroutine.
type documentSession struct {
	documentID   string
	queue        *taskQueue
	participants map[string]struct{}
	state        sessionState

	doc        *Document
	dirty      bool
	dirtySince time.Time
}

// SessionManager owns every live document in the process. Each document has a
// single worker goroutine that runs its load, edits and flushes in order.
type SessionManager struct {
	store         DocumentStore
	clock         clockwork.Clock
	logger        *zap.Logger
	scheduler     *Scheduler
	flushDebounce time.Duration
	flushMaxDelay time.Duration
	idleTimeout   time.Duration
	storeTimeout  time.Duration
	clientIDs     func() string

	mu       sync.Mutex
	sessions map[string]*documentSession
	closed   bool
	workers  sync.WaitGroup
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(config SessionManagerConfig) (*SessionManager, error) {
	if config.Store == nil {
		return nil, errors.New("collab: document store is required")
	}
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clientIDs := config.ClientIDs
	if clientIDs == nil {
		clientIDs = func() string { return "server-" + uuid.NewString() }
	}
	manager := &SessionManager{
		store:         config.Store,
		clock:         clock,
		logger:        logger,
		scheduler:     NewScheduler(clock),
		flushDebounce: durationOrDefault(config.FlushDebounce, defaultFlushDebounce),
		flushMaxDelay: durationOrDefault(config.FlushMaxDelay, defaultFlushMaxDelay),
		idleTimeout:   durationOrDefault(config.IdleTimeout, defaultIdleTimeout),
		storeTimeout:  durationOrDefault(config.StoreTimeout, defaultStoreTimeout),
		clientIDs:     clientIDs,
		sessions:      make(map[string]*documentSession),
	}
	return manager, nil
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

// Open registers participantID on documentID, loading the document on first
// use, and returns the encoded full state for initial sync. When ctx ends
// before the handshake completes the registration is rolled back.
func (m *SessionManager) Open(ctx context.Context, documentID, participantID string) (SessionHandle, error) {
	documentID = strings.TrimSpace(documentID)
	participantID = strings.TrimSpace(participantID)
	if documentID == "" || participantID == "" {
		return SessionHandle{}, ErrInvalidSessionKey
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return SessionHandle{}, ErrManagerClosed
	}
	session, exists := m.sessions[documentID]
	if !exists {
		session = &documentSession{
			documentID:   documentID,
			queue:        newTaskQueue(),
			participants: make(map[string]struct{}),
			state:        sessionLoading,
		}
		m.sessions[documentID] = session
		m.workers.Add(1)
		go m.runWorker(session)
		session.queue.push(func() { m.load(session) })
	}
	session.participants[participantID] = struct{}{}
	m.mu.Unlock()

	m.scheduler.Cancel(idleKey(documentID))

	handles := make(chan SessionHandle, 1)
	session.queue.push(func() {
		handles <- SessionHandle{
			DocumentID:   documentID,
			Snapshot:     session.doc.EncodeStateAsUpdate(),
			Participants: m.participantCount(session),
		}
	})

	select {
	case handle := <-handles:
		return handle, nil
	case <-ctx.Done():
		// ctx is already done, so Close queues the cleanup without waiting on it.
		m.Close(ctx, documentID, participantID)
		return SessionHandle{}, ctx.Err()
	}
}

// ApplyEdit merges delta into the live document and schedules a debounced flush.
func (m *SessionManager) ApplyEdit(ctx context.Context, documentID string, delta []byte) error {
	session := m.lookup(documentID)
	if session == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, documentID)
	}
	results := make(chan error, 1)
	if !session.queue.push(func() { results <- m.applyEdit(session, delta) }) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, documentID)
	}
	select {
	case err := <-results:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unregisters participantID. The last participant out forces a flush and
// evicts the document whatever the flush outcome, unless someone rejoined
// while the flush was running.
func (m *SessionManager) Close(ctx context.Context, documentID, participantID string) {
	m.mu.Lock()
	session, exists := m.sessions[documentID]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(session.participants, participantID)
	if len(session.participants) > 0 {
		m.mu.Unlock()
		return
	}
	session.state = sessionFlushing
	m.mu.Unlock()

	m.scheduler.Cancel(flushKey(documentID))
	done := make(chan struct{})
	pushed := session.queue.push(func() {
		defer close(done)
		m.flush(session, "last_participant")
		m.evict(session, false)
	})
	if !pushed {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Text returns the merged text of a live document.
func (m *SessionManager) Text(ctx context.Context, documentID string) (string, bool, error) {
	session := m.lookup(documentID)
	if session == nil {
		return "", false, nil
	}
	texts := make(chan string, 1)
	if !session.queue.push(func() { texts <- session.doc.Text() }) {
		return "", false, nil
	}
	select {
	case text := <-texts:
		return text, true, nil
	case <-ctx.Done():
		return "", false, ctx.Err()
	}
}

// State returns the encoded full state of a live document.
func (m *SessionManager) State(ctx context.Context, documentID string) ([]byte, bool, error) {
	session := m.lookup(documentID)
	if session == nil {
		return nil, false, nil
	}
	states := make(chan []byte, 1)
	if !session.queue.push(func() { states <- session.doc.EncodeStateAsUpdate() }) {
		return nil, false, nil
	}
	select {
	case state := <-states:
		return state, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Participants reports how many participants hold documentID open.
func (m *SessionManager) Participants(documentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, exists := m.sessions[documentID]
	if !exists {
		return 0
	}
	return len(session.participants)
}

// LiveDocuments reports how many documents are resident.
func (m *SessionManager) LiveDocuments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown flushes and evicts every live document, then waits for the workers.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*documentSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		session.state = sessionFlushing
		live = append(live, session)
	}
	m.mu.Unlock()

	m.scheduler.Stop()
	for _, session := range live {
		current := session
		current.queue.push(func() {
			m.flush(current, "shutdown")
			m.evict(current, true)
		})
	}

	finished := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *SessionManager) lookup(documentID string) *documentSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[documentID]
}

func (m *SessionManager) participantCount(session *documentSession) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(session.participants)
}

func (m *SessionManager) runWorker(session *documentSession) {
	defer m.workers.Done()
	for {
		task, ok := session.queue.next()
		if !ok {
			return
		}
		task()
	}
}

func (m *SessionManager) load(session *documentSession) {
	clientID := m.clientIDs()
	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
	defer cancel()

	stored, err := m.store.Load(ctx, session.documentID)
	if err != nil {
		m.logger.Warn("document load failed, starting empty document",
			zap.String("document_id", session.documentID),
			zap.Error(err))
		session.doc = NewDocument(clientID)
	} else {
		session.doc = LoadStoredDocument(clientID, stored, m.logger.With(zap.String("document_id", session.documentID)))
	}

	m.mu.Lock()
	if session.state == sessionLoading {
		session.state = sessionActive
	}
	m.mu.Unlock()
	m.logger.Debug("document loaded",
		zap.String("document_id", session.documentID),
		zap.Int("runes", session.doc.Len()))
}

func (m *SessionManager) applyEdit(session *documentSession, delta []byte) error {
	if err := session.doc.ApplyUpdate(delta); err != nil {
		m.logger.Warn("rejected document update",
			zap.String("document_id", session.documentID),
			zap.Int("bytes", len(delta)),
			zap.Error(err))
		return err
	}
	now := m.clock.Now()
	if !session.dirty {
		session.dirty = true
		session.dirtySince = now
	}
	m.scheduleFlush(session, now)
	m.scheduleIdle(session)
	return nil
}

// scheduleFlush pushes the flush back by the debounce window, but never past
// the max delay measured from the first unflushed edit.
func (m *SessionManager) scheduleFlush(session *documentSession, now time.Time) {
	delay := m.flushDebounce
	remaining := m.flushMaxDelay - now.Sub(session.dirtySince)
	if remaining < delay {
		delay = remaining
	}
	m.scheduler.Schedule(flushKey(session.documentID), delay, func() {
		session.queue.push(func() { m.flush(session, "debounce") })
	})
}

func (m *SessionManager) scheduleIdle(session *documentSession) {
	m.scheduler.Schedule(idleKey(session.documentID), m.idleTimeout, func() {
		session.queue.push(func() { m.expireIdle(session) })
	})
}

// flush persists the document when it has unsaved edits. A failed save keeps
// the document dirty so a later flush retries.
func (m *SessionManager) flush(session *documentSession, reason string) {
	if session.doc == nil || !session.dirty {
		return
	}
	text := session.doc.Text()
	state := StoredState{
		Content:  EncodeStoredText(text),
		Snapshot: session.doc.EncodeStateAsUpdate(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
	defer cancel()
	if err := m.store.Save(ctx, session.documentID, state); err != nil {
		m.logger.Error("document flush failed",
			zap.String("document_id", session.documentID),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	session.dirty = false
	m.logger.Debug("document flushed",
		zap.String("document_id", session.documentID),
		zap.String("reason", reason),
		zap.Int("runes", len([]rune(text))))
}

func (m *SessionManager) expireIdle(session *documentSession) {
	m.mu.Lock()
	empty := len(session.participants) == 0
	m.mu.Unlock()
	m.flush(session, "idle")
	if empty {
		m.evict(session, false)
	}
}

// evict removes the session unless a participant rejoined meanwhile. Runs on
// the session worker.
func (m *SessionManager) evict(session *documentSession, force bool) {
	m.mu.Lock()
	if !force && len(session.participants) > 0 {
		session.state = sessionActive
		m.mu.Unlock()
		m.logger.Debug("document eviction skipped, participant rejoined",
			zap.String("document_id", session.documentID))
		return
	}
	if m.sessions[session.documentID] == session {
		delete(m.sessions, session.documentID)
	}
	m.mu.Unlock()

	m.scheduler.Cancel(flushKey(session.documentID))
	m.scheduler.Cancel(idleKey(session.documentID))
	session.queue.close()
	m.logger.Debug("document evicted", zap.String("document_id", session.documentID))
}

func flushKey(documentID string) string {
	return "flush:" + documentID
}

func idleKey(documentID string) string {
	return "idle:" + documentID
}

// taskQueue is an unbounded FIFO feeding one worker. Tasks pushed before
// close still run; pushes after close are refused.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	ready  chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{ready: make(chan struct{}, 1)}
}

func (q *taskQueue) push(task func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *taskQueue) next() (func(), bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks[0] = nil
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return task, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *taskQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
