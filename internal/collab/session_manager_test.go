package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	mu        sync.Mutex
	stored    map[string][]byte
	loads     int
	saves     []savedState
	loadErr   error
	saveErr   error
	saveGate  chan struct{}
	saveEnter chan struct{}
}

type savedState struct {
	documentID string
	text       string
	snapshot   []byte
}

func newRecordingStore() *recordingStore {
	return &recordingStore{stored: make(map[string][]byte)}
}

func (store *recordingStore) Load(_ context.Context, documentID string) ([]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.loads++
	if store.loadErr != nil {
		return nil, store.loadErr
	}
	return store.stored[documentID], nil
}

func (store *recordingStore) Save(_ context.Context, documentID string, state StoredState) error {
	store.mu.Lock()
	gate, enter := store.saveGate, store.saveEnter
	store.mu.Unlock()
	if enter != nil {
		enter <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.saveErr != nil {
		return store.saveErr
	}
	store.saves = append(store.saves, savedState{
		documentID: documentID,
		text:       FromStoredContent(state.Content),
		snapshot:   state.Snapshot,
	})
	store.stored[documentID] = state.Snapshot
	return nil
}

func (store *recordingStore) saveCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.saves)
}

func (store *recordingStore) loadCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.loads
}

func (store *recordingStore) lastSave() savedState {
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.saves) == 0 {
		return savedState{}
	}
	return store.saves[len(store.saves)-1]
}

func newTestManager(t *testing.T, store DocumentStore, clock clockwork.Clock) *SessionManager {
	t.Helper()
	manager, err := NewSessionManager(SessionManagerConfig{
		Store:         store,
		Clock:         clock,
		FlushDebounce: 2 * time.Second,
		FlushMaxDelay: 10 * time.Second,
		IdleTimeout:   5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to build session manager: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Shutdown(shutdownCtx)
	})
	return manager
}

func mustOpen(t *testing.T, manager *SessionManager, documentID, participantID string) SessionHandle {
	t.Helper()
	handle, err := manager.Open(context.Background(), documentID, participantID)
	if err != nil {
		t.Fatalf("open %s for %s: %v", documentID, participantID, err)
	}
	return handle
}

func TestOpenSharesOneDocumentAcrossConcurrentParticipants(t *testing.T) {
	store := newRecordingStore()
	manager := newTestManager(t, store, clockwork.NewFakeClock())

	const participants = 8
	var wg sync.WaitGroup
	errs := make(chan error, participants)
	for index := 0; index < participants; index++ {
		wg.Add(1)
		go func(participant int) {
			defer wg.Done()
			_, err := manager.Open(context.Background(), "doc1", string(rune('a'+participant)))
			errs <- err
		}(index)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("open failed: %v", err)
		}
	}

	if store.loadCount() != 1 {
		t.Fatalf("expected exactly one load, got %d", store.loadCount())
	}
	if manager.LiveDocuments() != 1 {
		t.Fatalf("expected one live document, got %d", manager.LiveDocuments())
	}
	if manager.Participants("doc1") != participants {
		t.Fatalf("expected %d participants, got %d", participants, manager.Participants("doc1"))
	}
}

func TestCloseLastParticipantFlushesOnceAndEvicts(t *testing.T) {
	store := newRecordingStore()
	manager := newTestManager(t, store, clockwork.NewFakeClock())

	mustOpen(t, manager, "doc1", "alice")
	mustOpen(t, manager, "doc1", "bob")

	alice := NewDocument("alice")
	bob := NewDocument("bob")
	hello := mustInsert(t, alice, 0, "Hello")
	mustApply(t, bob, hello)
	world := mustInsert(t, bob, 5, " World")
	for _, update := range [][]byte{hello, world} {
		if err := manager.ApplyEdit(context.Background(), "doc1", update); err != nil {
			t.Fatalf("apply edit: %v", err)
		}
	}

	manager.Close(context.Background(), "doc1", "alice")
	if store.saveCount() != 0 {
		t.Fatalf("expected no flush while a participant remains")
	}
	manager.Close(context.Background(), "doc1", "bob")

	if store.saveCount() != 1 {
		t.Fatalf("expected exactly one flush, got %d", store.saveCount())
	}
	if got := store.lastSave().text; got != "Hello World" {
		t.Fatalf("expected flushed text %q, got %q", "Hello World", got)
	}
	if manager.LiveDocuments() != 0 {
		t.Fatalf("expected document to be evicted")
	}
}

func TestReopenAfterEvictionRestoresSnapshot(t *testing.T) {
	store := newRecordingStore()
	manager := newTestManager(t, store, clockwork.NewFakeClock())

	mustOpen(t, manager, "doc1", "alice")
	client := NewDocument("alice")
	if err := manager.ApplyEdit(context.Background(), "doc1", mustInsert(t, client, 0, "persisted")); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	manager.Close(context.Background(), "doc1", "alice")

	handle := mustOpen(t, manager, "doc1", "alice")
	reopened := DecodeDocument("check", handle.Snapshot, nil)
	if reopened.Text() != "persisted" {
		t.Fatalf("expected reopened text, got %q", reopened.Text())
	}
	mustApply(t, client, handle.Snapshot)
	if client.Text() != "persisted" {
		t.Fatalf("client duplicated text after resync: %q", client.Text())
	}
}

func TestDebounceCoalescesBurstIntoOneFlush(t *testing.T) {
	store := newRecordingStore()
	clock := clockwork.NewFakeClock()
	manager := newTestManager(t, store, clock)

	mustOpen(t, manager, "doc1", "alice")
	client := NewDocument("alice")
	for index, letter := range []string{"a", "b", "c", "d", "e"} {
		if err := manager.ApplyEdit(context.Background(), "doc1", mustInsert(t, client, index, letter)); err != nil {
			t.Fatalf("apply edit: %v", err)
		}
		clock.Advance(500 * time.Millisecond)
	}
	require.Never(t, func() bool { return store.saveCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return store.saveCount() == 1 }, time.Second, 5*time.Millisecond)
	if got := store.lastSave().text; got != "abcde" {
		t.Fatalf("unexpected flushed text %q", got)
	}
	if manager.LiveDocuments() != 1 {
		t.Fatalf("debounced flush must not evict a document with participants")
	}
}

func TestFlushMaxDelayBoundsContinuousEditing(t *testing.T) {
	store := newRecordingStore()
	clock := clockwork.NewFakeClock()
	manager := newTestManager(t, store, clock)

	mustOpen(t, manager, "doc1", "alice")
	client := NewDocument("alice")
	for index := 0; index < 11; index++ {
		if err := manager.ApplyEdit(context.Background(), "doc1", mustInsert(t, client, index, "x")); err != nil {
			t.Fatalf("apply edit: %v", err)
		}
		clock.Advance(time.Second)
	}
	require.Eventually(t, func() bool { return store.saveCount() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestFailedDebouncedFlushRetries(t *testing.T) {
	store := newRecordingStore()
	store.saveErr = errors.New("disk unavailable")
	clock := clockwork.NewFakeClock()
	manager := newTestManager(t, store, clock)

	mustOpen(t, manager, "doc1", "alice")
	client := NewDocument("alice")
	if err := manager.ApplyEdit(context.Background(), "doc1", mustInsert(t, client, 0, "a")); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	clock.Advance(2 * time.Second)
	require.Never(t, func() bool { return store.saveCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	store.mu.Lock()
	store.saveErr = nil
	store.mu.Unlock()

	if err := manager.ApplyEdit(context.Background(), "doc1", mustInsert(t, client, 1, "b")); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return store.saveCount() == 1 }, time.Second, 5*time.Millisecond)
	if got := store.lastSave().text; got != "ab" {
		t.Fatalf("unexpected flushed text %q", got)
	}
}

func TestCloseEvictsEvenWhenSaveFails(t *testing.T) {
	store := newRecordingStore()
	store.saveErr = errors.New("disk unavailable")
	manager := newTestManager(t, store, clockwork.NewFakeClock())

	mustOpen(t, manager, "doc1", "alice")
	client := NewDocument("alice")
	if err := manager.ApplyEdit(context.Background(), "doc1", mustInsert(t, client, 0, "lost")); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	manager.Close(context.Background(), "doc1", "alice")
	if manager.LiveDocuments() != 0 {
		t.Fatalf("expected eviction despite failed save")
	}
}

func TestRejoinDuringFlushKeepsDocumentResident(t *testing.T) {
	store := newRecordingStore()
	store.saveGate = make(chan struct{})
	store.saveEnter = make(chan struct{}, 1)
	manager := newTestManager(t, store, clockwork.NewFakeClock())

	mustOpen(t, manager, "doc1", "alice")
	client := NewDocument("alice")
	if err := manager.ApplyEdit(context.Background(), "doc1", mustInsert(t, client, 0, "keep")); err != nil {
		t.Fatalf("apply edit: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		manager.Close(context.Background(), "doc1", "alice")
		close(closed)
	}()
	<-store.saveEnter

	opened := make(chan SessionHandle, 1)
	go func() {
		handle, _ := manager.Open(context.Background(), "doc1", "bob")
		opened <- handle
	}()
	require.Eventually(t, func() bool { return manager.Participants("doc1") == 1 }, time.Second, 5*time.Millisecond)

	close(store.saveGate)
	<-closed
	handle := <-opened

	if manager.LiveDocuments() != 1 {
		t.Fatalf("expected document to stay resident after rejoin")
	}
	if DecodeDocument("check", handle.Snapshot, nil).Text() != "keep" {
		t.Fatalf("rejoined participant saw stale state")
	}
	if store.loadCount() != 1 {
		t.Fatalf("expected no reload, got %d loads", store.loadCount())
	}
}

func TestOpenCancelledMidHandshakeRollsBack(t *testing.T) {
	store := &blockingLoadStore{release: make(chan struct{}), entered: make(chan struct{}, 1)}
	manager := newTestManager(t, store, clockwork.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := manager.Open(ctx, "doc1", "alice")
		result <- err
	}()
	<-store.entered
	cancel()
	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(store.release)

	require.Eventually(t, func() bool { return manager.LiveDocuments() == 0 }, time.Second, 5*time.Millisecond)
	if manager.Participants("doc1") != 0 {
		t.Fatalf("expected no participants after rollback")
	}
}

func TestApplyEditRejectsMalformedUpdate(t *testing.T) {
	manager := newTestManager(t, newRecordingStore(), clockwork.NewFakeClock())
	mustOpen(t, manager, "doc1", "alice")

	err := manager.ApplyEdit(context.Background(), "doc1", []byte("garbage"))
	if !errors.Is(err, ErrMalformedUpdate) {
		t.Fatalf("expected ErrMalformedUpdate, got %v", err)
	}
	err = manager.ApplyEdit(context.Background(), "missing", []byte("garbage"))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestLoadFailureStartsEmptyDocument(t *testing.T) {
	store := newRecordingStore()
	store.loadErr = errors.New("database locked")
	manager := newTestManager(t, store, clockwork.NewFakeClock())

	handle := mustOpen(t, manager, "doc1", "alice")
	if DecodeDocument("check", handle.Snapshot, nil).Text() != "" {
		t.Fatalf("expected empty document on load failure")
	}
}

func TestOpenSeedsFromLegacyContent(t *testing.T) {
	store := newRecordingStore()
	store.stored["doc1"] = []byte(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello"}]},{"type":"paragraph","content":[{"type":"text","text":"World"}]}]}`)
	manager := newTestManager(t, store, clockwork.NewFakeClock())

	mustOpen(t, manager, "doc1", "alice")
	text, live, err := manager.Text(context.Background(), "doc1")
	if err != nil || !live {
		t.Fatalf("expected live document, err=%v", err)
	}
	if text != "Hello\nWorld" {
		t.Fatalf("unexpected seeded text %q", text)
	}

	manager.Close(context.Background(), "doc1", "alice")
	if store.saveCount() != 0 {
		t.Fatalf("unedited document must not be rewritten")
	}
}

func TestShutdownFlushesLiveDocuments(t *testing.T) {
	store := newRecordingStore()
	manager, err := NewSessionManager(SessionManagerConfig{Store: store, Clock: clockwork.NewFakeClock()})
	if err != nil {
		t.Fatalf("failed to build session manager: %v", err)
	}
	mustOpen(t, manager, "doc1", "alice")
	client := NewDocument("alice")
	if err := manager.ApplyEdit(context.Background(), "doc1", mustInsert(t, client, 0, "bye")); err != nil {
		t.Fatalf("apply edit: %v", err)
	}

	if err := manager.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if store.saveCount() != 1 || store.lastSave().text != "bye" {
		t.Fatalf("expected shutdown flush, got %d saves", store.saveCount())
	}
	if _, err := manager.Open(context.Background(), "doc1", "alice"); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

type blockingLoadStore struct {
	release chan struct{}
	entered chan struct{}
}

func (store *blockingLoadStore) Load(ctx context.Context, _ string) ([]byte, error) {
	store.entered <- struct{}{}
	<-store.release
	return nil, nil
}

func (store *blockingLoadStore) Save(context.Context, string, StoredState) error {
	return nil
}
