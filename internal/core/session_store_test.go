package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*SessionStore, *memArtifacts, *time.Time) {
	t.Helper()
	artifacts := newMemArtifacts()
	store := NewSessionStore(artifacts)
	now := time.Now().UTC()
	store.now = func() time.Time { return now }
	return store, artifacts, &now
}

func createSession(t *testing.T, store *SessionStore) string {
	t.Helper()
	table := &Table{Headers: []string{"Name"}, Rows: [][]string{{"Pump"}}}
	handle, err := store.Create(context.Background(), Session{
		FileName:          "a.csv",
		Headers:           table.Headers,
		SuggestedMapping:  DefaultMapping(table.Headers),
		AdvisorConfidence: ConfidenceNone,
	}, table)
	require.NoError(t, err)
	return handle
}

func TestSessionStore_CreateGet(t *testing.T) {
	store, artifacts, _ := newTestStore(t)
	handle := createSession(t, store)

	assert.True(t, artifacts.has(handle))
	sess, err := store.Get(handle)
	require.NoError(t, err)
	assert.Equal(t, handle, sess.Handle)
	assert.Equal(t, StateUploaded, sess.State)
	assert.Equal(t, 1, store.Len())

	// Snapshots are independent of the stored session.
	sess.Headers[0] = "changed"
	sess.SuggestedMapping["Name"] = FieldName
	again, err := store.Get(handle)
	require.NoError(t, err)
	assert.Equal(t, "Name", again.Headers[0])
	assert.Equal(t, NewAttribute, again.SuggestedMapping["Name"])
}

func TestSessionStore_CreateFailsWhenArtifactFails(t *testing.T) {
	store, artifacts, _ := newTestStore(t)
	artifacts.putErr = errors.New("disk full")

	_, err := store.Create(context.Background(), Session{}, &Table{})
	require.Error(t, err)
	assert.Zero(t, store.Len())
}

func TestSessionStore_UnknownHandle(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.UpdateDraft("nope", nil, ImportOptions{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Acquire("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, store.Cancel(ctx, "nope"), ErrSessionNotFound)
	assert.False(t, store.ApplySuggestion("nope", Suggestion{}))
}

func TestSessionStore_Lifecycle(t *testing.T) {
	store, artifacts, _ := newTestStore(t)
	ctx := context.Background()
	handle := createSession(t, store)

	lease, err := store.Acquire(handle)
	require.NoError(t, err)

	// Only one holder at a time.
	_, err = store.Acquire(handle)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, store.Cancel(ctx, handle), ErrSessionNotFound)
	_, err = store.UpdateDraft(handle, Mapping{"Name": FieldName}, ImportOptions{})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Still visible while executing.
	sess, err := store.Get(handle)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, sess.State)

	table, err := lease.Table(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Name"}, table.Headers)

	lease.Release()
	sess, err = store.Get(handle)
	require.NoError(t, err)
	assert.Equal(t, StateUploaded, sess.State)

	lease, err = store.Acquire(handle)
	require.NoError(t, err)
	lease.Complete(ctx)

	assert.False(t, artifacts.has(handle))
	_, err = store.Get(handle)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = store.Acquire(handle)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, store.Cancel(ctx, handle), ErrSessionNotFound)
}

func TestSessionStore_Cancel(t *testing.T) {
	store, artifacts, _ := newTestStore(t)
	ctx := context.Background()
	handle := createSession(t, store)

	require.NoError(t, store.Cancel(ctx, handle))
	assert.False(t, artifacts.has(handle))
	assert.Zero(t, store.Len())

	assert.ErrorIs(t, store.Cancel(ctx, handle), ErrSessionNotFound)
	_, err := store.Acquire(handle)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_CancelWithMissingArtifact(t *testing.T) {
	store, artifacts, _ := newTestStore(t)
	ctx := context.Background()
	handle := createSession(t, store)

	require.NoError(t, artifacts.Delete(ctx, handle))
	require.NoError(t, store.Cancel(ctx, handle))
	_, err := store.Get(handle)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionStore_UpdateDraft(t *testing.T) {
	store, _, now := newTestStore(t)
	handle := createSession(t, store)

	*now = now.Add(time.Minute)
	mapping := Mapping{"Name": FieldName}
	sess, err := store.UpdateDraft(handle, mapping, ImportOptions{SkipDuplicates: true})
	require.NoError(t, err)
	assert.Equal(t, mapping, sess.Mapping)
	assert.True(t, sess.Options.SkipDuplicates)
	assert.Equal(t, *now, sess.LastTouched)

	// The stored draft does not alias the caller's map.
	mapping["Name"] = NewAttribute
	sess, err = store.Get(handle)
	require.NoError(t, err)
	assert.Equal(t, FieldName, sess.Mapping["Name"])
}

func TestSessionStore_ApplySuggestion(t *testing.T) {
	store, _, _ := newTestStore(t)
	handle := createSession(t, store)

	ok := store.ApplySuggestion(handle, Suggestion{
		Mapping:    Mapping{"Name": FieldName},
		Confidence: ConfidenceHigh,
		Notes:      "matched",
	})
	require.True(t, ok)

	sess, err := store.Get(handle)
	require.NoError(t, err)
	assert.Equal(t, Mapping{"Name": FieldName}, sess.SuggestedMapping)
	assert.Equal(t, ConfidenceHigh, sess.AdvisorConfidence)
	assert.Equal(t, "matched", sess.AdvisorNotes)
}

func TestSessionStore_LateSuggestionIgnoredWhileExecuting(t *testing.T) {
	store, _, _ := newTestStore(t)
	handle := createSession(t, store)

	lease, err := store.Acquire(handle)
	require.NoError(t, err)
	assert.False(t, store.ApplySuggestion(handle, Suggestion{Mapping: Mapping{"Name": FieldName}, Confidence: ConfidenceHigh}))

	lease.Release()
	sess, err := store.Get(handle)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceNone, sess.AdvisorConfidence)
	assert.Equal(t, NewAttribute, sess.SuggestedMapping["Name"])
}

func TestSessionStore_SweepExpiresIdleSessions(t *testing.T) {
	store, artifacts, now := newTestStore(t)
	ctx := context.Background()

	idle := createSession(t, store)
	executing := createSession(t, store)
	lease, err := store.Acquire(executing)
	require.NoError(t, err)

	*now = now.Add(90 * time.Minute)
	fresh := createSession(t, store)

	*now = now.Add(time.Hour)
	n := store.Sweep(ctx, 2*time.Hour)
	assert.Equal(t, 1, n)

	_, err = store.Get(idle)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.False(t, artifacts.has(idle))

	// Executing sessions are never swept, however old.
	sess, err := store.Get(executing)
	require.NoError(t, err)
	assert.Equal(t, StateExecuting, sess.State)
	assert.True(t, artifacts.has(executing))

	_, err = store.Get(fresh)
	assert.NoError(t, err)

	lease.Complete(ctx)
}

func TestSessionStore_GetKeepsSessionAlive(t *testing.T) {
	store, _, now := newTestStore(t)
	handle := createSession(t, store)

	*now = now.Add(90 * time.Minute)
	_, err := store.Get(handle)
	require.NoError(t, err)

	*now = now.Add(90 * time.Minute)
	assert.Zero(t, store.Sweep(context.Background(), 2*time.Hour))
	_, err = store.Get(handle)
	assert.NoError(t, err)
}

func TestSessionStore_SweepReclaimsOrphanArtifacts(t *testing.T) {
	store, artifacts, now := newTestStore(t)
	ctx := context.Background()
	base := *now

	live := createSession(t, store)
	artifacts.setModTime(live, base.Add(-3*time.Hour))

	orphan := &Table{Headers: []string{"x"}}
	require.NoError(t, artifacts.Put(ctx, "orphan-old", orphan))
	artifacts.setModTime("orphan-old", base.Add(-3*time.Hour))
	require.NoError(t, artifacts.Put(ctx, "orphan-new", orphan))
	artifacts.setModTime("orphan-new", base)

	n := store.Sweep(ctx, 2*time.Hour)
	assert.Equal(t, 1, n)
	assert.False(t, artifacts.has("orphan-old"))
	assert.True(t, artifacts.has("orphan-new"))
	assert.True(t, artifacts.has(live), "artifacts of live sessions are never orphans")
}

func TestSessionStore_ConcurrentAcquire(t *testing.T) {
	store, _, _ := newTestStore(t)
	handle := createSession(t, store)

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Acquire(handle); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestSessionStore_StartSweeperStops(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		store.StartSweeper(ctx, 10*time.Millisecond, time.Hour)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}
