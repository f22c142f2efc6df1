package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memArtifacts is an in-memory ArtifactStore and ArtifactLister.
type memArtifacts struct {
	mu      sync.Mutex
	tables  map[string]*Table
	modTime map[string]time.Time
	putErr  error
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{tables: map[string]*Table{}, modTime: map[string]time.Time{}}
}

func (m *memArtifacts) Put(_ context.Context, key string, t *Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	m.tables[key] = t
	m.modTime[key] = time.Now()
	return nil
}

func (m *memArtifacts) Get(_ context.Context, key string) (*Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
	}
	return t, nil
}

func (m *memArtifacts) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[key]; !ok {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, key)
	}
	delete(m.tables, key)
	delete(m.modTime, key)
	return nil
}

func (m *memArtifacts) List(_ context.Context) ([]ArtifactInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ArtifactInfo, 0, len(m.tables))
	for k := range m.tables {
		out = append(out, ArtifactInfo{Key: k, ModTime: m.modTime[k]})
	}
	return out, nil
}

func (m *memArtifacts) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[key]
	return ok
}

func (m *memArtifacts) setModTime(key string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modTime[key] = t
}

// memRepo is a Repository whose transactions buffer writes and apply them
// on commit. registerErr makes RegisterIfAbsent fail for one key.
type memRepo struct {
	mu          sync.Mutex
	attrs       map[string]AttributeID
	labels      map[AttributeID]string
	nextID      int64
	commits     int
	registerErr map[string]error
}

func newMemRepo() *memRepo {
	return &memRepo{attrs: map[string]AttributeID{}, labels: map[AttributeID]string{}}
}

type memTx struct {
	repo  *memRepo
	attrs map[string]AttributeID
	next  int64
}

func (r *memRepo) WithTx(_ context.Context, fn func(Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &memTx{repo: r, attrs: map[string]AttributeID{}, next: r.nextID}
	if err := fn(tx); err != nil {
		return err
	}
	for k, id := range tx.attrs {
		r.attrs[k] = id
	}
	r.nextID = tx.next
	r.commits++
	return nil
}

func (r *memRepo) BeginRun(context.Context, Run) error                { return nil }
func (r *memRepo) FinishRun(context.Context, string, RunOutcome) error { return nil }
func (r *memRepo) MarkInterruptedRuns(context.Context) (int64, error)  { return 0, nil }

func (tx *memTx) RegisterIfAbsent(_ context.Context, key, label string) (AttributeID, bool, error) {
	if err := tx.repo.registerErr[key]; err != nil {
		return 0, false, err
	}
	if id, ok := tx.repo.attrs[key]; ok {
		return id, false, nil
	}
	if id, ok := tx.attrs[key]; ok {
		return id, false, nil
	}
	tx.next++
	id := AttributeID(tx.next)
	tx.attrs[key] = id
	return id, true, nil
}

func (tx *memTx) SerialExists(context.Context, string) (bool, error) { return false, nil }

func (tx *memTx) InsertEquipment(context.Context, Equipment, string) (int64, error) {
	return 0, fmt.Errorf("not supported")
}

func (tx *memTx) SetValue(context.Context, int64, AttributeID, string) error { return nil }
