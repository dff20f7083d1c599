package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

var _ domain.RawEventStore = (*RawStore)(nil)

type rawFill struct {
	exchange domain.Exchange
	event    domain.RawFillEvent
}

type rawTables struct {
	fills       map[domain.EventKey]rawFill
	resolutions map[domain.EventKey]domain.ResolutionEvent
}

func newRawTables() *rawTables {
	return &rawTables{
		fills:       make(map[domain.EventKey]rawFill),
		resolutions: make(map[domain.EventKey]domain.ResolutionEvent),
	}
}

// RawStore keeps raw events per namespace. The canonical namespace always
// exists; staging namespaces exist between OpenNamespace and DropNamespace.
type RawStore struct {
	mu     sync.RWMutex
	tables map[domain.Namespace]*rawTables
}

// NewRawStore returns an empty RawStore.
func NewRawStore() *RawStore {
	return &RawStore{
		tables: map[domain.Namespace]*rawTables{domain.CanonicalNamespace: newRawTables()},
	}
}

func (s *RawStore) ns(ns domain.Namespace) (*rawTables, error) {
	t, ok := s.tables[ns]
	if !ok {
		return nil, fmt.Errorf("memory: namespace %q: %w", ns, domain.ErrNotFound)
	}
	return t, nil
}

func (s *RawStore) UpsertFills(_ context.Context, ns domain.Namespace, exchange domain.Exchange, fills []domain.RawFillEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.ns(ns)
	if err != nil {
		return err
	}
	for _, f := range fills {
		t.fills[f.Key()] = rawFill{exchange: exchange, event: f}
	}
	return nil
}

func (s *RawStore) UpsertResolutions(_ context.Context, ns domain.Namespace, events []domain.ResolutionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.ns(ns)
	if err != nil {
		return err
	}
	for _, e := range events {
		t.resolutions[e.Key()] = e
	}
	return nil
}

func (s *RawStore) OpenNamespace(_ context.Context, id string) (domain.Namespace, error) {
	if id == "" {
		return "", fmt.Errorf("memory: open namespace: empty id")
	}
	ns := domain.Namespace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[ns]; ok {
		return "", fmt.Errorf("memory: open namespace %q: %w", id, domain.ErrAlreadyExists)
	}
	s.tables[ns] = newRawTables()
	return ns, nil
}

func (s *RawStore) Promote(_ context.Context, ns domain.Namespace) (int64, error) {
	if ns.IsCanonical() {
		return 0, fmt.Errorf("memory: promote: canonical namespace")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	src, err := s.ns(ns)
	if err != nil {
		return 0, err
	}
	dst := s.tables[domain.CanonicalNamespace]
	var n int64
	for k, v := range src.fills {
		dst.fills[k] = v
		n++
	}
	for k, v := range src.resolutions {
		dst.resolutions[k] = v
		n++
	}
	return n, nil
}

func (s *RawStore) DropNamespace(_ context.Context, ns domain.Namespace) error {
	if ns.IsCanonical() {
		return fmt.Errorf("memory: drop: canonical namespace")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables, ns)
	return nil
}

func (s *RawStore) ScanFills(_ context.Context, ns domain.Namespace, r domain.BlockRange, fn func(domain.Exchange, domain.RawFillEvent) error) error {
	s.mu.RLock()
	t, err := s.ns(ns)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	var rows []rawFill
	for _, f := range t.fills {
		if f.event.Network == r.Network && r.Contains(f.event.BlockNumber) {
			rows = append(rows, f)
		}
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].event, rows[j].event
		if a.BlockNumber != b.BlockNumber {
			return a.BlockNumber < b.BlockNumber
		}
		return a.LogIndex < b.LogIndex
	})
	for _, f := range rows {
		if err := fn(f.exchange, f.event); err != nil {
			return err
		}
	}
	return nil
}

func (s *RawStore) ScanResolutions(_ context.Context, ns domain.Namespace, r domain.BlockRange, fn func(domain.ResolutionEvent) error) error {
	s.mu.RLock()
	t, err := s.ns(ns)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	var rows []domain.ResolutionEvent
	for _, e := range t.resolutions {
		if e.Network == r.Network && r.Contains(e.BlockNumber) {
			rows = append(rows, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].BlockNumber != rows[j].BlockNumber {
			return rows[i].BlockNumber < rows[j].BlockNumber
		}
		return rows[i].LogIndex < rows[j].LogIndex
	})
	for _, e := range rows {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *RawStore) EvictBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tables[domain.CanonicalNamespace]
	var n int64
	for k, f := range t.fills {
		if f.event.Timestamp().Before(cutoff) {
			delete(t.fills, k)
			n++
		}
	}
	for k, e := range t.resolutions {
		ts := domain.Epoch
		if e.BlockTimestamp != nil {
			ts = *e.BlockTimestamp
		}
		if ts.Before(cutoff) {
			delete(t.resolutions, k)
			n++
		}
	}
	return n, nil
}

// Namespaces lists the open staging namespaces.
func (s *RawStore) Namespaces() []domain.Namespace {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Namespace
	for ns := range s.tables {
		if !ns.IsCanonical() {
			out = append(out, ns)
		}
	}
	return out
}
