package memory

import (
	"context"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/alanyoungcy/polydearboard/internal/domain"
)

var _ domain.CursorStore = (*CursorStore)(nil)

type cursorKey struct {
	network, source string
}

// CursorStore keeps ingestion cursors in memory.
type CursorStore struct {
	rows *xsync.Map[cursorKey, uint64]
}

func NewCursorStore() *CursorStore {
	return &CursorStore{rows: xsync.NewMap[cursorKey, uint64]()}
}

func (s *CursorStore) GetCursor(_ context.Context, network, source string) (uint64, error) {
	v, ok := s.rows.Load(cursorKey{network, source})
	if !ok {
		return 0, domain.ErrNotFound
	}
	return v, nil
}

func (s *CursorStore) SetCursor(_ context.Context, network, source string, block uint64) error {
	s.rows.Compute(cursorKey{network, source}, func(old uint64, loaded bool) (uint64, xsync.ComputeOp) {
		if loaded && old >= block {
			return old, xsync.CancelOp
		}
		return block, xsync.UpdateOp
	})
	return nil
}
