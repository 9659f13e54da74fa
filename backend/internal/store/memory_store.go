package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"flowcollab/backend/internal/ot/flowop"
)

// MemoryFlowStore keeps flows in process. It backs single-instance runs and
// tests.
type MemoryFlowStore struct {
	mu    sync.RWMutex
	flows map[string]*flowop.Graph
}

func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{flows: make(map[string]*flowop.Graph)}
}

func (s *MemoryFlowStore) ApplyToDocument(ctx context.Context, flowID string, op flowop.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.flows[flowID]
	if !ok {
		g = flowop.NewGraph()
		s.flows[flowID] = g
	}
	return g.Apply(op)
}

// LoadFlow returns a copy of the stored flow. An unknown flow is empty.
func (s *MemoryFlowStore) LoadFlow(ctx context.Context, flowID string) (*flowop.Graph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.flows[flowID]
	if !ok {
		return flowop.NewGraph(), nil
	}
	return g.Clone(), nil
}

// Put replaces a stored flow.
func (s *MemoryFlowStore) Put(flowID string, g *flowop.Graph) {
	s.mu.Lock()
	s.flows[flowID] = g.Clone()
	s.mu.Unlock()
}

type memorySnapshot struct {
	seq     uint64
	content []byte
}

// MemorySnapshotStore is the in-process counterpart of SnapshotStore.
type MemorySnapshotStore struct {
	mu    sync.Mutex
	snaps map[string][]memorySnapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string][]memorySnapshot)}
}

// SaveFlowSnapshot ignores a second snapshot for the same sequence.
func (s *MemorySnapshotStore) SaveFlowSnapshot(ctx context.Context, flowID string, seq uint64, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snaps[flowID] {
		if snap.seq == seq {
			return nil
		}
	}
	s.snaps[flowID] = append(s.snaps[flowID], memorySnapshot{seq: seq, content: append([]byte(nil), content...)})
	sort.Slice(s.snaps[flowID], func(i, j int) bool { return s.snaps[flowID][i].seq < s.snaps[flowID][j].seq })
	return nil
}

// LatestFlowSnapshot returns the newest snapshot of a flow, or
// sql.ErrNoRows like the MySQL store.
func (s *MemorySnapshotStore) LatestFlowSnapshot(ctx context.Context, flowID string) (uint64, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := s.snaps[flowID]
	if len(snaps) == 0 {
		return 0, nil, sql.ErrNoRows
	}
	last := snaps[len(snaps)-1]
	return last.seq, append([]byte(nil), last.content...), nil
}
