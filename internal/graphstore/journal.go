package graphstore

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// Journal wraps Memory with an append-only, newline-delimited JSON log of
// every Link call, replayed on startup. This is the "persistence via
// append-only journal + startup replay" mechanism spec §4.K requires; unlike
// the teacher's segmented, checkpointed WAL (built for a high-throughput
// event-ingestion pipeline), graph edges are low-volume and never need
// flush/truncate — the journal simply grows and is replayed in full.
type Journal struct {
	mem *Memory

	mu   sync.Mutex
	file *os.File
}

type journalRecord struct {
	FromID string  `json:"from_id"`
	ToID   string  `json:"to_id"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight"`
}

// NewJournal opens (creating if absent) the journal file at path, replays
// every recorded edge into an in-memory graph, and returns a Store that
// appends future Link calls to the same file before applying them.
func NewJournal(path string, logger *slog.Logger) (*Journal, error) {
	mem := NewMemory()

	if existing, err := os.Open(path); err == nil {
		count, err := replay(existing, mem)
		_ = existing.Close()
		if err != nil {
			return nil, fmt.Errorf("graphstore: replay journal: %w", err)
		}
		logger.Info("graphstore: replayed journal", "path", path, "edges", count)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("graphstore: open journal for replay: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("graphstore: open journal for append: %w", err)
	}

	return &Journal{mem: mem, file: f}, nil
}

func replay(f *os.File, mem *Memory) (int, error) {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return count, fmt.Errorf("parse record %d: %w", count+1, err)
		}
		if err := mem.linkLocked(Edge{FromID: rec.FromID, ToID: rec.ToID, Type: rec.Type, Weight: rec.Weight}); err != nil {
			return count, fmt.Errorf("apply record %d: %w", count+1, err)
		}
		count++
	}
	return count, scanner.Err()
}

func (j *Journal) Link(ctx context.Context, edge Edge) error {
	if edge.FromID == "" || edge.ToID == "" {
		return errMissingEndpoint
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	rec := journalRecord{FromID: edge.FromID, ToID: edge.ToID, Type: edge.Type, Weight: edge.Weight}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("graphstore: marshal journal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("graphstore: append journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("graphstore: sync journal: %w", err)
	}

	return j.mem.Link(ctx, edge)
}

func (j *Journal) Neighbors(ctx context.Context, id string, types []string) ([]NeighborEdge, error) {
	return j.mem.Neighbors(ctx, id, types)
}

func (j *Journal) Subgraph(ctx context.Context, root string, depth int, types []string) (Subgraph, error) {
	return j.mem.Subgraph(ctx, root, depth, types)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
