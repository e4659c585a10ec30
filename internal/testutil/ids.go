package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates predictable identifiers: "<prefix>-0001", "<prefix>-0002", ...
//
// Violation records and diagnostic codes normally carry UUIDv7 ids; swapping in
// SequentialIDs keeps golden traces byte-identical between runs.
//
// Thread-safety: SequentialIDs is safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next identifier.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
