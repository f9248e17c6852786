package idgen

import (
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
)

// Generator hands out time-ordered int64 ids.
type Generator interface {
	Next() int64
}

type Snowflake struct {
	node *snowflake.Node
}

func NewSnowflake(nodeID int64) (*Snowflake, error) {
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", nodeID, err)
	}
	return &Snowflake{node: n}, nil
}

func (s *Snowflake) Next() int64 { return s.node.Generate().Int64() }

// NodeIDFromHost derives a node id (0..1023) from a name, typically HOSTNAME.
func NodeIDFromHost(name string) int64 {
	name = strings.TrimSpace(name)
	if name == "" {
		name, _ = os.Hostname()
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum32() % 1024)
}

var (
	defaultOnce sync.Once
	defaultGen  Generator
)

// Default is a process-wide generator keyed on the host name.
func Default() Generator {
	defaultOnce.Do(func() {
		g, err := NewSnowflake(NodeIDFromHost(os.Getenv("HOSTNAME")))
		if err != nil {
			panic(err)
		}
		defaultGen = g
	})
	return defaultGen
}

// Sequence is a deterministic generator for tests.
type Sequence struct {
	mu   sync.Mutex
	next int64
}

func NewSequence(start int64) *Sequence { return &Sequence{next: start} }

func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}
