// Package memory stores and recalls agents' long-term memories.
package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

type Memory struct {
	ID      string         `json:"id"`
	AgentID string         `json:"agent_id"`
	Text    string         `json:"text"`
	Meta    map[string]any `json:"meta,omitempty"`
	Score   float32        `json:"score"`
	At      time.Time      `json:"at"`
}

// Backend is injected into the runner; there is no process-wide memory.
type Backend interface {
	Add(ctx context.Context, agentID, text string, meta map[string]any) error
	Search(ctx context.Context, agentID, query string, limit int) ([]Memory, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// HashEmbedder maps text to a fixed-size vector by feature hashing its
// tokens. It needs no model and is deterministic.
type HashEmbedder struct {
	Dims int
}

func (h HashEmbedder) Dimensions() int {
	if h.Dims <= 0 {
		return 256
	}
	return h.Dims
}

func (h HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dimensions()
	v := make([]float32, dims)
	for _, tok := range tokenize(text) {
		sum := blake3.Sum256([]byte(tok))
		idx := (uint32(sum[0]) | uint32(sum[1])<<8 | uint32(sum[2])<<16 | uint32(sum[3])<<24) % uint32(dims)
		if sum[4]&1 == 0 {
			v[idx]++
		} else {
			v[idx]--
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= inv
		}
	}
	return v, nil
}

// InMemoryBackend ranks memories by token overlap with the query.
type InMemoryBackend struct {
	mu       sync.RWMutex
	byAgent  map[string][]Memory
	perAgent int
}

// NewInMemoryBackend keeps at most perAgent memories per agent (0 = unbounded).
func NewInMemoryBackend(perAgent int) *InMemoryBackend {
	return &InMemoryBackend{byAgent: map[string][]Memory{}, perAgent: perAgent}
}

func (b *InMemoryBackend) Add(_ context.Context, agentID, text string, meta map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := append(b.byAgent[agentID], Memory{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Text:    text,
		Meta:    meta,
		At:      time.Now().UTC(),
	})
	if b.perAgent > 0 && len(list) > b.perAgent {
		list = list[len(list)-b.perAgent:]
	}
	b.byAgent[agentID] = list
	return nil
}

func (b *InMemoryBackend) Search(_ context.Context, agentID, query string, limit int) ([]Memory, error) {
	q := map[string]struct{}{}
	for _, t := range tokenize(query) {
		q[t] = struct{}{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Memory
	for _, m := range b.byAgent[agentID] {
		toks := tokenize(m.Text)
		if len(toks) == 0 || len(q) == 0 {
			continue
		}
		seen := map[string]struct{}{}
		hits := 0
		for _, t := range toks {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			if _, ok := q[t]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		m.Score = float32(hits) / float32(len(seen)+len(q)-hits)
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].At.After(out[j].At)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
