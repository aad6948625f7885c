package memory

import (
	"context"
	"math"
	"testing"
)

func TestInMemoryBackend_SearchRanksByOverlap(t *testing.T) {
	b := NewInMemoryBackend(0)
	ctx := context.Background()
	_ = b.Add(ctx, "a1", "sold a sorting tool to a2 for 5 scrip", nil)
	_ = b.Add(ctx, "a1", "oracle scored my sorting tool 40", nil)
	_ = b.Add(ctx, "a1", "the weather is nice", nil)
	_ = b.Add(ctx, "a2", "sorting tool is overpriced", nil)

	got, err := b.Search(ctx, "a1", "sorting tool oracle", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d want 2", len(got))
	}
	if got[0].Text != "oracle scored my sorting tool 40" {
		t.Fatalf("best match=%q", got[0].Text)
	}
	for _, m := range got {
		if m.AgentID != "a1" {
			t.Fatalf("leaked memory of %s", m.AgentID)
		}
	}
}

func TestInMemoryBackend_PerAgentBound(t *testing.T) {
	b := NewInMemoryBackend(2)
	ctx := context.Background()
	for _, s := range []string{"alpha one", "alpha two", "alpha three"} {
		_ = b.Add(ctx, "a1", s, nil)
	}
	got, _ := b.Search(ctx, "a1", "alpha", 0)
	if len(got) != 2 {
		t.Fatalf("len=%d want 2", len(got))
	}
	for _, m := range got {
		if m.Text == "alpha one" {
			t.Fatalf("oldest memory should be evicted")
		}
	}
}

func TestHashEmbedder(t *testing.T) {
	e := HashEmbedder{Dims: 64}
	ctx := context.Background()
	a, _ := e.Embed(ctx, "Scrip transfer to agent")
	b, _ := e.Embed(ctx, "scrip TRANSFER, to agent!")
	if len(a) != 64 {
		t.Fatalf("dims=%d", len(a))
	}
	var norm float64
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding should ignore case and punctuation")
		}
		norm += float64(a[i]) * float64(a[i])
	}
	if math.Abs(norm-1) > 1e-5 {
		t.Fatalf("norm=%v want 1", norm)
	}
}
