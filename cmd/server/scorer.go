package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"scripworld.ai/internal/sim/genesis"
)

// httpScorer posts each submission as JSON and expects
// {"score": 0..100, "reason": "..."} back.
type httpScorer struct {
	url    string
	client *http.Client
}

func newHTTPScorer(url string) *httpScorer {
	return &httpScorer{url: url, client: &http.Client{}}
}

func (s *httpScorer) Score(ctx context.Context, sub genesis.Submission) (genesis.Score, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return genesis.Score{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return genesis.Score{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return genesis.Score{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return genesis.Score{}, fmt.Errorf("scorer: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out struct {
		Score  float64 `json:"score"`
		Reason string  `json:"reason"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return genesis.Score{}, fmt.Errorf("scorer: decode response: %w", err)
	}
	return genesis.Score{Value: out.Score, Reason: out.Reason}, nil
}
