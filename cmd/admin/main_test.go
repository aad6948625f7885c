package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"scripworld.ai/internal/persistence/agentstate"
	persistlog "scripworld.ai/internal/persistence/log"
	"scripworld.ai/internal/sim/events"
)

func runAdmin(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errb bytes.Buffer
	code := run(args, &out, &errb)
	return code, out.String(), errb.String()
}

func TestCreateShowListDelete(t *testing.T) {
	db := filepath.Join(t.TempDir(), "agents.sqlite")

	if code, _, stderr := runAdmin(t, "create", "alice", "--db", db, "--model", "m1", "--prompt", "trade fairly"); code != 0 {
		t.Fatalf("create: code=%d stderr=%s", code, stderr)
	}
	if code, _, _ := runAdmin(t, "create", "alice", "--db", db); code != 1 {
		t.Fatalf("duplicate create should fail, code=%d", code)
	}
	if code, _, _ := runAdmin(t, "create", "system", "--db", db); code != 2 {
		t.Fatalf("system must be rejected, code=%d", code)
	}

	code, stdout, _ := runAdmin(t, "show", "alice", "--db", db)
	if code != 0 {
		t.Fatalf("show: code=%d", code)
	}
	var st agentstate.State
	if err := json.Unmarshal([]byte(stdout), &st); err != nil {
		t.Fatalf("decode show output: %v", err)
	}
	if st.AgentID != "alice" || st.Model != "m1" || st.SystemPrompt != "trade fairly" || st.ActionSchema == "" {
		t.Fatalf("state=%+v", st)
	}

	code, stdout, _ = runAdmin(t, "list", "--db", db)
	if code != 0 || !strings.Contains(stdout, "alice") || !strings.Contains(stdout, "m1") {
		t.Fatalf("list: code=%d out=%q", code, stdout)
	}

	if code, _, _ := runAdmin(t, "delete", "alice", "--db", db); code != 0 {
		t.Fatalf("delete: code=%d", code)
	}
	if code, _, _ := runAdmin(t, "delete", "alice", "--db", db); code != 1 {
		t.Fatalf("second delete should report not found, code=%d", code)
	}
	if code, _, _ := runAdmin(t, "show", "alice", "--db", db); code != 1 {
		t.Fatalf("show after delete: code=%d", code)
	}
}

func TestUsageErrors(t *testing.T) {
	if code, _, _ := runAdmin(t); code != 2 {
		t.Fatalf("no args: code=%d", code)
	}
	if code, _, _ := runAdmin(t, "frobnicate"); code != 2 {
		t.Fatalf("unknown command: code=%d", code)
	}
	if code, _, stderr := runAdmin(t, "show"); code != 2 || !strings.Contains(stderr, "agent_id") {
		t.Fatalf("show without id: code=%d stderr=%q", code, stderr)
	}
}

func TestEventsFiltersByType(t *testing.T) {
	dir := t.TempDir()
	l := persistlog.NewEventLogger(dir)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, typ := range []string{"tick", "action", "action", "tick"} {
		if err := l.WriteEvent(events.Event{Seq: uint64(i + 1), Tick: 1, Type: typ, At: at}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	code, stdout, stderr := runAdmin(t, "events", "--dir", dir, "--type", "action", "--limit", "1")
	if code != 0 {
		t.Fatalf("events: code=%d stderr=%s", code, stderr)
	}
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%q", lines)
	}
	var e events.Event
	if err := json.Unmarshal([]byte(lines[0]), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Seq != 3 || e.Type != "action" {
		t.Fatalf("event=%+v", e)
	}
}
