package events

import (
	"errors"
	"testing"
	"time"
)

type recordingSink struct {
	seqs []uint64
	fail bool
}

func (s *recordingSink) WriteEvent(e Event) error {
	s.seqs = append(s.seqs, e.Seq)
	if s.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestLog_RingKeepsNewest(t *testing.T) {
	l := NewLog(3, nil)
	for i := 0; i < 5; i++ {
		l.Append(Event{Type: TypeAction, Tick: uint64(i)})
	}
	got := l.Read(0, 0)
	if len(got) != 3 {
		t.Fatalf("len=%d want 3", len(got))
	}
	if got[0].Seq != 3 || got[2].Seq != 5 {
		t.Fatalf("seqs=%d..%d want 3..5", got[0].Seq, got[2].Seq)
	}
	if l.LastSeq() != 5 {
		t.Fatalf("LastSeq=%d", l.LastSeq())
	}
	if got := l.Read(4, 0); len(got) != 1 || got[0].Seq != 5 {
		t.Fatalf("Read(4)=%+v", got)
	}
	if got := l.Read(0, 2); len(got) != 2 || got[1].Seq != 4 {
		t.Fatalf("Read limit=%+v", got)
	}
}

func TestLog_SinksSeeEveryEvent(t *testing.T) {
	l := NewLog(10, nil)
	ok := &recordingSink{}
	bad := &recordingSink{fail: true}
	l.AddSink(ok)
	l.AddSink(bad)
	l.Append(Event{Type: TypeTick})
	e := l.Append(Event{Type: TypeAction, Principal: "a1"})
	if e.Seq != 2 || e.At.IsZero() {
		t.Fatalf("unexpected event: %+v", e)
	}
	if len(ok.seqs) != 2 || len(bad.seqs) != 2 {
		t.Fatalf("sinks saw %v and %v", ok.seqs, bad.seqs)
	}
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) WriteEvent(Event) error {
	s.entered <- struct{}{}
	<-s.release
	return nil
}

func TestLog_ReadersNotBlockedBySinks(t *testing.T) {
	l := NewLog(10, nil)
	sink := &blockingSink{entered: make(chan struct{}, 1), release: make(chan struct{})}
	l.AddSink(sink)

	appended := make(chan Event, 1)
	go func() { appended <- l.Append(Event{Type: TypeTick}) }()
	<-sink.entered

	read := make(chan []Event, 1)
	go func() { read <- l.Read(0, 0) }()
	select {
	case got := <-read:
		if len(got) != 1 || l.LastSeq() != 1 {
			t.Fatalf("read %+v last=%d", got, l.LastSeq())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Read blocked behind a sink write")
	}

	close(sink.release)
	if e := <-appended; e.Seq != 1 {
		t.Fatalf("appended %+v", e)
	}
}
