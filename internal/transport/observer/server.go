// Package observer streams the world event log to read-only WebSocket
// clients. Only loopback callers are admitted.
package observer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"scripworld.ai/internal/observerproto"
	"scripworld.ai/internal/sim/events"
	"scripworld.ai/internal/telemetry"
)

// Source is the part of the world an observer reads. *world.World satisfies it.
type Source interface {
	Tick() uint64
	Events() *events.Log
}

type Server struct {
	src  Source
	log  *slog.Logger
	poll time.Duration

	upgrader websocket.Upgrader
}

func NewServer(src Source, logger *slog.Logger) *Server {
	return &Server{
		src:  src,
		log:  telemetry.Component(logger, "observer"),
		poll: 200 * time.Millisecond,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			Tick:            s.src.Tick(),
			LastSeq:         s.src.Events().LastSeq(),
		})
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		subs := make(chan observerproto.SubscribeMsg, 1)

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() { writeErr <- s.stream(ctx, conn, sub, subs) }()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			next, ok := decodeSubscribe(msg)
			if !ok {
				continue
			}
			select {
			case <-subs:
			default:
			}
			subs <- next
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// stream polls the event log and pushes every new matching event once.
func (s *Server) stream(ctx context.Context, conn *websocket.Conn, sub observerproto.SubscribeMsg, subs <-chan observerproto.SubscribeMsg) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	cursor := sub.SinceSeq
	for {
		batch := s.src.Events().Read(cursor, sub.MaxBatch)
		if len(batch) > 0 {
			cursor = batch[len(batch)-1].Seq
			out := filter(batch, sub.Types)
			if len(out) > 0 {
				b, err := json.Marshal(observerproto.EventsMsg{
					Type:            observerproto.TypeEvents,
					ProtocolVersion: observerproto.Version,
					Events:          out,
					LastSeq:         cursor,
				})
				if err != nil {
					return err
				}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return err
				}
			}
			if len(batch) == sub.MaxBatch {
				continue // more pending
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sub = <-subs:
			cursor = sub.SinceSeq
		case <-ticker.C:
		}
	}
}

func decodeSubscribe(msg []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	if sub.MaxBatch <= 0 || sub.MaxBatch > 1000 {
		sub.MaxBatch = 256
	}
	return sub, true
}

func filter(evs []events.Event, types []string) []events.Event {
	if len(types) == 0 {
		return evs
	}
	out := make([]events.Event, 0, len(evs))
	for _, e := range evs {
		for _, t := range types {
			if e.Type == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
