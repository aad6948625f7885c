// Package ws connects remote agents to the runner over WebSocket. A remote
// agent says HELLO once, then answers every TURN with an ACT and is told the
// outcome in a RESULT.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"scripworld.ai/internal/persistence/agentstate"
	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/runner"
	"scripworld.ai/internal/telemetry"
)

// Registrar admits principals. *world.World satisfies it.
type Registrar interface {
	EnsureAgent(ctx context.Context, id string) (bool, error)
	Tick() uint64
}

type session struct {
	agentID string
	out     chan []byte
	acts    chan protocol.ActMsg
	done    chan struct{}
	once    sync.Once
}

func (s *session) close() { s.once.Do(func() { close(s.done) }) }

// Gateway is a runner.Decider and runner.ResultNotifier backed by live
// WebSocket sessions. Agents without a session decide noop.
type Gateway struct {
	registrar Registrar
	store     agentstate.Store
	log       *slog.Logger
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

func NewGateway(reg Registrar, store agentstate.Store, logger *slog.Logger) *Gateway {
	return &Gateway{
		registrar: reg,
		store:     store,
		log:       telemetry.Component(logger, "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]*session{},
	}
}

func (g *Gateway) Connected() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (g *Gateway) session(id string) *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[id]
}

func (g *Gateway) attach(s *session) {
	g.mu.Lock()
	prev := g.sessions[s.agentID]
	g.sessions[s.agentID] = s
	g.mu.Unlock()
	if prev != nil {
		prev.close()
	}
}

func (g *Gateway) detach(s *session) {
	g.mu.Lock()
	if g.sessions[s.agentID] == s {
		delete(g.sessions, s.agentID)
	}
	g.mu.Unlock()
	s.close()
}

// Decide sends TURN to the agent's session and waits for the ACT for the
// same tick.
func (g *Gateway) Decide(ctx context.Context, in runner.TurnInput) (runner.Decision, error) {
	s := g.session(in.AgentID)
	if s == nil {
		return runner.Decision{Action: protocol.Noop{}}, nil
	}
	select {
	case <-s.acts: // stale ACT from an earlier turn
	default:
	}

	turn := protocol.TurnMsg{
		Type:            protocol.TypeTurn,
		ProtocolVersion: protocol.Version,
		Tick:            in.Tick,
		AgentID:         in.AgentID,
		Scrip:           in.Balance.Scrip,
		Compute:         in.Balance.Compute,
	}
	if in.State != nil {
		turn.LastResult = in.State.LastActionResult
		turn.HistoryLen = len(in.State.TurnHistory)
		turn.ActionSchema = in.State.ActionSchema
	}
	for _, m := range in.Memories {
		turn.Memories = append(turn.Memories, m.Text)
	}
	b, err := json.Marshal(turn)
	if err != nil {
		return runner.Decision{}, err
	}
	select {
	case s.out <- b:
	default:
		return runner.Decision{}, protocol.NewError(protocol.ErrExternal, "agent %s outbox full", in.AgentID)
	}

	for {
		select {
		case <-ctx.Done():
			return runner.Decision{}, ctx.Err()
		case <-s.done:
			return runner.Decision{}, protocol.NewError(protocol.ErrExternal, "agent %s disconnected", in.AgentID)
		case act := <-s.acts:
			if act.Tick != in.Tick {
				continue
			}
			return decodeAct(in.AgentID, act)
		}
	}
}

func decodeAct(agentID string, act protocol.ActMsg) (runner.Decision, error) {
	intent, err := protocol.DecodeIntent(act.Intent)
	if err != nil {
		return runner.Decision{}, err
	}
	if intent.PrincipalID != "" && intent.PrincipalID != agentID {
		return runner.Decision{}, protocol.NewError(protocol.ErrNoPermission, "%s cannot act as %s", agentID, intent.PrincipalID)
	}
	return runner.Decision{
		Action:     intent.Action,
		TokensUsed: act.TokensUsed,
		CostUSD:    act.CostUSD,
		Thought:    act.Thought,
	}, nil
}

func (g *Gateway) NotifyResult(_ context.Context, agentID string, tick uint64, res protocol.Result) {
	s := g.session(agentID)
	if s == nil {
		return
	}
	b, err := json.Marshal(protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Tick:            tick,
		Result:          res,
	})
	if err != nil {
		return
	}
	select {
	case s.out <- b:
	default:
		g.log.Warn("dropping result for slow agent", "agent_id", agentID, "tick", tick)
	}
}

func (g *Gateway) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := g.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		s := g.handshake(r.Context(), conn)
		if s == nil {
			return
		}
		g.attach(s)
		defer g.detach(s)
		g.log.Info("agent connected", "agent_id", s.agentID, "remote", r.RemoteAddr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-s.done:
					_ = conn.Close()
					return
				case b := <-s.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						_ = conn.Close()
						return
					}
				}
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeAct {
				g.sendError(s, protocol.ErrProtoBadRequest, "expected ACT")
				continue
			}
			var act protocol.ActMsg
			if err := json.Unmarshal(msg, &act); err != nil || act.ProtocolVersion != protocol.Version {
				g.sendError(s, protocol.ErrProtoBadRequest, "bad ACT message")
				continue
			}
			select {
			case <-s.acts:
			default:
			}
			s.acts <- act
		}
		g.log.Info("agent disconnected", "agent_id", s.agentID)
	}
}

func (g *Gateway) sendError(s *session, code, msg string) {
	b, _ := json.Marshal(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	})
	select {
	case s.out <- b:
	default:
	}
}

// handshake reads HELLO, admits the agent and creates its durable state on
// first contact.
func (g *Gateway) handshake(ctx context.Context, conn *websocket.Conn) *session {
	reject := func(reason string) *session {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
		return nil
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	_ = conn.SetReadDeadline(time.Time{})

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		return reject("expected HELLO")
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return reject("bad HELLO")
	}
	if hello.ProtocolVersion != protocol.Version {
		return reject("bad protocol_version")
	}
	hello.AgentID = strings.TrimSpace(hello.AgentID)
	if hello.AgentID == "" || hello.AgentID == "system" {
		return reject("agent_id required")
	}

	created, err := g.registrar.EnsureAgent(ctx, hello.AgentID)
	if err != nil {
		g.log.Warn("admit agent failed", "agent_id", hello.AgentID, "err", err)
		return reject("unavailable")
	}
	_, ok, err := g.store.Load(ctx, hello.AgentID)
	if err != nil {
		g.log.Warn("load agent state failed", "agent_id", hello.AgentID, "err", err)
		return reject("unavailable")
	}
	if !ok {
		st := &agentstate.State{
			AgentID:        hello.AgentID,
			Model:          hello.Model,
			SystemPrompt:   hello.SystemPrompt,
			ActionSchema:   protocol.ActionSchema,
			CreatedTick:    g.registrar.Tick(),
			LastActiveTick: g.registrar.Tick(),
		}
		if err := g.store.Save(ctx, st); err != nil {
			g.log.Warn("create agent state failed", "agent_id", hello.AgentID, "err", err)
			return reject("unavailable")
		}
		created = true
	}

	if err := writeJSON(conn, protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		AgentID:         hello.AgentID,
		Tick:            g.registrar.Tick(),
		Created:         created,
	}); err != nil {
		return nil
	}
	return &session{
		agentID: hello.AgentID,
		out:     make(chan []byte, 16),
		acts:    make(chan protocol.ActMsg, 1),
		done:    make(chan struct{}),
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
