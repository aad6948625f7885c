package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/telemetry"
)

// bot is a scripted agent for exercising a running server: it keeps a notes
// artifact, flips coins on genesis_decision and tips a peer.
type bot struct {
	id   string
	peer string
	rng  *rand.Rand
}

func main() {
	var (
		url   = pflag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		id    = pflag.String("id", "bot", "agent id")
		peer  = pflag.String("peer", "", "agent to tip now and then (optional)")
		model = pflag.String("model", "scripted", "model recorded for the agent")
		level = pflag.String("log-level", "info", "log level")
	)
	pflag.Parse()

	logger := telemetry.ConfigureSlog(os.Stderr, *level, "text").With("agent_id", *id)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Error("dial failed", "err", err)
		os.Exit(1)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentID:         *id,
		Model:           *model,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Error("send HELLO failed", "err", err)
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.Close()
	}()

	b := &bot{id: *id, peer: *peer, rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err == nil {
				logger.Info("welcome", "tick", w.Tick, "created", w.Created)
			}
		case protocol.TypeTurn:
			var turn protocol.TurnMsg
			if err := json.Unmarshal(msg, &turn); err != nil {
				continue
			}
			act, err := b.act(turn)
			if err != nil {
				logger.Warn("build ACT failed", "err", err)
				continue
			}
			if err := conn.WriteJSON(act); err != nil {
				return
			}
		case protocol.TypeResult:
			var res protocol.ResultMsg
			if err := json.Unmarshal(msg, &res); err == nil {
				logger.Info("result", "tick", res.Tick, "success", res.Result.Success, "code", res.Result.Code, "message", res.Result.Message)
			}
		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err == nil {
				logger.Warn("server error", "code", e.Code, "message", e.Message)
			}
		}
	}
}

func (b *bot) act(turn protocol.TurnMsg) (protocol.ActMsg, error) {
	action := b.choose(turn)
	intent, err := protocol.EncodeIntent(protocol.Intent{PrincipalID: b.id, Action: action})
	if err != nil {
		return protocol.ActMsg{}, err
	}
	return protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            turn.Tick,
		Intent:          intent,
		Thought:         fmt.Sprintf("scripted %s", protocol.ActionType(action)),
	}, nil
}

func (b *bot) choose(turn protocol.TurnMsg) protocol.Action {
	if turn.Compute <= 0 {
		return protocol.Noop{}
	}
	switch {
	case turn.Tick%5 == 1:
		return protocol.WriteArtifact{
			ArtifactID: b.id + "_notes",
			Content:    fmt.Sprintf("tick %d: scrip=%d last=%q", turn.Tick, turn.Scrip, turn.LastResult),
		}
	case b.peer != "" && turn.Scrip > 10 && b.rng.IntN(4) == 0:
		return protocol.TransferScrip{From: b.id, To: b.peer, Amount: 1}
	case b.rng.IntN(2) == 0:
		return protocol.InvokeArtifact{ArtifactID: "genesis_decision", Method: "flip"}
	default:
		return protocol.InvokeArtifact{ArtifactID: "genesis_ledger", Method: "balance", Args: []any{b.id}}
	}
}
