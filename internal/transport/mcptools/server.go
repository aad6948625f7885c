// Package mcptools exposes the kernel's actions as MCP tools so an external
// LLM host can act on behalf of a registered agent.
package mcptools

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"scripworld.ai/internal/protocol"
	"scripworld.ai/internal/sim/genesis"
	"scripworld.ai/internal/telemetry"
)

// Executor runs one intent. *world.World satisfies it.
type Executor interface {
	Execute(ctx context.Context, in protocol.Intent) protocol.Result
}

type Server struct {
	mcp  *server.MCPServer
	exec Executor
	log  *slog.Logger
}

func New(exec Executor, version string, logger *slog.Logger) *Server {
	s := &Server{
		mcp:  server.NewMCPServer("scripworld", version, server.WithToolCapabilities(false)),
		exec: exec,
		log:  telemetry.Component(logger, "mcp"),
	}
	s.register()
	return s
}

// MCP returns the underlying server for stdio or in-process transports.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Handler serves the streamable HTTP transport to loopback clients only;
// tools act as whatever agent_id the caller names.
func (s *Server) Handler() http.Handler {
	h := server.NewStreamableHTTPServer(s.mcp)
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			s.log.Warn("mcp request rejected", "remote", r.RemoteAddr)
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h.ServeHTTP(rw, r)
	})
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

func agentParam() mcp.ToolOption {
	return mcp.WithString("agent_id", mcp.Required(), mcp.Description("registered principal acting in this call"))
}

func (s *Server) register() { s.mcp.AddTools(s.tools()...) }

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool(protocol.ActionReadArtifact,
				mcp.WithDescription("Read an artifact's content. Charges its read price."),
				agentParam(),
				mcp.WithString("artifact_id", mcp.Required()),
			),
			Handler: s.action(protocol.ActionReadArtifact, nil),
		},
		{
			Tool: mcp.NewTool(protocol.ActionWriteArtifact,
				mcp.WithDescription("Create or update an artifact you may write. Size counts against your disk quota."),
				agentParam(),
				mcp.WithString("artifact_id", mcp.Required()),
				mcp.WithString("content", mcp.Required()),
				mcp.WithString("artifact_type", mcp.Description("free-form type tag")),
				mcp.WithBoolean("executable"),
				mcp.WithString("code", mcp.Description("base64 WASI module when executable")),
				mcp.WithObject("policy", mcp.Description("read_price, invoke_price, allow_read, allow_write, allow_invoke")),
			),
			Handler: s.action(protocol.ActionWriteArtifact, nil),
		},
		{
			Tool: mcp.NewTool(protocol.ActionInvokeArtifact,
				mcp.WithDescription("Invoke a method on a genesis or executable artifact."),
				agentParam(),
				mcp.WithString("artifact_id", mcp.Required()),
				mcp.WithString("method", mcp.Required()),
				mcp.WithArray("args", mcp.Description("positional arguments")),
				mcp.WithObject("kwargs", mcp.Description("named arguments")),
			),
			Handler: s.action(protocol.ActionInvokeArtifact, nil),
		},
		{
			Tool: mcp.NewTool(protocol.ActionTransferScrip,
				mcp.WithDescription("Move scrip from agent_id to another principal."),
				agentParam(),
				mcp.WithString("to", mcp.Required()),
				mcp.WithNumber("amount", mcp.Required(), mcp.Description("whole scrip, > 0")),
			),
			Handler: s.action(protocol.ActionTransferScrip, func(agentID string, args map[string]any) {
				args["from"] = agentID
			}),
		},
		{
			Tool: mcp.NewTool("get_balance",
				mcp.WithDescription("Report agent_id's scrip and compute via genesis_ledger.balance."),
				agentParam(),
			),
			Handler: s.action(protocol.ActionInvokeArtifact, func(agentID string, args map[string]any) {
				args["artifact_id"] = genesis.LedgerID
				args["method"] = "balance"
				args["args"] = []any{agentID}
			}),
		},
	}
}

// action builds a handler that turns tool arguments into a flat intent
// envelope and executes it as agent_id.
func (s *Server) action(kind string, fill func(agentID string, args map[string]any)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID := strings.TrimSpace(req.GetString("agent_id", ""))
		if agentID == "" {
			return mcp.NewToolResultError("agent_id is required"), nil
		}
		args := map[string]any{}
		for k, v := range req.GetArguments() {
			args[k] = v
		}
		delete(args, "agent_id")
		if fill != nil {
			fill(agentID, args)
		}
		args["action_type"] = kind
		args["principal_id"] = agentID

		b, err := json.Marshal(args)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		intent, err := protocol.DecodeIntent(b)
		if err != nil {
			return resultOf(protocol.FailErr(err)), nil
		}
		res := s.exec.Execute(ctx, intent)
		if !res.Success {
			s.log.Debug("tool call failed", "tool", req.Params.Name, "agent_id", agentID, "code", res.Code)
		}
		return resultOf(res), nil
	}
}

func resultOf(res protocol.Result) *mcp.CallToolResult {
	b, err := json.Marshal(res)
	if err != nil {
		return mcp.NewToolResultError(err.Error())
	}
	out := mcp.NewToolResultText(string(b))
	out.IsError = !res.Success
	return out
}
