// Package exec runs executable artifact code in a WebAssembly sandbox.
//
// An artifact's code is a base64-encoded WASI preview1 module. The module
// reads the invocation as JSON on stdin and writes its result to stdout.
package exec

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"github.com/zeebo/blake3"

	"scripworld.ai/internal/config"
	"scripworld.ai/internal/protocol"
)

type Program struct {
	ArtifactID string
	Code       string // base64 wasm
	Input      []byte
}

type Output struct {
	Stdout   []byte
	Stderr   string
	Duration time.Duration
}

type Executor interface {
	Run(ctx context.Context, p Program) (Output, error)
}

const maxOutputBytes = 1 << 20

type WasmExecutor struct {
	rt      wazero.Runtime
	timeout time.Duration

	mu    sync.Mutex
	cache map[string]wazero.CompiledModule
}

func NewWasmExecutor(ctx context.Context, cfg config.ExecConfig) (*WasmExecutor, error) {
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MemoryLimitPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, rc)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &WasmExecutor{rt: rt, timeout: timeout, cache: map[string]wazero.CompiledModule{}}, nil
}

func (e *WasmExecutor) compile(ctx context.Context, bin []byte) (wazero.CompiledModule, error) {
	sum := blake3.Sum256(bin)
	key := hex.EncodeToString(sum[:])
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.cache[key]; ok {
		return m, nil
	}
	m, err := e.rt.CompileModule(ctx, bin)
	if err != nil {
		return nil, err
	}
	e.cache[key] = m
	return m, nil
}

// Run executes p under the configured wall-clock limit. Exceeding it is a
// resource ceiling failure; bad modules and non-zero exits are external
// failures.
func (e *WasmExecutor) Run(ctx context.Context, p Program) (Output, error) {
	bin, err := base64.StdEncoding.DecodeString(strings.TrimSpace(p.Code))
	if err != nil {
		return Output{}, protocol.WrapError(protocol.ErrBadRequest, err, "artifact %s code is not base64", p.ArtifactID)
	}
	compiled, err := e.compile(ctx, bin)
	if err != nil {
		return Output{}, protocol.WrapError(protocol.ErrExternal, err, "artifact %s: invalid wasm module", p.ArtifactID)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var stdout, stderr limitedBuffer
	stdout.max, stderr.max = maxOutputBytes, 64<<10
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader(p.Input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	start := time.Now()
	mod, err := e.rt.InstantiateModule(runCtx, compiled, cfg)
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.String(), Duration: time.Since(start)}
	if mod != nil {
		_ = mod.Close(ctx)
	}
	if err == nil {
		return out, nil
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return out, protocol.WrapError(protocol.ErrResourceCeiling, err, "killed: artifact %s exceeded %s", p.ArtifactID, e.timeout)
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		return out, nil
	}
	return out, protocol.WrapError(protocol.ErrExternal, err, "artifact %s failed: %s", p.ArtifactID, strings.TrimSpace(out.Stderr))
}

func (e *WasmExecutor) Close(ctx context.Context) error {
	return e.rt.Close(ctx)
}

// limitedBuffer drops writes past max instead of growing without bound.
type limitedBuffer struct {
	bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Len(); room < len(p) {
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
