package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"mcpfed/internal/domain"
	"mcpfed/internal/infra/telemetry"
)

// StdioTransport launches a downstream as a child process and speaks MCP
// over its stdin/stdout. The child runs in its own process group so a
// wedged downstream cannot outlive its stop function.
type StdioTransport struct {
	logger         *zap.Logger
	onToolsChanged func(namespace string)
}

type StdioTransportOptions struct {
	Logger         *zap.Logger
	OnToolsChanged func(namespace string)
}

func NewStdioTransport(opts StdioTransportOptions) *StdioTransport {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{
		logger:         logger,
		onToolsChanged: opts.OnToolsChanged,
	}
}

func (t *StdioTransport) Connect(ctx context.Context, spec domain.DownstreamSpec) (domain.Client, domain.StopFn, error) {
	if spec.Command == "" {
		return nil, nil, errors.New("command is required for stdio transport")
	}

	// os/exec requires CommandContext when cmd.Cancel is set (done in
	// setupProcessHandling). Use Background so the short dial ctx does not
	// own the process lifetime; stop remains the only kill path.
	cmd := exec.CommandContext(context.Background(), spec.Command, spec.Args...)
	cmd.Env = append(os.Environ(), formatEnv(spec.Env)...)
	groupCleanup := setupProcessHandling(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start command: %w", classifyStartError(err))
	}

	downstreamLogger := t.logger.With(
		zap.String(telemetry.FieldLogSource, telemetry.LogSourceDownstream),
		telemetry.NamespaceField(spec.Namespace),
		zap.String(telemetry.FieldLogStream, "stderr"),
	)
	go mirrorStderr(stderr, downstreamLogger)

	stop := func(stopCtx context.Context) error {
		if err := stdin.Close(); err != nil {
			t.logger.Warn("close stdin failed", zap.Error(err))
		}
		if err := stdout.Close(); err != nil {
			t.logger.Warn("close stdout failed", zap.Error(err))
		}
		if err := stderr.Close(); err != nil {
			t.logger.Warn("close stderr failed", zap.Error(err))
		}
		if groupCleanup != nil {
			groupCleanup()
		}
		return waitProcess(stopCtx, cmd)
	}

	ioTransport := &mcp.IOTransport{Reader: stdout, Writer: stdin}
	mcpConn, err := ioTransport.Connect(ctx)
	if err != nil {
		_ = stop(context.Background())
		return nil, nil, fmt.Errorf("connect stdio: %w", err)
	}

	cl := newClient(mcpConn, clientOptions{
		Logger:         t.logger.Named("stdio_conn"),
		Namespace:      spec.Namespace,
		OnToolsChanged: t.onToolsChanged,
	})
	if err := cl.handshake(ctx); err != nil {
		_ = cl.Close()
		_ = stop(context.Background())
		return nil, nil, err
	}
	return cl, stop, nil
}

const maxStderrLineLength = 32 * 1024 // 32KB per line

// mirrorStderr forwards the child's stderr into the proxy log line by
// line, truncating pathological lines instead of buffering them.
func mirrorStderr(reader io.Reader, logger *zap.Logger) {
	buf := bufio.NewReaderSize(reader, 8192)
	for {
		line, isPrefix, err := buf.ReadLine()
		if len(line) > 0 {
			trimmed := strings.TrimRight(string(line), "\r\n")
			if trimmed != "" {
				if len(trimmed) > maxStderrLineLength {
					trimmed = trimmed[:maxStderrLineLength] + "... [truncated]"
				}
				logger.Info(trimmed)
			}
			if isPrefix {
				for isPrefix && err == nil {
					_, isPrefix, err = buf.ReadLine()
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// waitProcess reaps the child, treating a kill-induced exit as success.
func waitProcess(ctx context.Context, cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	select {
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == -1 {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func formatEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

func classifyStartError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return domain.E(domain.CodeUnavailable, "transport.stdio", err.Error(), domain.ErrDownstreamUnavailable)
	}
	if errors.Is(err, os.ErrPermission) {
		return domain.E(domain.CodeUnavailable, "transport.stdio", err.Error(), domain.ErrDownstreamUnavailable)
	}
	return err
}
