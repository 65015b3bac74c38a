package sdkbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// URLPlaceholder in a child command argument is replaced by the bridge's
// WebSocket URL.
const URLPlaceholder = "{sdk_url}"

type Options struct {
	Prompt string
	// Addr is the listen address; ignored when Listener is set.
	Addr     string
	Listener net.Listener
	// Command, when set, is started once the bridge is listening.
	Command     []string
	IdleTimeout time.Duration
	// ExitGrace bounds how long the child may linger after its result.
	ExitGrace   time.Duration
	MetricsFile string
	Stdout      io.Writer
	Stderr      io.Writer
}

// Run serves a single agent connection and prints its outcome to Stdout as
// a stream-json result line. The returned exit code is 0 for a successful
// result, 1 for an error result, and the child's own code when it exited
// without reporting one.
func Run(ctx context.Context, log zerolog.Logger, opts Options) (int, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.ExitGrace <= 0 {
		opts.ExitGrace = 10 * time.Second
	}

	ln := opts.Listener
	if ln == nil {
		addr := opts.Addr
		if addr == "" {
			addr = "127.0.0.1:0"
		}
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			return 1, fmt.Errorf("listen: %w", err)
		}
	}
	url := "ws://" + ln.Addr().String()
	log.Debug().Str("url", url).Msg("bridge listening")

	conns := make(chan *websocket.Conn, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			log.Warn().Err(err).Msg("websocket accept failed")
			return
		}
		select {
		case conns <- conn:
		default:
			conn.Close(websocket.StatusPolicyViolation, "only one connection allowed")
		}
	})}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	defer srv.Close()

	var (
		child     *exec.Cmd
		childDone = make(chan error, 1)
	)
	if len(opts.Command) > 0 {
		args := make([]string, len(opts.Command))
		for i, a := range opts.Command {
			args[i] = strings.ReplaceAll(a, URLPlaceholder, url)
		}
		child = exec.CommandContext(ctx, args[0], args[1:]...)
		child.Stdout = opts.Stderr
		child.Stderr = opts.Stderr
		if err := child.Start(); err != nil {
			return 1, fmt.Errorf("starting agent: %w", err)
		}
		log.Info().Str("command", args[0]).Int("pid", child.Process.Pid).Msg("agent started")
		go func() { childDone <- child.Wait() }()
	}

	session := NewSession(log, opts.Prompt, opts.IdleTimeout)
	var serr error
	select {
	case conn := <-conns:
		serr = session.Serve(ctx, conn)
		if serr != nil {
			conn.Close(websocket.StatusInternalError, "session failed")
		} else {
			conn.Close(websocket.StatusNormalClosure, "done")
		}
	case err := <-serveErr:
		serr = fmt.Errorf("http server: %w", err)
	case err := <-childDone:
		childDone <- err
		serr = errors.New("agent exited before connecting")
	case <-ctx.Done():
		serr = ctx.Err()
	}

	code := 0
	if child != nil {
		code = waitChild(log, child, childDone, opts.ExitGrace)
	}

	out := session.Outcome()
	if err := emit(opts.Stdout, out); err != nil {
		return 1, err
	}
	if opts.MetricsFile != "" {
		if err := writeMetrics(opts.MetricsFile, out); err != nil {
			return 1, err
		}
	}

	switch {
	case out.Completed && out.IsError:
		for _, e := range out.Errors {
			fmt.Fprintln(opts.Stderr, e)
		}
		return 1, nil
	case out.Completed:
		return 0, nil
	case serr != nil:
		if code == 0 {
			code = 1
		}
		return code, serr
	default:
		return code, nil
	}
}

// waitChild gives the child grace to exit on its own before killing it.
func waitChild(log zerolog.Logger, child *exec.Cmd, done <-chan error, grace time.Duration) int {
	var err error
	select {
	case err = <-done:
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("agent still running after result, killing")
		_ = child.Process.Kill()
		err = <-done
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if err != nil {
		return 1
	}
	return 0
}

// emit writes a result envelope in the same shape the agent CLI uses for
// its own stream-json output.
func emit(w io.Writer, o Outcome) error {
	line, err := json.Marshal(map[string]any{
		"type":           "result",
		"subtype":        resultSubtype(o),
		"is_error":       o.IsError || !o.Completed,
		"session_id":     o.SessionID,
		"num_turns":      o.Turns,
		"duration_ms":    o.DurationMs,
		"total_cost_usd": o.TotalCostUSD,
		"errors":         o.Errors,
		"usage": map[string]int{
			"input_tokens":                o.InputTokens,
			"output_tokens":               o.OutputTokens,
			"cache_read_input_tokens":     o.CacheReadTokens,
			"cache_creation_input_tokens": o.CacheCreationTokens,
		},
	})
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", line)
	return err
}

func resultSubtype(o Outcome) string {
	switch {
	case !o.Completed:
		return "error_disconnected"
	case o.IsError:
		return "error"
	default:
		return "success"
	}
}

func writeMetrics(path string, o Outcome) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metrics: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}
