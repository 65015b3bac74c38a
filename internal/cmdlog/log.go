// Package cmdlog records every external command before it runs, renders a
// self-contained replay script from the record, and executes that script.
package cmdlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	LogFile    = "command_log.json"
	ReplayFile = "replay.sh"
	// TraceFile receives the replay script's xtrace so the command's own
	// stderr stays clean.
	TraceFile = "replay.trace"
	ArgsDir    = "args"

	// MaxInlineArg is the longest argument written directly into replay.sh.
	MaxInlineArg = 1024
)

type State string

const (
	Planned  State = "planned"
	Executed State = "executed"
)

// Record is one command. Command, Args, Cwd, the output refs and Timestamp
// are fixed when the record is planned; only the result fields change later.
type Record struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	ArgRefs   []string          `json:"arg_refs,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Cwd       string            `json:"cwd"`
	StdoutRef string            `json:"stdout_ref"`
	StderrRef string            `json:"stderr_ref"`
	ExitCode  *int              `json:"exit_code"`
	Duration  float64           `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	State     State             `json:"state"`
}

// Argv returns the full command line.
func (r *Record) Argv() []string {
	return append([]string{r.Command}, r.Args...)
}

var ErrNoPlannedCommand = errors.New("no planned command")

// Logger owns command_log.json and replay.sh in one directory.
type Logger struct {
	dir     string
	records []Record
}

func New(dir string) (*Logger, error) {
	abs, err := absPath(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating command log dir: %w", err)
	}
	return &Logger{dir: abs}, nil
}

// Load reads an existing command log. A missing log yields an empty logger.
func Load(dir string) (*Logger, error) {
	l, err := New(dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.LogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("reading command log: %w", err)
	}
	if err := json.Unmarshal(data, &l.records); err != nil {
		return nil, fmt.Errorf("parsing command log %s: %w", l.LogPath(), err)
	}
	return l, nil
}

func (l *Logger) Dir() string        { return l.dir }
func (l *Logger) LogPath() string    { return filepath.Join(l.dir, LogFile) }
func (l *Logger) ReplayPath() string { return filepath.Join(l.dir, ReplayFile) }

func (l *Logger) TracePath() string { return filepath.Join(l.dir, TraceFile) }

func (l *Logger) Records() []Record {
	return append([]Record(nil), l.records...)
}

// Last returns the most recent record.
func (l *Logger) Last() (*Record, bool) {
	if len(l.records) == 0 {
		return nil, false
	}
	r := l.records[len(l.records)-1]
	return &r, true
}

// LogCommand plans argv for execution in cwd. The log and replay script are
// written before this returns, so a crash during execution still leaves a
// replayable record. placeholders maps environment variable names to their
// defaults in the script.
func (l *Logger) LogCommand(argv []string, cwd string, placeholders map[string]string) (*Record, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if last, ok := l.Last(); ok && last.State == Planned {
		return nil, fmt.Errorf("command %q is still planned", last.Command)
	}
	for k := range placeholders {
		if !envName.MatchString(k) {
			return nil, fmt.Errorf("invalid environment variable name %q", k)
		}
	}
	absCwd, err := absPath(cwd)
	if err != nil {
		return nil, err
	}
	n := len(l.records)
	rec := Record{
		Command:   argv[0],
		Args:      append([]string{}, argv[1:]...),
		Cwd:       absCwd,
		StdoutRef: filepath.Join(l.dir, outputName("stdout", n)),
		StderrRef: filepath.Join(l.dir, outputName("stderr", n)),
		Timestamp: time.Now().UTC(),
		State:     Planned,
	}
	if len(placeholders) > 0 {
		rec.Env = make(map[string]string, len(placeholders))
		for k, v := range placeholders {
			rec.Env[k] = v
		}
	}
	if err := l.externalizeArgs(&rec, n); err != nil {
		return nil, err
	}
	l.records = append(l.records, rec)
	if err := l.save(); err != nil {
		return nil, err
	}
	if _, err := l.SaveReplayScript(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateLastCommand records the outcome of the last planned command.
func (l *Logger) UpdateLastCommand(exitCode int, duration time.Duration) error {
	if len(l.records) == 0 {
		return ErrNoPlannedCommand
	}
	rec := &l.records[len(l.records)-1]
	if rec.State != Planned {
		return fmt.Errorf("last command already %s", rec.State)
	}
	code := exitCode
	rec.ExitCode = &code
	rec.Duration = duration.Seconds()
	rec.State = Executed
	return l.save()
}

func (l *Logger) externalizeArgs(rec *Record, n int) error {
	for i, arg := range rec.Args {
		if len(arg) <= MaxInlineArg && !strings.Contains(arg, "\n") {
			continue
		}
		if rec.ArgRefs == nil {
			rec.ArgRefs = make([]string, len(rec.Args))
		}
		path := filepath.Join(l.dir, ArgsDir, fmt.Sprintf("arg-%d-%d.txt", n, i))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating args dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(arg), 0o644); err != nil {
			return fmt.Errorf("writing long argument: %w", err)
		}
		rec.ArgRefs[i] = path
	}
	return nil
}

func (l *Logger) save() error {
	data, err := json.MarshalIndent(l.records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling command log: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", l.LogPath(), os.Getpid())
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing command log: %w", err)
	}
	if err := os.Rename(tmp, l.LogPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming command log: %w", err)
	}
	return nil
}

func outputName(stream string, n int) string {
	if n == 0 {
		return stream + ".log"
	}
	return fmt.Sprintf("%s_%d.log", stream, n)
}

// absPath canonicalizes p, resolving symlinks when p exists.
func absPath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return abs, nil
}
