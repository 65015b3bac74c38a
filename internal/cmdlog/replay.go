package cmdlog

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"al.essio.dev/pkg/shellescape"
)

var envName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// traceFD is a fixed descriptor rather than {var} allocation, which bash 3
// does not parse.
const traceFD = 19

// SaveReplayScript renders every record into replay.sh and returns its path.
// The script only uses absolute paths so it can run from any directory.
func (l *Logger) SaveReplayScript() (string, error) {
	script, err := l.renderScript()
	if err != nil {
		return "", err
	}
	path := l.ReplayPath()
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	if err := os.WriteFile(tmp, []byte(script), 0o755); err != nil {
		return "", fmt.Errorf("writing replay script: %w", err)
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("chmod replay script: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("renaming replay script: %w", err)
	}
	return path, nil
}

func (l *Logger) renderScript() (string, error) {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	b.WriteString("set -euo pipefail\n")
	fmt.Fprintf(&b, "exec %d>>%s\n", traceFD, shellescape.Quote(l.TracePath()))
	fmt.Fprintf(&b, "BASH_XTRACEFD=%d\n", traceFD)
	b.WriteString("set -x\n\n")

	env := make(map[string]string)
	for _, r := range l.records {
		for k, v := range r.Env {
			env[k] = v
		}
	}
	names := make([]string, 0, len(env))
	for k := range env {
		if !envName.MatchString(k) {
			return "", fmt.Errorf("invalid environment variable name %q", k)
		}
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fmt.Fprintf(&b, "export %s=\"${%s:-%s}\"\n", k, k, escapeDefault(env[k]))
	}
	if len(names) > 0 {
		b.WriteString("\n")
	}

	for i, r := range l.records {
		fmt.Fprintf(&b, "# command %d planned %s\n", i, r.Timestamp.Format("2006-01-02T15:04:05Z"))
		fmt.Fprintf(&b, "cd %s\n", shellescape.Quote(r.Cwd))
		parts := []string{shellescape.Quote(r.Command)}
		for j, arg := range r.Args {
			if j < len(r.ArgRefs) && r.ArgRefs[j] != "" {
				parts = append(parts, fmt.Sprintf("\"$(cat %s)\"", shellescape.Quote(r.ArgRefs[j])))
				continue
			}
			parts = append(parts, shellescape.Quote(arg))
		}
		b.WriteString(strings.Join(parts, " "))
		b.WriteString("\n")
	}
	return b.String(), nil
}

// escapeDefault makes v safe inside a double-quoted ${VAR:-v} expansion.
func escapeDefault(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`", "}", `\}`)
	return r.Replace(v)
}
