package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier is one capability level. It is immutable after LoadTiers returns.
type Tier struct {
	ID               string            `yaml:"id"`
	Name             string            `yaml:"name"`
	Description      string            `yaml:"description"`
	Args             []string          `yaml:"args"`
	Env              map[string]string `yaml:"env"`
	SystemPromptFile string            `yaml:"system_prompt_file"`

	Dir      string    `yaml:"-"`
	Subtests []Subtest `yaml:"-"`
}

// Subtest is a task variant within a tier.
type Subtest struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	PromptFile  string            `yaml:"prompt_file"`
	Files       []SeedFile        `yaml:"files"`
}

// SeedFile is copied into the workspace before the agent runs.
type SeedFile struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
}

// Subtest looks up a subtest by id.
func (t *Tier) Subtest(id string) (*Subtest, bool) {
	for i := range t.Subtests {
		if t.Subtests[i].ID == id {
			return &t.Subtests[i], true
		}
	}
	return nil, false
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// LoadTiers reads <dir>/<tier>/tier.yaml and <dir>/<tier>/subtests/*.yaml.
// When only is non-empty it selects and orders the tiers to load.
func LoadTiers(dir string, only []string) ([]*Tier, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, &Error{Path: dir, Err: err}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &Error{Path: dir, Err: fmt.Errorf("reading tiers dir: %w", err)}
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, e.Name(), "tier.yaml")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	SortIDs(ids)

	if len(only) > 0 {
		available := make(map[string]bool, len(ids))
		for _, id := range ids {
			available[id] = true
		}
		for _, id := range only {
			if !available[id] {
				return nil, &Error{Path: dir, Err: fmt.Errorf("tier %q not found", id)}
			}
		}
		ids = only
	}
	if len(ids) == 0 {
		return nil, &Error{Path: dir, Err: errors.New("no tiers found")}
	}

	tiers := make([]*Tier, 0, len(ids))
	for _, id := range ids {
		t, err := loadTier(filepath.Join(dir, id), id)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, t)
	}
	return tiers, nil
}

func loadTier(dir, id string) (*Tier, error) {
	path := filepath.Join(dir, "tier.yaml")
	var t Tier
	if err := decodeStrict(path, &t); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = id
	}
	if t.ID != id {
		return nil, &Error{Path: path, Err: fmt.Errorf("id %q does not match directory %q", t.ID, id)}
	}
	if !idPattern.MatchString(t.ID) {
		return nil, &Error{Path: path, Err: fmt.Errorf("invalid tier id %q", t.ID)}
	}
	if t.Name == "" {
		return nil, &Error{Path: path, Err: errors.New("name is required")}
	}
	t.Dir = dir
	if t.SystemPromptFile != "" {
		t.SystemPromptFile = resolveExisting(dir, t.SystemPromptFile)
		if _, err := os.Stat(t.SystemPromptFile); err != nil {
			return nil, &Error{Path: path, Err: fmt.Errorf("system_prompt_file: %w", err)}
		}
	}

	files, err := filepath.Glob(filepath.Join(dir, "subtests", "*.yaml"))
	if err != nil {
		return nil, &Error{Path: dir, Err: err}
	}
	seen := make(map[string]bool)
	for _, f := range files {
		s, err := loadSubtest(f)
		if err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, &Error{Path: f, Err: fmt.Errorf("duplicate subtest id %q in tier %s", s.ID, t.ID)}
		}
		seen[s.ID] = true
		t.Subtests = append(t.Subtests, *s)
	}
	if len(t.Subtests) == 0 {
		return nil, &Error{Path: dir, Err: fmt.Errorf("tier %s has no subtests", t.ID)}
	}
	sort.Slice(t.Subtests, func(i, j int) bool { return lessID(t.Subtests[i].ID, t.Subtests[j].ID) })
	return &t, nil
}

func loadSubtest(path string) (*Subtest, error) {
	var s Subtest
	if err := decodeStrict(path, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		s.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if !idPattern.MatchString(s.ID) {
		return nil, &Error{Path: path, Err: fmt.Errorf("invalid subtest id %q", s.ID)}
	}
	if s.Name == "" {
		return nil, &Error{Path: path, Err: errors.New("name is required")}
	}
	base := filepath.Dir(path)
	if s.PromptFile != "" {
		s.PromptFile = resolveExisting(base, s.PromptFile)
		if _, err := os.Stat(s.PromptFile); err != nil {
			return nil, &Error{Path: path, Err: fmt.Errorf("prompt_file: %w", err)}
		}
	}
	for i := range s.Files {
		f := &s.Files[i]
		if f.Src == "" {
			return nil, &Error{Path: path, Err: fmt.Errorf("files %d: src is required", i)}
		}
		if f.Dest == "" {
			f.Dest = filepath.Base(f.Src)
		}
		clean := filepath.Clean(f.Dest)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return nil, &Error{Path: path, Err: fmt.Errorf("files %d: dest %q escapes the workspace", i, f.Dest)}
		}
		f.Dest = clean
		f.Src = resolveExisting(base, f.Src)
		if _, err := os.Stat(f.Src); err != nil {
			return nil, &Error{Path: path, Err: fmt.Errorf("files %d: %w", i, err)}
		}
	}
	return &s, nil
}

func decodeStrict(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Error{Path: path, Err: fmt.Errorf("reading: %w", err)}
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &Error{Path: path, Err: fmt.Errorf("parsing: %w", err)}
	}
	return nil
}

func resolveExisting(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// SortIDs orders ids like T0, T1, T2, T10 by their numeric suffix.
func SortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })
}

func lessID(a, b string) bool {
	pa, na, oka := splitID(a)
	pb, nb, okb := splitID(b)
	if oka && okb && pa == pb && na != nb {
		return na < nb
	}
	return a < b
}

func splitID(id string) (string, int, bool) {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	if i == len(id) {
		return id, 0, false
	}
	n, err := strconv.Atoi(id[i:])
	if err != nil {
		return id, 0, false
	}
	return id[:i], n, true
}
