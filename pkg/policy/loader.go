package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// policyParsers maps a file extension to the function turning its content
// into a Policy. Rego files carry bare code; JSON and YAML files carry a
// full Policy document with the code in its rego field.
var policyParsers = map[string]func(path string, data []byte) (*Policy, error){
	".rego": parseRego,
	".json": parseDocument(json.Unmarshal),
	".yaml": parseDocument(yaml.Unmarshal),
	".yml":  parseDocument(yaml.Unmarshal),
}

func isPolicyFile(path string) bool {
	_, ok := policyParsers[filepath.Ext(path)]
	return ok
}

type cachedPolicy struct {
	modTime time.Time
	policy  *Policy
}

// Loader reads operator placement policies from disk. Parsed files are
// cached until their modification time changes.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	cache   map[string]cachedPolicy
	watcher *fsnotify.Watcher
}

func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths returns every policy found under paths, sorted by name.
// A path that does not exist is an error; an unparsable file inside a
// directory is skipped.
func (l *Loader) LoadFromPaths(_ context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		policies, err := l.loadPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load policies from %s: %w", path, err)
		}
		out = append(out, policies...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	l.logger.Info().Int("total", len(out)).Strs("paths", paths).Msg("Placement policies loaded")
	return out, nil
}

func (l *Loader) loadPath(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		p, err := l.loadFromFile(path)
		if err != nil {
			return nil, err
		}
		return []Policy{*p}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(path, func(file string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isPolicyFile(file) {
			return err
		}
		p, err := l.loadFromFile(file)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	return policies, err
}

func (l *Loader) loadFromFile(path string) (*Policy, error) {
	parse, ok := policyParsers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("unsupported policy file: %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	entry, hit := l.cache[path]
	l.mu.Unlock()
	if hit && entry.modTime.Equal(info.ModTime()) {
		return entry.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	policy, err := parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if policy.Name == "" {
		return nil, fmt.Errorf("policy in %s has no name", path)
	}

	l.mu.Lock()
	l.cache[path] = cachedPolicy{modTime: info.ModTime(), policy: policy}
	l.mu.Unlock()

	l.logger.Debug().Str("path", path).Str("policy", policy.Name).Msg("Parsed policy file")
	return policy, nil
}

// ClearCache forces the next load to re-read every file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]cachedPolicy)
	l.mu.Unlock()
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// parseRego names the policy after its file and takes the description from
// the leading comment block. Such policies block by default; a deny entry
// can still lower its own severity.
func parseRego(path string, data []byte) (*Policy, error) {
	now := time.Now()
	code := string(data)
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: leadingComment(code),
		Rego:        code,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{},
		Metadata:    map[string]interface{}{"source": path},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func parseDocument(unmarshal func([]byte, interface{}) error) func(string, []byte) (*Policy, error) {
	return func(path string, data []byte) (*Policy, error) {
		var p Policy
		if err := unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid policy document: %w", err)
		}
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = time.Now()
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = p.CreatedAt
		}
		if p.Metadata == nil {
			p.Metadata = map[string]interface{}{}
		}
		p.Metadata["source"] = path
		// Only policies compiled into the binary are builtin.
		p.Builtin = false
		return &p, nil
	}
}

func leadingComment(code string) string {
	var parts []string
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		if c := strings.TrimSpace(strings.TrimPrefix(line, "#")); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, " ")
}
