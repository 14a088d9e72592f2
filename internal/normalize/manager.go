package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"provlink/internal/metrics"
)

// DefaultExecutionTimeout is the default timeout for one normalizer run
const DefaultExecutionTimeout = 100 * time.Millisecond

// AllKinds is the @event value matching every event kind
const AllKinds = "*"

// ErrTimeout is returned when a normalizer runs past the execution timeout
var ErrTimeout = errors.New("normalizer execution timed out")

// eventDirectiveRegex matches @event directive in comments
var eventDirectiveRegex = regexp.MustCompile(`(?m)^//\s*@event\s+(\S+)`)

// Script is a loaded normalizer
type Script struct {
	Name   string // file name without extension
	Kind   string // event kind, or AllKinds
	Source string
}

// Manager runs JavaScript normalizers keyed by event kind
type Manager struct {
	scripts map[string][]*Script // kind -> scripts in file name order
	logger  zerolog.Logger
	timeout time.Duration
	mu      sync.RWMutex
}

// NewManager creates a Manager with no scripts
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		scripts: make(map[string][]*Script),
		logger:  logger.With().Str("component", "normalizer").Logger(),
		timeout: DefaultExecutionTimeout,
	}
}

// SetTimeout sets the execution timeout for one normalizer
func (m *Manager) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		m.timeout = timeout
	}
}

// LoadFromDirectory loads all .js normalizers from a directory.
// A missing directory is not an error; a file that fails to load is logged and skipped.
func (m *Manager) LoadFromDirectory(dir string) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		m.logger.Warn().Str("directory", dir).Msg("normalizers directory does not exist")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat normalizers directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("normalizers path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read normalizers directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	loadedCount := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			m.logger.Error().Err(err).Str("file", entry.Name()).Msg("failed to read normalizer")
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".js")
		if err := m.Add(name, string(content)); err != nil {
			m.logger.Error().Err(err).Str("file", entry.Name()).Msg("failed to load normalizer")
			continue
		}
		loadedCount++
	}

	m.logger.Info().
		Int("loaded", loadedCount).
		Str("directory", dir).
		Msg("normalizers loaded")
	return nil
}

// Add registers a normalizer from source. The script is compiled once to reject syntax errors early.
func (m *Manager) Add(name, source string) error {
	kind := extractEventDirective(source)
	if kind == "" {
		return fmt.Errorf("normalizer missing @event directive")
	}
	if _, err := goja.Compile(name, source, false); err != nil {
		return fmt.Errorf("failed to compile normalizer: %w", err)
	}

	m.mu.Lock()
	m.scripts[kind] = append(m.scripts[kind], &Script{Name: name, Kind: kind, Source: source})
	m.mu.Unlock()

	m.logger.Info().
		Str("name", name).
		Str("kind", kind).
		Msg("normalizer loaded")
	return nil
}

func extractEventDirective(source string) string {
	matches := eventDirectiveRegex.FindStringSubmatch(source)
	if len(matches) >= 2 {
		return matches[1]
	}
	return ""
}

// Kinds returns the kinds with at least one normalizer
func (m *Manager) Kinds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	kinds := make([]string, 0, len(m.scripts))
	for k := range m.scripts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Normalize runs the * normalizers and then those for kind over payload.
// The input map is never modified; on error the caller keeps its original payload.
func (m *Manager) Normalize(kind string, payload map[string]any) (map[string]any, error) {
	m.mu.RLock()
	scripts := make([]*Script, 0, len(m.scripts[AllKinds])+len(m.scripts[kind]))
	scripts = append(scripts, m.scripts[AllKinds]...)
	scripts = append(scripts, m.scripts[kind]...)
	m.mu.RUnlock()

	if len(scripts) == 0 {
		return payload, nil
	}

	current := payload
	for _, s := range scripts {
		next, err := m.run(s, kind, current)
		if err != nil {
			metrics.ScriptErrors.WithLabelValues(kind).Inc()
			return nil, fmt.Errorf("normalizer %s: %w", s.Name, err)
		}
		current = next
	}
	return current, nil
}

// run executes one script with the timeout; the payload is deep-copied into the VM
func (m *Manager) run(s *Script, kind string, payload map[string]any) (map[string]any, error) {
	input, err := clonePayload(payload)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	runtime := NewRuntime(m.logger.With().Str("normalizer", s.Name).Logger())

	type result struct {
		out map[string]any
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		out, err := m.execute(runtime, s, kind, input)
		resultCh <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		runtime.Interrupt("timeout")
		m.logger.Warn().
			Str("normalizer", s.Name).
			Dur("timeout", m.timeout).
			Msg("normalizer execution timed out")
		return nil, ErrTimeout
	case r := <-resultCh:
		return r.out, r.err
	}
}

func (m *Manager) execute(runtime *Runtime, s *Script, kind string, payload map[string]any) (map[string]any, error) {
	if _, err := runtime.RunScript(s.Source); err != nil {
		return nil, fmt.Errorf("script error: %w", err)
	}

	vm := runtime.VM()
	normalizeVal := vm.Get("normalize")
	if normalizeVal == nil || goja.IsUndefined(normalizeVal) {
		return nil, fmt.Errorf("normalize function not defined")
	}
	normalize, ok := goja.AssertFunction(normalizeVal)
	if !ok {
		return nil, fmt.Errorf("normalize is not a function")
	}

	value, err := normalize(goja.Undefined(), vm.ToValue(payload), vm.ToValue(kind))
	if err != nil {
		var jsErr *goja.Exception
		if errors.As(err, &jsErr) {
			return nil, fmt.Errorf("%s", jsErr.String())
		}
		return nil, err
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return payload, nil
	}
	out, ok := value.Export().(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("normalize must return an object, got %T", value.Export())
	}
	return out, nil
}

func clonePayload(payload map[string]any) (map[string]any, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to copy payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy payload: %w", err)
	}
	if out == nil {
		out = make(map[string]any)
	}
	return out, nil
}

// Close drops every loaded normalizer
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = make(map[string][]*Script)
	m.logger.Info().Msg("normalizer manager closed")
}
