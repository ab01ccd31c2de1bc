package policy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	agentsexec "github.com/rcourtman/kubebroker/pkg/agents/executor"
)

// DefaultReloadInterval is how often the policy file is re-read even without a file event.
const DefaultReloadInterval = 30 * time.Second

// Parse decodes a YAML policy, filling unset fields from DefaultPolicy.
func Parse(data []byte) (Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	return p.withDefaults()
}

// LoadFile reads and parses a policy file.
func LoadFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Enforcer holds the active policy and keeps it in sync with its file. A reload that fails
// leaves the previous policy in force.
type Enforcer struct {
	path         string
	interval     time.Duration
	modeOverride agentsexec.SecurityMode
	logger       zerolog.Logger

	mu       sync.RWMutex
	policy   Policy
	lastMod  time.Time
	onChange func(Policy)
}

// EnforcerOption configures an Enforcer.
type EnforcerOption func(*Enforcer)

// WithModeOverride forces mode regardless of what the file says.
func WithModeOverride(mode agentsexec.SecurityMode) EnforcerOption {
	return func(e *Enforcer) { e.modeOverride = mode }
}

// WithReloadInterval sets the periodic reload interval.
func WithReloadInterval(d time.Duration) EnforcerOption {
	return func(e *Enforcer) {
		if d > 0 {
			e.interval = d
		}
	}
}

// OnChange registers fn to be called after every successful reload that changed the policy.
func OnChange(fn func(Policy)) EnforcerOption {
	return func(e *Enforcer) { e.onChange = fn }
}

// NewEnforcer loads path (or DefaultPolicy when path is empty). The initial load must
// succeed; later reload failures are logged and ignored.
func NewEnforcer(path string, opts ...EnforcerOption) (*Enforcer, error) {
	e := &Enforcer{
		path:     strings.TrimSpace(path),
		interval: DefaultReloadInterval,
		logger:   log.With().Str("component", "policy").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	p := DefaultPolicy()
	if e.path != "" {
		loaded, err := LoadFile(e.path)
		if err != nil {
			return nil, err
		}
		p = loaded
		if stat, err := os.Stat(e.path); err == nil {
			e.lastMod = stat.ModTime()
		}
	}
	e.set(p)
	return e, nil
}

func (e *Enforcer) set(p Policy) {
	if e.modeOverride != "" {
		p.Mode = e.modeOverride
	}
	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
}

// Policy returns the active policy.
func (e *Enforcer) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Validate checks args against the active policy.
func (e *Enforcer) Validate(args []string) Decision {
	return Validate(args, e.Policy())
}

// Capabilities reports the active policy for clusterID.
func (e *Enforcer) Capabilities(clusterID, version string) agentsexec.Capabilities {
	return e.Policy().Capabilities(clusterID, version)
}

// Reload re-reads the policy file. It is a no-op without a file.
func (e *Enforcer) Reload() error {
	if e.path == "" {
		return nil
	}
	p, err := LoadFile(e.path)
	if err != nil {
		e.logger.Error().Err(err).Str("path", e.path).Msg("Policy reload failed; keeping previous policy")
		return err
	}

	before := e.Policy()
	e.set(p)
	after := e.Policy()

	if stat, err := os.Stat(e.path); err == nil {
		e.mu.Lock()
		e.lastMod = stat.ModTime()
		e.mu.Unlock()
	}

	if !equalPolicy(before, after) {
		e.logger.Info().
			Str("path", e.path).
			Str("mode", string(after.Mode)).
			Strs("verbs", after.EffectiveVerbs()).
			Msg("Policy reloaded")
		if e.onChange != nil {
			e.onChange(after)
		}
	}
	return nil
}

// Run watches the policy file until ctx is done. It reloads on file events and on every
// interval tick, so edits are picked up even where fsnotify is unavailable.
func (e *Enforcer) Run(ctx context.Context) error {
	if e.path == "" {
		<-ctx.Done()
		return nil
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		e.logger.Warn().Err(err).Msg("File watching unavailable; falling back to interval reloads")
	} else {
		defer watcher.Close()
		// Watch the directory: editors and ConfigMap updates replace the file.
		dir := filepath.Dir(e.path)
		if err := watcher.Add(dir); err != nil {
			e.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch policy directory")
		} else {
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info().Str("path", e.path).Dur("interval", e.interval).Msg("Watching policy file")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !e.relevant(event) {
				continue
			}
			// Debounce - wait a bit for write to complete
			time.Sleep(100 * time.Millisecond)
			_ = e.Reload()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			e.logger.Error().Err(err).Msg("Policy watcher error")
		case <-ticker.C:
			if e.changedOnDisk() {
				_ = e.Reload()
			}
		}
	}
}

func (e *Enforcer) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := filepath.Clean(event.Name)
	// Kubernetes ConfigMap mounts swap a ..data symlink rather than the file itself.
	return name == filepath.Clean(e.path) || strings.Contains(filepath.Base(name), "..data")
}

func (e *Enforcer) changedOnDisk() bool {
	stat, err := os.Stat(e.path)
	if err != nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !stat.ModTime().Equal(e.lastMod)
}

func equalPolicy(a, b Policy) bool {
	return a.Mode == b.Mode &&
		strings.Join(a.AllowedVerbs, ",") == strings.Join(b.AllowedVerbs, ",") &&
		strings.Join(a.ExtendedVerbs, ",") == strings.Join(b.ExtendedVerbs, ",") &&
		strings.Join(a.RestrictedResources, ",") == strings.Join(b.RestrictedResources, ",") &&
		strings.Join(a.AllowedFlags, ",") == strings.Join(b.AllowedFlags, ",")
}
