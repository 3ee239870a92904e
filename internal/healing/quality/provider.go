package quality

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// Provider returns the compiled rules for a pipeline, in evaluation order.
type Provider interface {
	Rules(ctx context.Context, pipelineID string) ([]Rule, error)
}

// RuleSet is the serialized form of per-pipeline rules. The "*" entry applies
// to pipelines without their own list.
type RuleSet map[string][]RuleSpec

const wildcard = "*"

func compileSet(reg *Registry, set RuleSet) (map[string][]Rule, error) {
	out := make(map[string][]Rule, len(set))
	for pipelineID, specs := range set {
		rules, err := reg.Compile(specs)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", pipelineID, err)
		}
		out[pipelineID] = rules
	}
	return out, nil
}

func lookup(rules map[string][]Rule, pipelineID string) []Rule {
	if r, ok := rules[pipelineID]; ok {
		return r
	}
	return rules[wildcard]
}

// StaticProvider serves rules compiled once at startup.
type StaticProvider struct {
	rules map[string][]Rule
}

// NewStaticProvider compiles set against reg.
func NewStaticProvider(reg *Registry, set RuleSet) (*StaticProvider, error) {
	rules, err := compileSet(reg, set)
	if err != nil {
		return nil, err
	}
	return &StaticProvider{rules: rules}, nil
}

func (p *StaticProvider) Rules(ctx context.Context, pipelineID string) ([]Rule, error) {
	return lookup(p.rules, pipelineID), nil
}

// debounceDelay waits for editor writes to settle before reloading
const debounceDelay = 250 * time.Millisecond

// FileProvider serves rules from a YAML file and reloads it on change.
// A file that fails to compile keeps the previous rules in place.
type FileProvider struct {
	path     string
	registry *Registry
	logger   *slog.Logger

	mu    sync.RWMutex
	rules map[string][]Rule
}

// NewFileProvider loads path once. Call Watch to follow changes.
func NewFileProvider(path string, reg *Registry, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &FileProvider{path: path, registry: reg, logger: logger.With("rules", path)}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileProvider) Rules(ctx context.Context, pipelineID string) ([]Rule, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return lookup(p.rules, pipelineID), nil
}

// Reload reads and compiles the rule file.
func (p *FileProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("failed to read rule file: %w", err)
	}
	var set RuleSet
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &set); err != nil {
		return fmt.Errorf("failed to parse rule file: %w", err)
	}
	rules, err := compileSet(p.registry, set)
	if err != nil {
		return fmt.Errorf("failed to compile rule file: %w", err)
	}
	p.mu.Lock()
	p.rules = rules
	p.mu.Unlock()
	return nil
}

// Watch reloads the file when it changes until ctx is cancelled. The parent
// directory is watched so atomic renames by editors are seen.
func (p *FileProvider) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(p.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", p.path, err)
	}

	target := filepath.Clean(p.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := p.Reload(); err != nil {
					p.logger.Error("Failed to reload quality rules, keeping previous set", "error", err)
					return
				}
				p.logger.Info("Reloaded quality rules")
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("Rule watcher error", "error", err)
		}
	}
}
