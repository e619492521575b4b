package sla

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/oversight-labs/phasegate/pkg/phase"
)

// policyFileConstraint gates sla.yaml documents to the config major version
// this build understands.
const policyFileConstraint = "^1"

type policyFile struct {
	Version  string            `yaml:"version"`
	Policies map[string]Policy `yaml:"policies"`
}

// FileSource serves policies from an sla.yaml document and hot-reloads it
// when the file changes. A failed reload keeps the previous snapshot in
// effect, so a half-written or invalid file never drops configured SLAs.
type FileSource struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current map[phase.Name]Policy

	watcher *fsnotify.Watcher
}

// NewFileSource loads path. The initial load must succeed; hot reload starts
// only when Watch is called.
func NewFileSource(path string, logger *slog.Logger) (*FileSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	policies, err := loadPolicyFile(path)
	if err != nil {
		return nil, err
	}
	return &FileSource{path: path, logger: logger, current: policies}, nil
}

// PolicyFor implements Source against the current snapshot.
func (s *FileSource) PolicyFor(name phase.Name) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.current[name]
	return p, ok
}

// Watch re-reads the file whenever it changes, until ctx is done. The watch
// covers the parent directory so editors that save by rename still trigger
// a reload.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sla: start policy watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("sla: watch %s: %w", dir, err)
	}
	s.watcher = watcher

	go s.processEvents(ctx)
	s.logger.Info("sla: policy file watch started", "path", s.path)
	return nil
}

// Close stops the watcher. Safe to call when Watch was never started.
func (s *FileSource) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

func (s *FileSource) processEvents(ctx context.Context) {
	base := filepath.Base(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("sla: policy watch error", "error", err)
		}
	}
}

// reload swaps in the file's current content. On error the previous
// snapshot stays in effect.
func (s *FileSource) reload() {
	policies, err := loadPolicyFile(s.path)
	if err != nil {
		s.logger.Warn("sla: policy reload failed, keeping previous snapshot",
			"path", s.path,
			"error", err,
		)
		return
	}
	s.mu.Lock()
	s.current = policies
	s.mu.Unlock()
	s.logger.Info("sla: policies reloaded", "path", s.path, "phases", len(policies))
}

func loadPolicyFile(path string) (map[phase.Name]Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return parsePolicyFile(raw)
}

// parsePolicyFile parses an sla.yaml document. Phase keys accept the same
// spellings phase.Parse does.
func parsePolicyFile(raw []byte) (map[phase.Name]Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := checkPolicyVersion(file.Version); err != nil {
		return nil, err
	}
	out := make(map[phase.Name]Policy, len(file.Policies))
	for key, p := range file.Policies {
		name, err := phase.Parse(key)
		if err != nil {
			return nil, fmt.Errorf("policy file: %w", err)
		}
		if p.Hours <= 0 {
			return nil, fmt.Errorf("policy file: phase %q: hours must be positive, got %d", name, p.Hours)
		}
		out[name] = p
	}
	return out, nil
}

func checkPolicyVersion(version string) error {
	if version == "" {
		return fmt.Errorf("policy file has no version")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("policy file version %q: %w", version, err)
	}
	constraint, err := semver.NewConstraint(policyFileConstraint)
	if err != nil {
		return fmt.Errorf("policy version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("policy file version %s is outside supported range %s", version, policyFileConstraint)
	}
	return nil
}
