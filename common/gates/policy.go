package gates

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lyzr/conductor/common/logger"
)

// Service evaluates quality gates against stage results and serves the
// active policy. Policy reload is atomic: a new table is swapped in only
// after the whole file parses and validates.
type Service struct {
	log    *logger.Logger
	policy atomic.Value // map[string][]Gate
}

// NewService creates a gate service seeded with the default policy
func NewService(log *logger.Logger) *Service {
	s := &Service{log: log}
	s.policy.Store(DefaultPolicy())
	return s
}

// Policy returns the gates registered under a policy name
func (s *Service) Policy(name string) []Gate {
	table := s.policy.Load().(map[string][]Gate)
	return table[name]
}

// Policies returns the active policy table
func (s *Service) Policies() map[string][]Gate {
	return s.policy.Load().(map[string][]Gate)
}

// Evaluate runs the named gates over a result document
func (s *Service) Evaluate(gateList []Gate, data map[string]any) Evaluation {
	eval := EvaluateAll(gateList, data)
	for _, r := range eval.Results {
		if !r.Passed && r.Blocking {
			s.log.Warn("blocking quality gate failed",
				"gate", r.GateName, "actual", r.ActualValue, "threshold", r.Threshold)
		}
	}
	return eval
}

// LoadPolicyFile replaces the active policy from a YAML file. The file
// holds a list of gate objects grouped into policies by gate name.
// Reload is idempotent; a broken file leaves the current policy in place.
func (s *Service) LoadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	var gateList []Gate
	if err := yaml.Unmarshal(data, &gateList); err != nil {
		return fmt.Errorf("failed to parse policy file %s: %w", path, err)
	}

	table := make(map[string][]Gate, len(gateList))
	for _, g := range gateList {
		if err := validateGate(g); err != nil {
			return fmt.Errorf("invalid policy file %s: %w", path, err)
		}
		table[g.Name] = append(table[g.Name], g)
	}

	s.policy.Store(table)
	s.log.Info("quality-gate policy loaded", "path", path, "policies", len(table))
	return nil
}

// Watch reloads the policy file whenever it changes, until ctx ends.
// Reload failures keep the previous policy.
func (s *Service) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch policy file %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.LoadPolicyFile(path); err != nil {
					s.log.Error("policy reload failed, keeping previous policy", "path", path, "error", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Error("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
