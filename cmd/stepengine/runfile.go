package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/stepengine/access"
	"github.com/GoCodeAlone/stepengine/scope"
	"github.com/GoCodeAlone/stepengine/step"
)

// runFile is an ordered list of steps executed as one run.
type runFile struct {
	Scope     scope.Scope      `yaml:"scope"`
	Principal access.Principal `yaml:"principal"`
	// Poll is how often a running step is checked for completion.
	Poll  time.Duration `yaml:"poll"`
	Steps []runStep     `yaml:"steps"`
}

type runStep struct {
	Name              string         `yaml:"name"`
	Type              string         `yaml:"type"`
	Params            map[string]any `yaml:"params"`
	Timeout           time.Duration  `yaml:"timeout"`
	Selectors         []string       `yaml:"selectors"`
	ContinueOnFailure bool           `yaml:"continueOnFailure"`
}

func loadRunFile(path string) (*runFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}
	return parseRunFile(data)
}

func parseRunFile(data []byte) (*runFile, error) {
	var rf runFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &rf); err != nil {
		return nil, fmt.Errorf("failed to parse run file: %w", err)
	}
	if err := rf.Scope.Validate(); err != nil {
		return nil, fmt.Errorf("run file: %w", err)
	}
	if len(rf.Steps) == 0 {
		return nil, fmt.Errorf("run file: no steps")
	}
	for i, s := range rf.Steps {
		if s.Type == "" {
			return nil, fmt.Errorf("run file: steps[%d]: type is required", i)
		}
		if s.Name == "" {
			rf.Steps[i].Name = fmt.Sprintf("step-%d", i+1)
		}
	}
	if rf.Poll <= 0 {
		rf.Poll = 250 * time.Millisecond
	}
	return &rf, nil
}

// execute runs the steps in order, waiting for each to finish. A failed
// step stops the run unless it is marked continueOnFailure.
func (rf *runFile) execute(ctx context.Context, exec *step.Executor, logger *slog.Logger) error {
	for _, s := range rf.Steps {
		params, err := json.Marshal(s.Params)
		if err != nil {
			return fmt.Errorf("step %s: encode params: %w", s.Name, err)
		}
		inst, err := exec.Start(ctx, step.StartRequest{
			StepType:  s.Type,
			Name:      s.Name,
			Scope:     rf.Scope,
			Principal: rf.Principal,
			Params:    params,
			Timeout:   s.Timeout,
			Selectors: s.Selectors,
		})
		if err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
		inst, err = waitTerminal(ctx, exec, inst, rf.Poll)
		if err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}

		switch inst.Phase {
		case step.PhaseSucceeded:
			logger.Info("step succeeded", "step", s.Name, "instance_id", inst.ID, "identifiers", inst.Outcome.Identifiers)
		case step.PhaseSkipped:
			logger.Info("step skipped", "step", s.Name, "instance_id", inst.ID, "reason", inst.SkipReason)
		default:
			logger.Error("step failed", "step", s.Name, "instance_id", inst.ID,
				"kind", inst.Failure.Kind, "message", inst.Failure.Message)
			if !s.ContinueOnFailure {
				return fmt.Errorf("step %s: %w", s.Name, inst.Failure)
			}
		}
	}
	return nil
}

func waitTerminal(ctx context.Context, exec *step.Executor, inst *step.Instance, poll time.Duration) (*step.Instance, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for !inst.Phase.Terminal() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		var err error
		if inst, err = exec.Get(ctx, inst.ID); err != nil {
			return nil, err
		}
	}
	return inst, nil
}
