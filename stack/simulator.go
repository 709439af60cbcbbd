package stack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/stepengine/dispatch"
	"github.com/GoCodeAlone/stepengine/task"
)

// Stack is a stack held by a Simulator.
type Stack struct {
	ID           string
	Name         string
	Region       string
	TemplateRef  string
	Parameters   map[string]string
	Capabilities []string
	Status       string
}

// Simulator is an in-memory provisioning backend served through a
// dispatch.Worker. It stands in for real workers in single-binary
// deployments and tests.
type Simulator struct {
	mu        sync.Mutex
	templates map[string]string
	stacks    map[string]*Stack
	failures  map[string]string
	// Latency delays every operation.
	Latency time.Duration
}

// NewSimulator creates an empty Simulator.
func NewSimulator() *Simulator {
	return &Simulator{
		templates: make(map[string]string),
		stacks:    make(map[string]*Stack),
		failures:  make(map[string]string),
	}
}

// AddTemplate makes a template body fetchable under ref.
func (s *Simulator) AddTemplate(ref, body string) {
	s.mu.Lock()
	s.templates[ref] = body
	s.mu.Unlock()
}

// FailNext makes the next run of operationType fail with message.
func (s *Simulator) FailNext(operationType, message string) {
	s.mu.Lock()
	s.failures[operationType] = message
	s.mu.Unlock()
}

// Seed adds a stack the engine did not create.
func (s *Simulator) Seed(st Stack) {
	if st.ID == "" {
		st.ID = fmt.Sprintf("arn:stepengine:%s:stack/%s/%s", st.Region, st.Name, uuid.NewString())
	}
	if st.Status == "" {
		st.Status = "CREATE_COMPLETE"
	}
	s.mu.Lock()
	s.stacks[stackKey(st.Name, st.Region)] = &st
	s.mu.Unlock()
}

// Stack returns a copy of the stack at name and region.
func (s *Simulator) Stack(name, region string) (Stack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stacks[stackKey(name, region)]
	if !ok {
		return Stack{}, false
	}
	return *st, true
}

// Register installs the simulator's operations on w.
func (s *Simulator) Register(w *dispatch.Worker) {
	w.Handle(OpFetchTemplate, s.fetch)
	w.Handle(OpCreate, s.apply)
	w.Handle(OpUpdate, s.apply)
	w.Handle(OpDelete, s.delete)
}

func stackKey(name, region string) string { return region + "/" + name }

// begin waits out the latency and consumes an injected failure.
func (s *Simulator) begin(ctx context.Context, op string) error {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.failures[op]; ok {
		delete(s.failures, op)
		return errors.New(msg)
	}
	return nil
}

func (s *Simulator) fetch(ctx context.Context, env *task.Envelope, progress *dispatch.Progress) ([]byte, error) {
	var req FetchRequest
	if err := json.Unmarshal(env.Parameters, &req); err != nil {
		return nil, fmt.Errorf("decode fetch request: %w", err)
	}
	if err := s.begin(ctx, env.OperationType); err != nil {
		progress.Fail(UnitFetchTemplate)
		return nil, err
	}
	s.mu.Lock()
	body, ok := s.templates[req.TemplateRef]
	_, exists := s.stacks[stackKey(req.StackName, req.Region)]
	s.mu.Unlock()
	if !ok {
		progress.Fail(UnitFetchTemplate)
		return nil, fmt.Errorf("template %s not found", req.TemplateRef)
	}
	progress.Done(UnitFetchTemplate)
	return json.Marshal(map[string]any{"templateBody": body, "stackExists": exists})
}

func (s *Simulator) apply(ctx context.Context, env *task.Envelope, progress *dispatch.Progress) ([]byte, error) {
	unit := UnitCreateStack
	if env.OperationType == OpUpdate {
		unit = UnitUpdateStack
	}
	var req OperationRequest
	if err := json.Unmarshal(env.Parameters, &req); err != nil {
		return nil, fmt.Errorf("decode operation request: %w", err)
	}
	if err := s.begin(ctx, env.OperationType); err != nil {
		progress.Fail(unit)
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := stackKey(req.StackName, req.Region)
	st, exists := s.stacks[key]
	switch {
	case env.OperationType == OpCreate && exists:
		progress.Fail(unit)
		return nil, fmt.Errorf("stack %s already exists in %s", req.StackName, req.Region)
	case env.OperationType == OpUpdate && !exists:
		progress.Fail(unit)
		return nil, fmt.Errorf("stack %s does not exist in %s", req.StackName, req.Region)
	case !exists:
		st = &Stack{
			ID:     fmt.Sprintf("arn:stepengine:%s:stack/%s/%s", req.Region, req.StackName, uuid.NewString()),
			Name:   req.StackName,
			Region: req.Region,
		}
		s.stacks[key] = st
	}
	st.TemplateRef = req.TemplateRef
	st.Parameters = maps.Clone(req.Parameters)
	st.Capabilities = req.Capabilities
	st.Status = "CREATE_COMPLETE"
	if env.OperationType == OpUpdate {
		st.Status = "UPDATE_COMPLETE"
		if req.Rollback {
			st.Status = "UPDATE_ROLLBACK_COMPLETE"
		}
	}
	progress.Done(unit)
	progress.Done(UnitWait)
	return json.Marshal(map[string]any{"stackId": st.ID, "stackStatus": st.Status})
}

func (s *Simulator) delete(ctx context.Context, env *task.Envelope, progress *dispatch.Progress) ([]byte, error) {
	var req OperationRequest
	if err := json.Unmarshal(env.Parameters, &req); err != nil {
		return nil, fmt.Errorf("decode operation request: %w", err)
	}
	if err := s.begin(ctx, env.OperationType); err != nil {
		progress.Fail(UnitDeleteStack)
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stackKey(req.StackName, req.Region)
	out := map[string]any{"stackStatus": "DELETE_COMPLETE"}
	if st, ok := s.stacks[key]; ok {
		out["stackId"] = st.ID
		delete(s.stacks, key)
	}
	progress.Done(UnitDeleteStack)
	progress.Done(UnitWait)
	return json.Marshal(out)
}
