package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/stepengine/access"
	"github.com/GoCodeAlone/stepengine/classify"
	"github.com/GoCodeAlone/stepengine/continuation"
	"github.com/GoCodeAlone/stepengine/metrics"
	"github.com/GoCodeAlone/stepengine/observability/tracing"
	"github.com/GoCodeAlone/stepengine/scale"
	"github.com/GoCodeAlone/stepengine/scope"
	"github.com/GoCodeAlone/stepengine/task"
)

// Options are the Executor's collaborators. Dispatcher, Instances and
// Correlations are required; the rest have defaults.
type Options struct {
	Dispatcher   Dispatcher
	Instances    InstanceStore
	Correlations CorrelationTable
	Outcomes     OutcomeSink
	// Reader defaults to Outcomes when it also implements OutcomeReader.
	Reader OutcomeReader

	// Lock serializes callbacks per instance. Use a distributed lock when
	// more than one engine process shares the stores.
	Lock    scale.Lock
	LockTTL time.Duration
	// ReapGrace is added to an envelope's timeout to form the correlation
	// deadline the reaper acts on, so the dispatcher's own timer fires first.
	ReapGrace      time.Duration
	DefaultTimeout time.Duration

	Metrics *metrics.Collector
	Tracer  *tracing.StepTracer
	Logger  *slog.Logger
	Now     func() time.Time
}

// Executor runs step instances through their lifecycle.
type Executor struct {
	opts     Options
	machines map[string]Machine
	logger   *slog.Logger
	tracer   *tracing.StepTracer
}

// NewExecutor validates opts, fills defaults and registers machines.
func NewExecutor(opts Options, machines ...Machine) (*Executor, error) {
	var errs []error
	if opts.Dispatcher == nil {
		errs = append(errs, errors.New("executor: dispatcher is required"))
	}
	if opts.Instances == nil {
		errs = append(errs, errors.New("executor: instance store is required"))
	}
	if opts.Correlations == nil {
		errs = append(errs, errors.New("executor: correlation table is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if opts.Reader == nil {
		if r, ok := opts.Outcomes.(OutcomeReader); ok {
			opts.Reader = r
		}
	}
	if opts.Lock == nil {
		opts.Lock = scale.NewInMemoryLock()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.ReapGrace <= 0 {
		opts.ReapGrace = 30 * time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Minute
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.NewStepTracer(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	e := &Executor{
		opts:     opts,
		machines: make(map[string]Machine, len(machines)),
		logger:   opts.Logger,
		tracer:   opts.Tracer,
	}
	for _, m := range machines {
		if err := e.Register(m); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register adds a step type. Registering the same type twice is an error.
func (e *Executor) Register(m Machine) error {
	if _, dup := e.machines[m.Type()]; dup {
		return fmt.Errorf("executor: step type %q already registered", m.Type())
	}
	e.machines[m.Type()] = m
	return nil
}

// Types returns the registered step types, sorted.
func (e *Executor) Types() []string {
	out := make([]string, 0, len(e.machines))
	for t := range e.machines {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// StartRequest describes a step instance to start.
type StartRequest struct {
	// ID is generated when empty.
	ID       string
	StepType string
	// Name is the key the outcome is published under. Defaults to ID.
	Name      string
	Scope     scope.Scope
	Principal access.Principal
	Params    json.RawMessage
	Timeout   time.Duration
	Selectors []string
}

// Start creates an instance, validates it and runs Begin. The instance comes
// back dispatched, skipped or failed. A returned error means the engine's
// own stores failed; validation problems fail the instance instead.
func (e *Executor) Start(ctx context.Context, req StartRequest) (*Instance, error) {
	m, ok := e.machines[req.StepType]
	if !ok {
		return nil, fmt.Errorf("start step: %w: %q", ErrUnknownStepType, req.StepType)
	}
	if err := req.Scope.Validate(); err != nil {
		return nil, fmt.Errorf("start step: %w", err)
	}

	now := e.opts.Now()
	inst := &Instance{
		ID:        req.ID,
		StepType:  req.StepType,
		Name:      req.Name,
		Scope:     req.Scope,
		Principal: req.Principal,
		Params:    slices.Clone(req.Params),
		Timeout:   req.Timeout,
		Selectors: task.NormalizeSelectors(req.Selectors),
		Phase:     PhaseInit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.Name == "" {
		inst.Name = inst.ID
	}
	if inst.Timeout <= 0 {
		inst.Timeout = e.opts.DefaultTimeout
	}

	release, err := e.lock(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.opts.Instances.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("start step %s: %w", inst.ID, err)
	}

	ctx, span := e.tracer.StartPhase(ctx, "begin", inst.StepType, inst.ID)
	defer span.End()

	exec := NewExecution(inst, e.opts.Reader)
	if err := m.Validate(ctx, exec, inst.Params); err != nil {
		return e.fail(ctx, span, inst, validationFailure(err, nil))
	}
	if err := e.transition(inst, PhaseValidated); err != nil {
		return nil, err
	}
	if err := e.save(ctx, inst); err != nil {
		return nil, err
	}

	dec, err := m.Begin(ctx, exec, inst.Params)
	if err != nil {
		return e.fail(ctx, span, inst, validationFailure(err, nil))
	}
	switch d := dec.(type) {
	case Skip:
		return e.skip(ctx, span, inst, d.Reason)
	case Dispatch:
		return e.dispatch(ctx, span, inst, d)
	default:
		return e.fail(ctx, span, inst, classify.Failure(classify.KindValidation,
			fmt.Sprintf("step type %s: begin returned %T", inst.StepType, dec), nil))
	}
}

// Resume hands result to the instance awaiting it. Callers obtain
// instanceID by taking the result's correlation id from the correlation
// table, which guarantees a result is resumed at most once.
func (e *Executor) Resume(ctx context.Context, instanceID string, result task.Result) (*Instance, error) {
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("resume step %s: %w", instanceID, err)
	}

	release, err := e.lock(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := e.opts.Instances.Load(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("resume step %s: %w", instanceID, err)
	}
	if inst.Phase.Terminal() {
		return nil, fmt.Errorf("resume step %s: %w", instanceID, ErrInstanceTerminal)
	}
	if inst.Phase != PhaseDispatched {
		return nil, &PhaseError{InstanceID: inst.ID, Phase: inst.Phase, Operation: "resume", Reason: "not awaiting a response"}
	}
	if cid := result.CorrelationID(); cid != inst.InFlight {
		return nil, &PhaseError{InstanceID: inst.ID, Phase: inst.Phase, Operation: "resume",
			Reason: fmt.Sprintf("result %s does not match in-flight envelope %s", cid, inst.InFlight)}
	}
	m, ok := e.machines[inst.StepType]
	if !ok {
		return nil, fmt.Errorf("resume step %s: %w: %q", instanceID, ErrUnknownStepType, inst.StepType)
	}

	ctx, span := e.tracer.StartPhase(ctx, "resume", inst.StepType, inst.ID)
	defer span.End()

	e.opts.Metrics.AddInFlight(inst.StepType, -1)
	e.opts.Metrics.ObserveResume(inst.StepType, e.opts.Now().Sub(inst.DispatchedAt))

	inst.Trail = append(inst.Trail, result.Progress()...)
	inst.InFlight = ""
	if err := e.transition(inst, PhaseResuming); err != nil {
		return nil, err
	}

	state, err := continuation.Unmarshal(inst.Continuation)
	if err != nil {
		return e.fail(ctx, span, inst, classify.Failure(classify.KindDataExchange,
			"stored continuation could not be decoded", inst.Trail, err))
	}

	exec := NewExecution(inst, e.opts.Reader)
	dec, err := m.Resume(ctx, exec, state, result)
	if err != nil {
		return e.fail(ctx, span, inst, validationFailure(err, inst.Trail))
	}
	switch d := dec.(type) {
	case Dispatch:
		return e.dispatch(ctx, span, inst, d)
	case Finalize:
		return e.finalize(ctx, span, m, exec, inst, d.State, result)
	default:
		return e.fail(ctx, span, inst, classify.Failure(classify.KindValidation,
			fmt.Sprintf("step type %s: resume returned %T", inst.StepType, dec), inst.Trail))
	}
}

// Cancel fails a non-terminal instance with a Cancelled error and asks the
// worker to stop the envelope it holds, if any. A result arriving later is
// dropped by the correlation table.
func (e *Executor) Cancel(ctx context.Context, instanceID, reason string) (*Instance, error) {
	release, err := e.lock(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	inst, err := e.opts.Instances.Load(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("cancel step %s: %w", instanceID, err)
	}
	if inst.Phase.Terminal() {
		return nil, fmt.Errorf("cancel step %s: %w", instanceID, ErrInstanceTerminal)
	}

	ctx, span := e.tracer.StartPhase(ctx, "cancel", inst.StepType, inst.ID)
	defer span.End()

	if id := inst.InFlight; id != "" {
		if _, err := e.opts.Correlations.Take(ctx, id); err != nil && !errors.Is(err, ErrCorrelationNotFound) {
			return nil, fmt.Errorf("cancel step %s: %w", instanceID, err)
		}
		if err := e.opts.Dispatcher.Cancel(ctx, id, reason); err != nil {
			e.logger.Warn("cancel request not delivered", "instance", inst.ID, "correlation_id", id, "error", err)
		}
		e.opts.Metrics.AddInFlight(inst.StepType, -1)
		inst.InFlight = ""
	}

	msg := "step cancelled"
	if reason != "" {
		msg += ": " + reason
	}
	return e.fail(ctx, span, inst, classify.Failure(classify.KindCancelled, msg, inst.Trail))
}

// Get returns the stored instance.
func (e *Executor) Get(ctx context.Context, instanceID string) (*Instance, error) {
	return e.opts.Instances.Load(ctx, instanceID)
}

// dispatch persists the continuation and registers the correlation before
// anything leaves the process, so a result can never outrun its state.
func (e *Executor) dispatch(ctx context.Context, span trace.Span, inst *Instance, d Dispatch) (*Instance, error) {
	if inst.Phase.Terminal() {
		return nil, fmt.Errorf("dispatch step %s: %w", inst.ID, ErrInstanceTerminal)
	}
	if d.Envelope == nil || d.State == nil {
		return e.fail(ctx, span, inst, classify.Failure(classify.KindValidation,
			"dispatch decision needs an envelope and a continuation", inst.Trail))
	}
	if d.State.Kind() == continuation.KindTerminal {
		return e.fail(ctx, span, inst, classify.Failure(classify.KindValidation,
			"cannot suspend on a terminal continuation", inst.Trail))
	}

	env := d.Envelope.Clone()
	if env.CorrelationID == "" {
		env.CorrelationID = task.NewCorrelationID()
	}
	if env.Timeout <= 0 {
		env.Timeout = inst.Timeout
	}
	if len(env.Selectors) == 0 {
		env.Selectors = slices.Clone(inst.Selectors)
	}
	if err := env.Validate(); err != nil {
		return e.fail(ctx, span, inst, validationFailure(err, inst.Trail))
	}
	blob, err := continuation.Marshal(d.State)
	if err != nil {
		return e.fail(ctx, span, inst, validationFailure(err, inst.Trail))
	}

	if err := e.transition(inst, PhaseDispatched); err != nil {
		return nil, err
	}
	now := e.opts.Now()
	inst.InFlight = env.CorrelationID
	inst.Continuation = blob
	inst.Dispatches++
	inst.DispatchedAt = now
	if err := e.save(ctx, inst); err != nil {
		inst.InFlight = ""
		return e.fail(ctx, span, inst, classify.Failure(classify.KindTransportFailure,
			"suspension of "+env.OperationType+" could not be stored", inst.Trail, err))
	}
	deadline := now.Add(env.Timeout + e.opts.ReapGrace)
	if err := e.opts.Correlations.Register(ctx, env.CorrelationID, inst.ID, deadline); err != nil {
		inst.InFlight = ""
		return e.fail(ctx, span, inst, classify.Failure(classify.KindTransportFailure,
			"correlation for "+env.OperationType+" could not be registered", inst.Trail, err))
	}

	e.tracer.RecordDispatch(span, env.CorrelationID, env.OperationType)
	if _, err := e.opts.Dispatcher.Dispatch(ctx, env); err != nil {
		if _, terr := e.opts.Correlations.Take(ctx, env.CorrelationID); terr != nil && !errors.Is(terr, ErrCorrelationNotFound) {
			e.logger.Warn("correlation not released", "instance", inst.ID, "correlation_id", env.CorrelationID, "error", terr)
		}
		inst.InFlight = ""
		return e.fail(ctx, span, inst, classify.Failure(classify.KindTransportFailure,
			"dispatch "+env.OperationType+" failed", inst.Trail, err))
	}

	e.opts.Metrics.RecordDispatch(inst.StepType, env.OperationType)
	e.opts.Metrics.AddInFlight(inst.StepType, 1)
	e.tracer.RecordPhase(span, string(inst.Phase))
	e.logger.Debug("step dispatched",
		"instance", inst.ID, "type", inst.StepType, "operation", env.OperationType,
		"correlation_id", env.CorrelationID, "timeout", env.Timeout)
	return inst.Clone(), nil
}

func (e *Executor) finalize(ctx context.Context, span trace.Span, m Machine, exec *Execution, inst *Instance, state continuation.State, result task.Result) (*Instance, error) {
	verdict := m.Finalize(ctx, exec, state, result)
	if !verdict.Succeeded() {
		f := verdict.Failure
		if f == nil {
			f = classify.Failure(classify.KindDataExchange, "step produced neither an outcome nor a failure", nil)
		}
		return e.fail(ctx, span, inst, f)
	}

	if err := e.transition(inst, PhaseSucceeded); err != nil {
		return nil, err
	}
	inst.Outcome = verdict.Outcome
	out, err := e.terminate(ctx, span, inst, "", "succeeded")
	if err != nil {
		return nil, err
	}
	e.tracer.SetSuccess(span)
	if e.opts.Outcomes != nil {
		if err := e.opts.Outcomes.Publish(ctx, inst.Scope, inst.Name, verdict.Outcome); err != nil {
			return out, fmt.Errorf("publish outcome of step %s: %w", inst.ID, err)
		}
	}
	return out, nil
}

func (e *Executor) skip(ctx context.Context, span trace.Span, inst *Instance, reason string) (*Instance, error) {
	if err := e.transition(inst, PhaseSkipped); err != nil {
		return nil, err
	}
	inst.SkipReason = reason
	e.tracer.SetSuccess(span)
	return e.terminate(ctx, span, inst, "", "skipped: "+reason)
}

func (e *Executor) fail(ctx context.Context, span trace.Span, inst *Instance, f *classify.FailureInfo) (*Instance, error) {
	if err := e.transition(inst, PhaseFailed); err != nil {
		return nil, err
	}
	f.Progress = slices.Clone(inst.Trail)
	inst.Failure = f
	e.tracer.RecordFailure(span, string(f.Kind), f)
	return e.terminate(ctx, span, inst, f.Kind, f.Message)
}

// terminate stores the terminal continuation. After it returns the instance
// accepts no further callbacks.
func (e *Executor) terminate(ctx context.Context, span trace.Span, inst *Instance, kind classify.ErrorKind, reason string) (*Instance, error) {
	blob, err := continuation.Marshal(continuation.Terminal{Reason: reason})
	if err != nil {
		return nil, err
	}
	now := e.opts.Now()
	inst.InFlight = ""
	inst.Continuation = blob
	inst.FinishedAt = &now
	if err := e.save(ctx, inst); err != nil {
		return nil, err
	}

	e.opts.Metrics.RecordTerminal(inst.StepType, string(inst.Phase), string(kind))
	e.tracer.RecordPhase(span, string(inst.Phase))
	attrs := []any{"instance", inst.ID, "type", inst.StepType, "phase", inst.Phase, "dispatches", inst.Dispatches}
	if kind != "" {
		e.logger.Warn("step failed", append(attrs, "kind", kind, "reason", reason)...)
	} else {
		e.logger.Info("step finished", append(attrs, "reason", reason)...)
	}
	return inst.Clone(), nil
}

func (e *Executor) transition(inst *Instance, next Phase) error {
	if !inst.Phase.CanTransition(next) {
		return &PhaseError{InstanceID: inst.ID, Phase: inst.Phase, Operation: "move to " + string(next), Reason: "transition not allowed"}
	}
	inst.Phase = next
	inst.UpdatedAt = e.opts.Now()
	return nil
}

func (e *Executor) save(ctx context.Context, inst *Instance) error {
	if err := e.opts.Instances.Save(ctx, inst); err != nil {
		return fmt.Errorf("save step %s: %w", inst.ID, err)
	}
	return nil
}

func (e *Executor) lock(ctx context.Context, instanceID string) (func(), error) {
	release, err := e.opts.Lock.Acquire(ctx, "step:"+instanceID, e.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock step %s: %w", instanceID, err)
	}
	return release, nil
}

func validationFailure(err error, trail []task.ProgressRecord) *classify.FailureInfo {
	msg := err.Error()
	var ve *ValidationError
	if errors.As(err, &ve) {
		msg = ve.Reason
	}
	return classify.Failure(classify.KindValidation, msg, trail, err)
}
