// Package dispatch routes work to the specialized agents. Agents register
// themselves by kind at init time; the dispatcher gives every run the same
// envelope: precondition checks against the artifact store, panic
// containment, output schema validation, artifact persistence, and
// telemetry. The scheduler and CLI consume only Result values.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/miyabi-org/miyabi/internal/artifact"
	"github.com/miyabi-org/miyabi/internal/common/apperr"
	"github.com/miyabi-org/miyabi/internal/common/logger"
	"github.com/miyabi-org/miyabi/internal/common/logger/tag"
	"github.com/miyabi-org/miyabi/internal/labels"
	"github.com/miyabi-org/miyabi/internal/platform"
	"github.com/miyabi-org/miyabi/internal/session"
	"github.com/miyabi-org/miyabi/internal/taskgraph"
	"github.com/miyabi-org/miyabi/internal/telemetry"
)

// Spec describes an agent's contract: the artifacts it needs in place
// before it runs and the artifact kind it produces.
type Spec struct {
	Kind        labels.AgentKind
	Description string
	Requires    []artifact.Kind
	Produces    artifact.Kind

	// NeedsWorkspace asks the dispatcher to host the run in a session with
	// an isolated worktree when a session manager is configured.
	NeedsWorkspace bool
}

// Runner executes one agent kind.
type Runner interface {
	Spec() Spec
	Run(ctx context.Context, req *Request, caps *Capabilities) (any, error)
}

var runnerRegistry = make(map[labels.AgentKind]Runner)

// Register adds a runner to the registry. Registering a kind twice replaces
// the earlier runner, which lets tests install fakes.
func Register(r Runner) {
	runnerRegistry[r.Spec().Kind] = r
}

// Lookup returns the runner registered for kind.
func Lookup(kind labels.AgentKind) (Runner, bool) {
	r, ok := runnerRegistry[kind]
	return r, ok
}

// Kinds returns the registered agent kinds in dispatch order.
func Kinds() []labels.AgentKind {
	kinds := make([]labels.AgentKind, 0, len(runnerRegistry))
	for k := range runnerRegistry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// GeneratedFile is one file emitted by the CodeGen agent and consumed by
// Review and PR.
type GeneratedFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Action  string `json:"action"` // create | modify | delete
}

// ReviewStandards are the quality gates the Review agent applies.
type ReviewStandards struct {
	MinQualityScore int  `json:"minQualityScore"`
	RequireTests    bool `json:"requireTests"`
	SecurityScan    bool `json:"securityScan"`
}

// DefaultStandards is the review bar used when the caller specifies none.
var DefaultStandards = ReviewStandards{
	MinQualityScore: 80,
	RequireTests:    true,
	SecurityScan:    true,
}

// Request carries everything an agent may need. Each agent reads the fields
// its contract names and ignores the rest.
type Request struct {
	Ref   artifact.ItemRef
	Item  *platform.WorkItem
	Task  *taskgraph.Task
	Group string

	// Files overrides the codegen-output artifact as review input, for
	// standalone review runs (CLI --files).
	Files      []GeneratedFile
	BaseBranch string
	Language   string
	Standards  ReviewStandards

	// Workspace is the session worktree hosting this run. The dispatcher
	// fills it in; empty means the agent works purely against the artifact
	// store.
	Workspace string
}

// resolveItem returns the work item the request refers to, fetching it from
// the platform when the caller supplied only the reference.
func resolveItem(ctx context.Context, req *Request, caps *Capabilities) (*platform.WorkItem, error) {
	if req.Item != nil {
		return req.Item, nil
	}
	if caps.Gateway == nil {
		return nil, apperr.New(apperr.CodeValidation, "request carries no work item and no gateway is configured")
	}
	item, err := caps.Gateway.GetItem(ctx, req.Ref.Owner, req.Ref.Repo, req.Ref.Number)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.Newf(apperr.CodeValidation, "issue #%d not found in %s/%s", req.Ref.Number, req.Ref.Owner, req.Ref.Repo)
	}
	return item, nil
}

// Result is the structured outcome of one agent run. Err is nil exactly
// when the run succeeded.
type Result struct {
	Agent     labels.AgentKind `json:"agent"`
	Issue     int              `json:"issueNumber"`
	Output    any              `json:"output,omitempty"`
	Err       *apperr.Error    `json:"error,omitempty"`
	StartedAt time.Time        `json:"startedAt"`
	Duration  time.Duration    `json:"duration"`
	TokensIn  int              `json:"tokensIn,omitempty"`
	TokensOut int              `json:"tokensOut,omitempty"`
}

// Success reports whether the run succeeded.
func (r *Result) Success() bool { return r.Err == nil }

// Outcome returns the telemetry outcome string.
func (r *Result) Outcome() string {
	if r.Success() {
		return "success"
	}
	return "failure"
}

// Dispatcher runs agents with a uniform envelope. It is safe for concurrent
// use; per-run state lives on the stack.
type Dispatcher struct {
	caps   Capabilities
	dryRun bool
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDryRun swaps the platform gateway for a logging stand-in and disables
// artifact persistence. Agents do not know the difference.
func WithDryRun() DispatcherOption {
	return func(d *Dispatcher) { d.dryRun = true }
}

// NewDispatcher creates a dispatcher around the given capabilities.
func NewDispatcher(caps Capabilities, opts ...DispatcherOption) *Dispatcher {
	if caps.Emitter == nil {
		caps.Emitter = telemetry.Nop
	}
	if caps.Clock == nil {
		caps.Clock = time.Now
	}
	d := &Dispatcher{caps: caps}
	for _, opt := range opts {
		opt(d)
	}
	if d.dryRun {
		if d.caps.Gateway != nil {
			d.caps.Gateway = NewDryRunGateway(d.caps.Gateway)
		}
		d.caps.LLM = nil
	}
	return d
}

// DryRun reports whether the dispatcher mutates anything outside the
// process.
func (d *Dispatcher) DryRun() bool { return d.dryRun }

// Dispatch runs the agent registered for kind. The Result is non-nil
// whenever the error is nil; agent failures are folded into Result.Err so
// callers consume a single shape. The error return is reserved for requests
// that never reached an agent (unknown kind).
func (d *Dispatcher) Dispatch(ctx context.Context, kind labels.AgentKind, req *Request) (*Result, error) {
	runner, ok := Lookup(kind)
	if !ok {
		return nil, apperr.Newf(apperr.CodeValidation, "agent kind %q is not registered", kind)
	}
	if req == nil {
		req = &Request{}
	}
	// The dispatcher owns Workspace; work on a copy so the caller's request
	// stays untouched.
	reqCopy := *req
	req = &reqCopy

	spec := runner.Spec()
	res := &Result{
		Agent:     kind,
		Issue:     req.Ref.Number,
		StartedAt: d.caps.Clock(),
	}

	logger.Info(ctx, "Agent invoked", tag.Agent(string(kind)), tag.Issue(req.Ref.Number))
	d.emit(telemetry.KindAgentInvoke, map[string]any{
		"agent": string(kind),
		"issue": req.Ref.Number,
		"group": req.Group,
	})
	// Registered before the session close so the result event carries the
	// outcome as the session layer last amended it.
	defer func() { d.emitResult(res) }()

	// Each run gets its own token meter so concurrent dispatches do not
	// share counters.
	caps := d.caps
	var meter *llmMeter
	if caps.LLM != nil {
		meter = &llmMeter{inner: caps.LLM}
		caps.LLM = meter
	}

	sess, serr := d.openSession(ctx, spec, req)
	if serr != nil {
		res.Err = coerce(kind, serr)
		res.Duration = d.caps.Clock().Sub(res.StartedAt)
		return res, nil
	}
	if sess != nil {
		// The janitor cancels this context when the session times out, so
		// a run cannot outlive its torn-down workspace.
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		d.caps.Sessions.Watch(sess.ID, cancel)
		defer func() { d.closeSession(ctx, sess, res) }()
	}

	output, err := d.invoke(ctx, runner, req, &caps)
	res.Duration = d.caps.Clock().Sub(res.StartedAt)
	if meter != nil {
		res.TokensIn, res.TokensOut = meter.totals()
	}

	if err == nil {
		err = validateOutput(kind, output)
	}

	if err != nil {
		res.Err = coerce(kind, err)
		logger.Warn(ctx, "Agent run failed",
			tag.Agent(string(kind)),
			tag.Issue(req.Ref.Number),
			tag.Error(res.Err),
		)
		return res, nil
	}

	res.Output = output
	if spec.Produces != "" {
		if perr := d.persist(ctx, req.Ref, spec.Produces, output); perr != nil {
			res.Output = nil
			res.Err = coerce(kind, perr)
			return res, nil
		}
	}

	logger.Info(ctx, "Agent run succeeded",
		tag.Agent(string(kind)),
		tag.Issue(req.Ref.Number),
		tag.Duration(res.Duration),
	)
	return res, nil
}

// openSession hosts the run in an isolated worktree when the agent's
// contract asks for one. A full session table is a back-pressure signal and
// fails the dispatch; a worktree allocation problem only degrades the run,
// the agent then works against the artifact store alone.
func (d *Dispatcher) openSession(ctx context.Context, spec Spec, req *Request) (*session.Session, error) {
	if d.caps.Sessions == nil || !spec.NeedsWorkspace || d.dryRun {
		return nil, nil
	}
	group := req.Group
	if group == "" {
		group = fmt.Sprintf("issue-%d", req.Ref.Number)
	}
	var title string
	if req.Item != nil {
		title = req.Item.Title
	}
	sess, err := d.caps.Sessions.Create(ctx, session.Spec{
		GroupID:     group,
		IssueNumber: req.Ref.Number,
		AgentKind:   spec.Kind,
		Title:       title,
	})
	if err != nil {
		if errors.Is(err, session.ErrSessionLimit) {
			return nil, err
		}
		logger.Warn(ctx, "Session allocation failed, running without a workspace",
			tag.Agent(string(spec.Kind)), tag.Issue(req.Ref.Number), tag.Error(err))
		return nil, nil
	}
	req.Workspace = sess.WorktreePath
	return sess, nil
}

// closeSession records the final outcome on the hosting session. A session
// the janitor already expired makes the timeout the run's failure, so the
// caller fails the group instead of trusting output produced in a torn-down
// workspace.
func (d *Dispatcher) closeSession(ctx context.Context, sess *session.Session, res *Result) {
	var err error
	if res.Success() {
		err = d.caps.Sessions.Complete(sess.ID, res.Output, nil)
	} else {
		err = d.caps.Sessions.Fail(sess.ID, res.Err)
	}
	if err == nil {
		return
	}
	if errors.Is(err, session.ErrTerminal) {
		if cur, ok := d.caps.Sessions.Get(sess.ID); ok && cur.Status == session.StatusTimeout {
			res.Output = nil
			res.Err = apperr.New(apperr.CodeSessionTimeout, cur.Error)
			logger.Warn(ctx, "Session timed out mid-run", tag.Session(sess.ID),
				tag.Agent(string(res.Agent)), tag.Issue(res.Issue))
			return
		}
	}
	logger.Warn(ctx, "Session bookkeeping failed", tag.Session(sess.ID), tag.Error(err))
}

// invoke runs the agent behind a panic barrier: nothing an agent does may
// take down the scheduler.
func (d *Dispatcher) invoke(ctx context.Context, runner Runner, req *Request, caps *Capabilities) (output any, err error) {
	defer func() {
		if panicObj := recover(); panicObj != nil {
			stack := string(debug.Stack())
			logger.Error(ctx, "Recovered from agent panic",
				tag.Agent(string(runner.Spec().Kind)),
				tag.Reason(fmt.Sprintf("%v", panicObj)),
			)
			logger.Debug(ctx, "Agent panic stack trace", tag.Reason(stack))
			output = nil
			err = apperr.Newf(apperr.CodeInternal, "agent panicked: %v", panicObj)
		}
	}()

	if err := d.checkPreconditions(ctx, runner.Spec(), req); err != nil {
		return nil, err
	}
	return runner.Run(ctx, req, caps)
}

// checkPreconditions verifies every required artifact exists for the item.
func (d *Dispatcher) checkPreconditions(ctx context.Context, spec Spec, req *Request) error {
	if len(spec.Requires) == 0 || d.caps.Artifacts == nil {
		return nil
	}
	for _, kind := range spec.Requires {
		if !d.caps.Artifacts.Has(ctx, req.Ref, kind) {
			return &PreconditionError{Agent: spec.Kind, Missing: kind, Ref: req.Ref}
		}
	}
	return nil
}

func (d *Dispatcher) persist(ctx context.Context, ref artifact.ItemRef, kind artifact.Kind, output any) error {
	if d.caps.Artifacts == nil {
		return nil
	}
	if d.dryRun {
		logger.Info(ctx, "Dry-run: artifact not persisted", tag.Kind(string(kind)), tag.Issue(ref.Number))
		return nil
	}
	if err := d.caps.Artifacts.Save(ctx, ref, kind, output); err != nil {
		return err
	}
	d.emit(telemetry.KindArtifactSave, map[string]any{
		"kind":  string(kind),
		"issue": ref.Number,
	})
	return nil
}

func (d *Dispatcher) emitResult(res *Result) {
	d.emit(telemetry.KindAgentResult, map[string]any{
		"agent":      string(res.Agent),
		"issue":      res.Issue,
		"outcome":    res.Outcome(),
		"durationMs": res.Duration.Milliseconds(),
		"tokensIn":   res.TokensIn,
		"tokensOut":  res.TokensOut,
	})
}

func (d *Dispatcher) emit(kind telemetry.Kind, payload map[string]any) {
	d.caps.Emitter.Emit(telemetry.NewEvent("dispatch", kind, payload))
}

// coerce folds an arbitrary agent error into the taxonomy.
func coerce(kind labels.AgentKind, err error) *apperr.Error {
	var pre *PreconditionError
	if errors.As(err, &pre) {
		return pre.AppError()
	}
	if appErr, ok := asAppError(err); ok {
		return appErr
	}
	return apperr.Wrap(apperr.CodeAgentFailed, err, fmt.Sprintf("%s agent failed", kind))
}
