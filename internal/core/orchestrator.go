package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spillwaylabs/spillway/internal/providers"
	"github.com/spillwaylabs/spillway/internal/runner"
	"github.com/spillwaylabs/spillway/internal/storage"
	"github.com/spillwaylabs/spillway/pkg/api"
)

// RemoteConn is a closable command channel to a node. Production uses
// runner.SSHRemote; tests substitute fakes.
type RemoteConn interface {
	runner.Remote
	Close() error
}

// DialFunc connects to an acquired node.
type DialFunc func(ctx context.Context, node *providers.Node) (RemoteConn, error)

// Options bound the per-phase deadlines of a session. The phases are
// independent: time spent provisioning never eats into the execution deadline.
type Options struct {
	StagingTimeout   time.Duration
	ExecutionTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.StagingTimeout <= 0 {
		o.StagingTimeout = 2 * time.Minute
	}
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = time.Hour
	}
	return o
}

// Orchestrator drives one job spec through provision, stage, run, collect and
// teardown. It is the only component that touches more than one subsystem.
type Orchestrator struct {
	prov      *providers.Provisioner
	store     *storage.Gateway
	run       *runner.Runner
	collector *Collector
	journal   *Journal
	metrics   *Metrics
	dial      DialFunc
	opts      Options
}

func NewOrchestrator(prov *providers.Provisioner, store *storage.Gateway, run *runner.Runner, journal *Journal, dial DialFunc, opts Options) *Orchestrator {
	return &Orchestrator{
		prov:      prov,
		store:     store,
		run:       run,
		collector: NewCollector(store, run),
		journal:   journal,
		metrics:   &Metrics{},
		dial:      dial,
		opts:      opts.withDefaults(),
	}
}

// MetricsSnapshot exposes the process counters.
func (o *Orchestrator) MetricsSnapshot() Snapshot { return o.metrics.Snapshot() }

// Result reads back a persisted JobResult.
func (o *Orchestrator) Result(ctx context.Context, correlationID string) (*api.JobResult, error) {
	return o.store.GetResult(ctx, correlationID)
}

// Submit runs one batch job end to end and returns its terminal result. The
// result is always persisted before return. A non-nil error means the job
// never produced execution output: provisioning, staging or start failed. A
// job that ran and failed returns a Failed result with a nil error.
func (o *Orchestrator) Submit(ctx context.Context, spec api.JobSpec) (*api.JobResult, error) {
	spec = spec.Normalize()
	if spec.Command == "" {
		return nil, fmt.Errorf("job spec: command required")
	}
	spec.Mode = api.ModeBatch

	sess := NewSession(spec)
	o.openSession(sess)
	started := time.Now().UTC()

	if err := o.verifyInputs(ctx, spec); err != nil {
		res := o.failBeforeRun(sess, started, err)
		return res, err
	}

	node, err := o.prov.Acquire(ctx, spec.Requirements)
	if err != nil {
		res := o.failBeforeRun(sess, started, err)
		return res, err
	}
	o.bindNode(sess, node)
	defer o.releaseNode(sess, node)

	remote, h, err := o.setup(ctx, sess, node, spec)
	if err != nil {
		res := o.failBeforeRun(sess, started, err)
		return res, err
	}
	defer remote.Close()

	o.transition(sess, StateAwaitingCompletion)
	res, err := o.run.AwaitCompletion(ctx, h, o.opts.ExecutionTimeout)
	if err != nil {
		// Deadline or caller cancel: kill the remote task, then synthesize
		// the terminal result. Teardown still runs via the deferred release.
		actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		o.run.Abort(actx, h)
		status := api.StatusAborted
		detail := "canceled by caller"
		var terr *api.TimeoutError
		if errors.As(err, &terr) {
			status = api.StatusTimedOut
			detail = terr.Error()
		}
		res = o.collector.SynthesizeTerminal(spec, status, h.StartedAt(), detail)
		o.collector.Persist(actx, res)
		o.terminal(sess, res)
		return res, nil
	}

	o.transition(sess, StateCollecting)
	res = o.collector.Collect(ctx, h, spec, res)
	o.terminal(sess, res)
	return res, nil
}

// SubmitStream runs one streaming job. The returned channel yields output
// chunks in order and ends with a final chunk carrying the terminal JobResult,
// then closes. Cancelling ctx stops the stream: the remote task is aborted,
// an Aborted result is persisted, and a best-effort final chunk is offered
// before close. Teardown happens on every path.
func (o *Orchestrator) SubmitStream(ctx context.Context, spec api.JobSpec) (<-chan api.OutputChunk, error) {
	spec = spec.Normalize()
	if spec.Command == "" {
		return nil, fmt.Errorf("job spec: command required")
	}
	spec.Mode = api.ModeStreaming

	sess := NewSession(spec)
	o.openSession(sess)
	started := time.Now().UTC()

	if err := o.verifyInputs(ctx, spec); err != nil {
		o.failBeforeRun(sess, started, err)
		return nil, err
	}

	node, err := o.prov.Acquire(ctx, spec.Requirements)
	if err != nil {
		o.failBeforeRun(sess, started, err)
		return nil, err
	}
	o.bindNode(sess, node)

	remote, h, err := o.setup(ctx, sess, node, spec)
	if err != nil {
		o.failBeforeRun(sess, started, err)
		o.releaseNode(sess, node)
		return nil, err
	}

	o.transition(sess, StateStreaming)
	out := make(chan api.OutputChunk)
	go o.pumpStream(ctx, sess, node, remote, h, spec, out)
	return out, nil
}

func (o *Orchestrator) pumpStream(ctx context.Context, sess *Session, node *providers.Node, remote RemoteConn, h *runner.RunHandle, spec api.JobSpec, out chan<- api.OutputChunk) {
	defer close(out)
	defer o.releaseNode(sess, node)
	defer remote.Close()

	lastSeq := 0
	finalSeen := false
	for chunk := range o.run.OpenStream(ctx, h) {
		if chunk.Final {
			finalSeen = true
			o.transition(sess, StateCollecting)
			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			chunk.Result = o.collector.Collect(cctx, h, spec, chunk.Result)
			cancel()
			o.terminal(sess, chunk.Result)
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
			return
		}
		lastSeq = chunk.Seq
		sess.AdvanceCursor(int64(len(chunk.Data)))
		select {
		case out <- chunk:
		case <-ctx.Done():
		}
	}
	if finalSeen {
		return
	}

	// Stream ended without a terminal chunk: the caller canceled. Kill the
	// remote task and synthesize the Aborted result.
	actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	o.run.Abort(actx, h)
	res := o.collector.SynthesizeTerminal(spec, api.StatusAborted, h.StartedAt(), "stream canceled by caller")
	o.collector.Persist(actx, res)
	o.terminal(sess, res)
	select {
	case out <- api.OutputChunk{Seq: lastSeq + 1, Final: true, Result: res}:
	case <-time.After(time.Second):
	}
}

// setup dials the node, stages verified inputs and starts the remote task.
// Any failure leaves no running task behind.
func (o *Orchestrator) setup(ctx context.Context, sess *Session, node *providers.Node, spec api.JobSpec) (RemoteConn, *runner.RunHandle, error) {
	o.transition(sess, StateStaging)
	sctx, cancel := context.WithTimeout(ctx, o.opts.StagingTimeout)
	defer cancel()

	remote, err := o.dial(sctx, node)
	if err != nil {
		return nil, nil, &api.StagingError{Path: node.Addr, Err: err}
	}
	inputs, err := o.fetchInputs(sctx, spec)
	if err != nil {
		remote.Close()
		return nil, nil, err
	}
	if err := o.run.Stage(sctx, remote, spec, inputs); err != nil {
		remote.Close()
		return nil, nil, err
	}

	o.transition(sess, StateRunning)
	h, err := o.run.Start(ctx, remote, spec)
	if err != nil {
		remote.Close()
		return nil, nil, err
	}
	return remote, h, nil
}

// verifyInputs checks every declared input key before a node is rented, so a
// missing input never costs a provisioning cycle.
func (o *Orchestrator) verifyInputs(ctx context.Context, spec api.JobSpec) error {
	for _, key := range spec.InputKeys {
		ok, err := o.store.Exists(ctx, key)
		if err != nil {
			return &api.StagingError{Path: key, Err: err}
		}
		if !ok {
			return &api.StagingError{Path: key, Err: &api.StoreError{Key: key, NotFound: true}}
		}
	}
	return nil
}

func (o *Orchestrator) fetchInputs(ctx context.Context, spec api.JobSpec) (map[string][]byte, error) {
	inputs := make(map[string][]byte, len(spec.InputKeys))
	for _, key := range spec.InputKeys {
		data, err := o.store.Get(ctx, key)
		if err != nil {
			return nil, &api.StagingError{Path: key, Err: err}
		}
		inputs[key] = data
	}
	return inputs, nil
}

// failBeforeRun finalizes a session that never reached execution. The error
// shape picks the terminal status: a provisioning deadline is TimedOut, a
// caller cancel is Aborted, everything else is Failed.
func (o *Orchestrator) failBeforeRun(sess *Session, started time.Time, cause error) *api.JobResult {
	status := api.StatusFailed
	var terr *api.TimeoutError
	if errors.As(cause, &terr) {
		status = api.StatusTimedOut
	} else if errors.Is(cause, context.Canceled) {
		status = api.StatusAborted
	}
	res := o.collector.SynthesizeTerminal(sess.Spec(), status, started, cause.Error())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	o.collector.Persist(ctx, res)
	o.terminal(sess, res)
	return res
}

func (o *Orchestrator) openSession(sess *Session) {
	o.metrics.SessionStarted()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.journal.OpenSession(ctx, sess.Spec()); err != nil {
		log.Warn().Err(err).Str("job", sess.Spec().CorrelationID).Msg("journal open failed")
	}
}

func (o *Orchestrator) bindNode(sess *Session, node *providers.Node) {
	sess.BindNode(node)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.journal.BindNode(ctx, sess.Spec().CorrelationID, node.Handle.Backend, node.Handle.ID); err != nil {
		log.Warn().Err(err).Str("job", sess.Spec().CorrelationID).Msg("journal bind failed")
	}
}

// transition advances the session and journals the step. A rejected advance is
// a bug; it is logged loudly but never interrupts the job.
func (o *Orchestrator) transition(sess *Session, to State) {
	if err := sess.Advance(to); err != nil {
		log.Error().Err(err).Msg("session transition rejected")
		return
	}
	o.journalLastTransition(sess)
}

func (o *Orchestrator) terminal(sess *Session, res *api.JobResult) {
	if err := sess.MarkTerminal(res.Status); err != nil {
		log.Error().Err(err).Msg("session terminal rejected")
		return
	}
	o.journalLastTransition(sess)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.journal.RecordTerminal(ctx, res.CorrelationID, res.Status); err != nil {
		log.Warn().Err(err).Str("job", res.CorrelationID).Msg("journal terminal failed")
	}
	o.metrics.SessionFinished(string(res.Status))
	log.Info().Str("job", res.CorrelationID).Str("status", string(res.Status)).Int("exit_code", res.ExitCode).Msg("session terminal")
}

// releaseNode tears the node down exactly once and moves the session to
// TornDown. Exhausted teardown retries raise a persistent leak alert; the job
// result is never affected.
func (o *Orchestrator) releaseNode(sess *Session, node *providers.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := o.prov.Release(ctx, node); err != nil {
		o.metrics.TeardownAlert()
		corr := sess.Spec().CorrelationID
		if jerr := o.journal.RecordTeardownAlert(ctx, corr, node.Handle.ID, err.Error()); jerr != nil {
			log.Error().Err(jerr).Str("job", corr).Msg("journal teardown alert failed")
		}
		return
	}
	if sess.State() == StateTerminal {
		if err := sess.MarkTornDown(); err == nil {
			o.journalLastTransition(sess)
		}
	}
}

func (o *Orchestrator) journalLastTransition(sess *Session) {
	trs := sess.Transitions()
	if len(trs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.journal.RecordTransition(ctx, sess.Spec().CorrelationID, trs[len(trs)-1]); err != nil {
		log.Warn().Err(err).Str("job", sess.Spec().CorrelationID).Msg("journal transition failed")
	}
}
