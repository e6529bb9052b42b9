package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gocloud.dev/blob/memblob"

	"github.com/spillwaylabs/spillway/internal/providers"
	"github.com/spillwaylabs/spillway/internal/runner"
	"github.com/spillwaylabs/spillway/internal/storage"
	"github.com/spillwaylabs/spillway/pkg/api"
)

// fakeBackend scripts node readiness and counts requests and teardowns.
type fakeBackend struct {
	mu sync.Mutex

	pollsUntilReady int
	polls           int
	requests        int
	teardowns       int
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) RequestNode(ctx context.Context, req api.Requirements) (providers.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return providers.Handle{Backend: "fake", ID: "node-1"}, nil
}

func (f *fakeBackend) PollStatus(ctx context.Context, h providers.Handle) (providers.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollsUntilReady > 0 && f.polls >= f.pollsUntilReady {
		return providers.NodeInfo{Status: providers.StatusReady, Addr: "203.0.113.7", SSHUser: "root", SSHPort: 22}, nil
	}
	return providers.NodeInfo{Status: providers.StatusRequesting}, nil
}

func (f *fakeBackend) Teardown(ctx context.Context, h providers.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teardowns++
	return nil
}

func (f *fakeBackend) teardownCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.teardowns
}

func (f *fakeBackend) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

// fakeRemote emulates the node side of the generated commands: output
// accumulates in output.log and the exit code appears in .exitcode once the
// task finishes.
type fakeRemote struct {
	mu sync.Mutex
	fs map[string][]byte

	exitCode         int
	outputPieces     []string
	finishAfterPolls int

	started bool
	killed  bool
	polls   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{fs: map[string][]byte{}, finishAfterPolls: 1}
}

func (f *fakeRemote) Close() error { return nil }

func (f *fakeRemote) Push(ctx context.Context, remotePath string, data []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fs[remotePath] = data
	return int64(len(data)), nil
}

func (f *fakeRemote) Pull(ctx context.Context, remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.fs[remotePath]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", remotePath)
	}
	return data, nil
}

func (f *fakeRemote) ReadFrom(ctx context.Context, remotePath string, offset int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.fs[remotePath]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", remotePath)
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	return data[offset:], nil
}

func (f *fakeRemote) Run(ctx context.Context, command string) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case strings.HasPrefix(command, "sha256sum "):
		path := strings.Fields(command)[1]
		data, ok := f.fs[path]
		if !ok {
			return "", 1, nil
		}
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]) + "\n", 0, nil

	case strings.HasPrefix(command, "mkdir -p "):
		return "", 0, nil

	case strings.Contains(command, "nohup"):
		f.started = true
		return "", 0, nil

	case strings.Contains(command, ".exitcode"):
		if !f.started {
			return "pending\n", 0, nil
		}
		f.polls++
		dir := strings.TrimSuffix(strings.Fields(command)[1], "/.exitcode")
		if idx := f.polls - 1; idx < len(f.outputPieces) {
			f.fs[dir+"/output.log"] = append(f.fs[dir+"/output.log"], []byte(f.outputPieces[idx])...)
		}
		done := f.polls >= f.finishAfterPolls && f.polls > len(f.outputPieces)
		if !done {
			return "pending\n", 0, nil
		}
		return fmt.Sprintf("%d\n", f.exitCode), 0, nil

	case strings.Contains(command, "kill -9"):
		f.killed = true
		return "", 0, nil
	}
	return "", 0, fmt.Errorf("fake remote: unhandled command %q", command)
}

type rig struct {
	orch    *Orchestrator
	backend *fakeBackend
	remote  *fakeRemote
	store   *storage.Gateway
}

func newRig(t *testing.T) *rig {
	t.Helper()
	backend := &fakeBackend{pollsUntilReady: 2}
	remote := newFakeRemote()

	bucket := memblob.OpenBucket(nil)
	t.Cleanup(func() { bucket.Close() })
	store := storage.New(bucket)

	journal, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	prov := providers.NewProvisioner(backend, providers.Options{
		RequestRetry:     providers.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2},
		PollInterval:     2 * time.Millisecond,
		ProvisionTimeout: 500 * time.Millisecond,
		TeardownRetries:  2,
		TeardownBackoff:  time.Millisecond,
	})
	run := runner.New(runner.Options{PollInterval: 2 * time.Millisecond})
	dial := func(ctx context.Context, node *providers.Node) (RemoteConn, error) {
		return remote, nil
	}
	orch := NewOrchestrator(prov, store, run, journal, dial, Options{
		StagingTimeout:   time.Second,
		ExecutionTimeout: 2 * time.Second,
	})
	return &rig{orch: orch, backend: backend, remote: remote, store: store}
}

func TestSubmitBatchSuccess(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	inputKey := "jobs/job-a/in/data.txt"
	if err := r.store.Put(ctx, inputKey, []byte("payload")); err != nil {
		t.Fatalf("seed input failed: %v", err)
	}
	r.remote.fs[runner.WorkDir("job-a")+"/output/1"] = []byte("result-bytes")

	spec := api.JobSpec{
		Command:       "process",
		InputKeys:     []string{inputKey},
		OutputKeys:    []string{"out/1"},
		CorrelationID: "job-a",
	}
	res, err := r.orch.Submit(ctx, spec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Status != api.StatusSucceeded || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.OutputKeys) != 1 || res.OutputKeys[0] != "jobs/job-a/out/1" {
		t.Errorf("output keys not namespaced: %v", res.OutputKeys)
	}
	if _, ok := r.remote.fs[runner.WorkDir("job-a")+"/input/data.txt"]; !ok {
		t.Error("input not staged on node")
	}

	stored, err := r.store.Get(ctx, "jobs/job-a/out/1")
	if err != nil || string(stored) != "result-bytes" {
		t.Errorf("output not uploaded: %v %q", err, stored)
	}
	persisted, err := r.orch.Result(ctx, "job-a")
	if err != nil || persisted.Status != api.StatusSucceeded {
		t.Errorf("result not persisted: %v %+v", err, persisted)
	}
	if got := r.backend.teardownCount(); got != 1 {
		t.Errorf("expected exactly 1 teardown, got %d", got)
	}
}

func TestSubmitBatchNonZeroExit(t *testing.T) {
	r := newRig(t)
	r.remote.exitCode = 7

	res, err := r.orch.Submit(context.Background(), api.JobSpec{Command: "crash", CorrelationID: "job-b"})
	if err != nil {
		t.Fatalf("Submit returned submission error for an execution failure: %v", err)
	}
	if res.Status != api.StatusFailed || res.ExitCode != 7 {
		t.Fatalf("unexpected result: %+v", res)
	}
	persisted, err := r.orch.Result(context.Background(), "job-b")
	if err != nil || persisted.Status != api.StatusFailed {
		t.Errorf("failed result not persisted: %v %+v", err, persisted)
	}
	if got := r.backend.teardownCount(); got != 1 {
		t.Errorf("expected exactly 1 teardown, got %d", got)
	}
}

func TestSubmitProvisioningTimeout(t *testing.T) {
	r := newRig(t)
	r.backend.pollsUntilReady = 0 // never ready
	r.orch.prov = providers.NewProvisioner(r.backend, providers.Options{
		PollInterval:     2 * time.Millisecond,
		ProvisionTimeout: 20 * time.Millisecond,
		TeardownRetries:  1,
		TeardownBackoff:  time.Millisecond,
	})

	res, err := r.orch.Submit(context.Background(), api.JobSpec{Command: "never", CorrelationID: "job-c"})
	var perr *api.ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}
	if res == nil || res.Status != api.StatusTimedOut {
		t.Fatalf("expected timed_out result, got %+v", res)
	}
	if got := r.backend.teardownCount(); got != 1 {
		t.Errorf("unready node must be torn down exactly once, got %d", got)
	}
}

func TestSubmitExecutionTimeout(t *testing.T) {
	r := newRig(t)
	r.remote.finishAfterPolls = 100000
	r.orch.opts.ExecutionTimeout = 30 * time.Millisecond

	res, err := r.orch.Submit(context.Background(), api.JobSpec{Command: "spin", CorrelationID: "job-d"})
	if err != nil {
		t.Fatalf("timeout is not a submission error: %v", err)
	}
	if res.Status != api.StatusTimedOut {
		t.Fatalf("unexpected status: %+v", res)
	}
	if !r.remote.killed {
		t.Error("remote task not aborted after deadline")
	}
	if got := r.backend.teardownCount(); got != 1 {
		t.Errorf("expected exactly 1 teardown, got %d", got)
	}
}

func TestSubmitMissingOutputDemotesToFailed(t *testing.T) {
	// Task exits zero but never writes the promised artifact.
	r := newRig(t)
	r.remote.exitCode = 0

	res, err := r.orch.Submit(context.Background(), api.JobSpec{
		Command:       "noop",
		OutputKeys:    []string{"out/model.bin"},
		CorrelationID: "job-e",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Status != api.StatusFailed {
		t.Fatalf("clean exit without outputs must fail, got %+v", res)
	}
	if !strings.Contains(res.Error, "missing output") {
		t.Errorf("error does not name the missing output: %q", res.Error)
	}
	if got := r.backend.teardownCount(); got != 1 {
		t.Errorf("expected exactly 1 teardown, got %d", got)
	}
}

func TestSubmitMissingInputFailsBeforeProvisioning(t *testing.T) {
	r := newRig(t)

	res, err := r.orch.Submit(context.Background(), api.JobSpec{
		Command:       "process",
		InputKeys:     []string{"jobs/job-j/in/absent.bin"},
		CorrelationID: "job-j",
	})
	var serr *api.StagingError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StagingError for a missing input, got %v", err)
	}
	var sterr *api.StoreError
	if !errors.As(err, &sterr) || !sterr.NotFound {
		t.Errorf("cause should be a not-found store error, got %v", err)
	}
	if res == nil || res.Status != api.StatusFailed {
		t.Fatalf("expected failed result, got %+v", res)
	}
	if got := r.backend.requestCount(); got != 0 {
		t.Errorf("no node may be requested for a missing input, got %d requests", got)
	}
	if got := r.backend.teardownCount(); got != 0 {
		t.Errorf("nothing to tear down, got %d teardowns", got)
	}
}

func TestMetricsSnapshotTracksOutcomes(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	if _, err := r.orch.Submit(ctx, api.JobSpec{Command: "ok", CorrelationID: "job-m1"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	r.remote.exitCode = 9
	if _, err := r.orch.Submit(ctx, api.JobSpec{Command: "crash", CorrelationID: "job-m2"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	snap := r.orch.MetricsSnapshot()
	if snap.Sessions != 2 {
		t.Errorf("Sessions = %d, want 2", snap.Sessions)
	}
	if snap.Succeeded != 1 || snap.Failed != 1 {
		t.Errorf("Succeeded/Failed = %d/%d, want 1/1", snap.Succeeded, snap.Failed)
	}
	if snap.TeardownAlerts != 0 {
		t.Errorf("TeardownAlerts = %d, want 0", snap.TeardownAlerts)
	}
}

func TestSubmitStreamDeliversChunksThenResult(t *testing.T) {
	r := newRig(t)
	r.remote.outputPieces = []string{"alpha ", "beta ", "gamma "}

	ch, err := r.orch.SubmitStream(context.Background(), api.JobSpec{Command: "talk", CorrelationID: "job-f"})
	if err != nil {
		t.Fatalf("SubmitStream failed: %v", err)
	}
	var data strings.Builder
	var final *api.JobResult
	lastSeq := 0
	for chunk := range ch {
		if chunk.Seq <= lastSeq {
			t.Errorf("chunks out of order: %d after %d", chunk.Seq, lastSeq)
		}
		lastSeq = chunk.Seq
		if chunk.Final {
			final = chunk.Result
		} else {
			data.Write(chunk.Data)
		}
	}
	if final == nil {
		t.Fatal("stream ended without a terminal chunk")
	}
	if final.Status != api.StatusSucceeded {
		t.Errorf("unexpected terminal status: %+v", final)
	}
	if data.String() != "alpha beta gamma " {
		t.Errorf("chunk data mismatch: %q", data.String())
	}
	if got := r.backend.teardownCount(); got != 1 {
		t.Errorf("expected exactly 1 teardown, got %d", got)
	}
}

func TestSubmitStreamCancelAborts(t *testing.T) {
	r := newRig(t)
	r.remote.outputPieces = []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	r.remote.finishAfterPolls = 100000

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := r.orch.SubmitStream(ctx, api.JobSpec{Command: "talk", CorrelationID: "job-g"})
	if err != nil {
		t.Fatalf("SubmitStream failed: %v", err)
	}
	seen := 0
	var final *api.JobResult
	for chunk := range ch {
		if chunk.Final {
			final = chunk.Result
			continue
		}
		seen++
		if seen == 3 {
			cancel()
		}
	}
	if seen < 3 {
		t.Fatalf("expected at least 3 chunks before cancel, got %d", seen)
	}
	if final == nil || final.Status != api.StatusAborted {
		t.Fatalf("expected aborted terminal chunk, got %+v", final)
	}
	if !r.remote.killed {
		t.Error("remote task not aborted after cancel")
	}
	persisted, err := r.orch.Result(context.Background(), "job-g")
	if err != nil || persisted.Status != api.StatusAborted {
		t.Errorf("aborted result not persisted: %v %+v", err, persisted)
	}
	if got := r.backend.teardownCount(); got != 1 {
		t.Errorf("expected exactly 1 teardown, got %d", got)
	}
}

func TestBatchAndStreamAgreeOnOutcome(t *testing.T) {
	pieces := []string{"one ", "two ", "three "}

	batch := newRig(t)
	batch.remote.outputPieces = pieces
	bres, err := batch.orch.Submit(context.Background(), api.JobSpec{Command: "talk", CorrelationID: "job-h"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	stream := newRig(t)
	stream.remote.outputPieces = pieces
	ch, err := stream.orch.SubmitStream(context.Background(), api.JobSpec{Command: "talk", CorrelationID: "job-i"})
	if err != nil {
		t.Fatalf("SubmitStream failed: %v", err)
	}
	var data strings.Builder
	var sres *api.JobResult
	for chunk := range ch {
		if chunk.Final {
			sres = chunk.Result
		} else {
			data.Write(chunk.Data)
		}
	}

	if sres == nil {
		t.Fatal("stream ended without a terminal chunk")
	}
	if bres.Status != sres.Status || bres.ExitCode != sres.ExitCode {
		t.Errorf("modes disagree: batch %+v stream %+v", bres, sres)
	}
	if data.String() != bres.Stdout {
		t.Errorf("streamed bytes %q != batch stdout %q", data.String(), bres.Stdout)
	}
}
