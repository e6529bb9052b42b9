package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spillwaylabs/spillway/pkg/api"
)

// Remote is the command-and-file channel to a provisioned node. Implemented
// over SSH/SFTP in production and by fakes in tests.
type Remote interface {
	Run(ctx context.Context, command string) (output string, exitCode int, err error)
	Push(ctx context.Context, remotePath string, data []byte) (written int64, err error)
	Pull(ctx context.Context, remotePath string) ([]byte, error)
	ReadFrom(ctx context.Context, remotePath string, offset int64) ([]byte, error)
}

// RunHandle refers to a started remote task.
type RunHandle struct {
	remote    Remote
	spec      api.JobSpec
	dir       string
	startedAt time.Time
}

// Dir is the task workspace directory on the node.
func (h *RunHandle) Dir() string { return h.dir }

// StartedAt is when the remote task was launched.
func (h *RunHandle) StartedAt() time.Time { return h.startedAt }

// Options tune polling behavior. Zero values fall back to defaults.
type Options struct {
	PollInterval time.Duration // between completion/stream polls
	StdoutLimit  int           // max bytes of captured stdout in a JobResult
}

// Runner stages inputs, starts tasks and drives them to completion on one
// node. One runner serves one session; it holds no shared state.
type Runner struct {
	pollInterval time.Duration
	stdoutLimit  int
}

func New(opts Options) *Runner {
	r := &Runner{pollInterval: 3 * time.Second, stdoutLimit: 64 * 1024}
	if opts.PollInterval > 0 {
		r.pollInterval = opts.PollInterval
	}
	if opts.StdoutLimit > 0 {
		r.stdoutLimit = opts.StdoutLimit
	}
	return r
}

// WorkDir is the per-job workspace root on the node.
func WorkDir(correlationID string) string {
	return "/opt/spillway/" + correlationID
}

// Stage writes the run script and every input blob into the node workspace,
// verifying size and sha256 of each upload before Start may be issued. Any
// mismatch yields a StagingError; execution never starts against partial
// input.
func (r *Runner) Stage(ctx context.Context, remote Remote, spec api.JobSpec, inputs map[string][]byte) error {
	dir := WorkDir(spec.CorrelationID)
	files := map[string][]byte{
		path.Join(dir, "run.sh"): buildRunScript(spec),
	}
	for key, data := range inputs {
		files[path.Join(dir, "input", path.Base(key))] = data
	}
	for remotePath, data := range files {
		if err := r.pushVerified(ctx, remote, remotePath, data); err != nil {
			return err
		}
	}
	if _, code, err := remote.Run(ctx, "mkdir -p "+dir+"/output"); err != nil || code != 0 {
		return &api.StagingError{Path: dir + "/output", Err: fmt.Errorf("mkdir output (exit %d): %w", code, err)}
	}
	log.Debug().Str("job", spec.CorrelationID).Int("files", len(files)).Msg("staging complete")
	return nil
}

func (r *Runner) pushVerified(ctx context.Context, remote Remote, remotePath string, data []byte) error {
	written, err := remote.Push(ctx, remotePath, data)
	if err != nil {
		return &api.StagingError{Path: remotePath, Err: err}
	}
	if written != int64(len(data)) {
		return &api.StagingError{Path: remotePath, Err: fmt.Errorf("size mismatch: wrote %d, expected %d", written, len(data))}
	}
	sum := sha256.Sum256(data)
	want := hex.EncodeToString(sum[:])
	out, code, err := remote.Run(ctx, fmt.Sprintf("sha256sum %s | cut -d' ' -f1", remotePath))
	if err != nil || code != 0 {
		return &api.StagingError{Path: remotePath, Err: fmt.Errorf("remote checksum (exit %d): %w", code, err)}
	}
	if got := strings.TrimSpace(out); got != want {
		return &api.StagingError{Path: remotePath, Err: fmt.Errorf("checksum mismatch: got %s, want %s", got, want)}
	}
	return nil
}

// Start launches the staged task detached. Stdout and stderr accumulate in
// output.log; the exit code lands in .exitcode when the task finishes.
func (r *Runner) Start(ctx context.Context, remote Remote, spec api.JobSpec) (*RunHandle, error) {
	dir := WorkDir(spec.CorrelationID)
	cmd := fmt.Sprintf(
		"cd %s && rm -f .exitcode && nohup bash -c 'bash run.sh > output.log 2>&1; echo $? > .exitcode' > /dev/null 2>&1 & echo $! > %s/.pid",
		dir, dir)
	out, code, err := remote.Run(ctx, cmd)
	if err != nil {
		return nil, &api.StartError{Err: err}
	}
	if code != 0 {
		return nil, &api.StartError{Err: fmt.Errorf("launch exited %d: %s", code, strings.TrimSpace(out))}
	}
	log.Info().Str("job", spec.CorrelationID).Msg("remote task started")
	return &RunHandle{remote: remote, spec: spec, dir: dir, startedAt: time.Now().UTC()}, nil
}

// AwaitCompletion polls until the remote task reports a terminal state or the
// deadline elapses. On deadline it returns a TimeoutError; the caller
// proceeds straight to abort/teardown.
func (r *Runner) AwaitCompletion(ctx context.Context, h *RunHandle, deadline time.Duration) (*api.JobResult, error) {
	timeout := time.After(deadline)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, &api.TimeoutError{Phase: "execution"}
		case <-ticker.C:
			code, done, err := r.exitCode(ctx, h)
			if err != nil {
				log.Debug().Err(err).Str("job", h.spec.CorrelationID).Msg("completion poll failed, will retry")
				continue
			}
			if !done {
				continue
			}
			return r.terminalResult(ctx, h, code), nil
		}
	}
}

// OpenStream returns a finite, ordered sequence of output chunks ending with
// a terminal result chunk. Cancelling ctx stops production promptly; the
// channel is then closed without a final chunk and the caller is responsible
// for abort and teardown.
func (r *Runner) OpenStream(ctx context.Context, h *RunHandle) <-chan api.OutputChunk {
	out := make(chan api.OutputChunk)
	go func() {
		defer close(out)
		var cursor int64
		var seq int
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			code, done, pollErr := r.exitCode(ctx, h)

			data, err := h.remote.ReadFrom(ctx, h.dir+"/output.log", cursor)
			if err == nil && len(data) > 0 {
				cursor += int64(len(data))
				seq++
				select {
				case out <- api.OutputChunk{Seq: seq, Data: data}:
				case <-ctx.Done():
					return
				}
			}

			if pollErr != nil || !done {
				continue
			}
			res := r.terminalResult(ctx, h, code)
			seq++
			select {
			case out <- api.OutputChunk{Seq: seq, Final: true, Result: res}:
			case <-ctx.Done():
			}
			return
		}
	}()
	return out
}

// Abort sends a best-effort kill to the remote task. Errors are logged only;
// teardown follows regardless.
func (r *Runner) Abort(ctx context.Context, h *RunHandle) {
	cmd := fmt.Sprintf("[ -f %s/.pid ] && kill -9 $(cat %s/.pid) 2>/dev/null; true", h.dir, h.dir)
	if _, _, err := h.remote.Run(ctx, cmd); err != nil {
		log.Warn().Err(err).Str("job", h.spec.CorrelationID).Msg("best-effort abort failed")
	} else {
		log.Info().Str("job", h.spec.CorrelationID).Msg("abort signal sent")
	}
}

// PullOutput reads one produced output file from the node workspace.
func (r *Runner) PullOutput(ctx context.Context, h *RunHandle, name string) ([]byte, error) {
	return h.remote.Pull(ctx, path.Join(h.dir, "output", name))
}

func (r *Runner) exitCode(ctx context.Context, h *RunHandle) (code int, done bool, err error) {
	out, rc, err := h.remote.Run(ctx, fmt.Sprintf("cat %s/.exitcode 2>/dev/null || echo pending", h.dir))
	if err != nil {
		return 0, false, err
	}
	text := strings.TrimSpace(out)
	if rc != 0 || text == "pending" || text == "" {
		return 0, false, nil
	}
	code, convErr := strconv.Atoi(text)
	if convErr != nil {
		return 0, false, fmt.Errorf("unreadable exit marker: %q", text)
	}
	return code, true, nil
}

func (r *Runner) terminalResult(ctx context.Context, h *RunHandle, exitCode int) *api.JobResult {
	res := &api.JobResult{
		CorrelationID: h.spec.CorrelationID,
		ExitCode:      exitCode,
		StartedAt:     h.startedAt,
		FinishedAt:    time.Now().UTC(),
	}
	if exitCode == 0 {
		res.Status = api.StatusSucceeded
	} else {
		res.Status = api.StatusFailed
		res.Error = (&api.ExecutionError{ExitCode: exitCode, Detail: "remote task exited non-zero"}).Error()
	}
	if data, err := h.remote.ReadFrom(ctx, h.dir+"/output.log", 0); err == nil {
		if len(data) > r.stdoutLimit {
			data = data[len(data)-r.stdoutLimit:]
		}
		res.Stdout = string(data)
	}
	return res
}
