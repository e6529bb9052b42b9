package core

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spillwaylabs/spillway/internal/runner"
	"github.com/spillwaylabs/spillway/internal/storage"
	"github.com/spillwaylabs/spillway/pkg/api"
)

// Collector moves produced outputs from the node workspace into the object
// store and persists the terminal JobResult under its canonical key.
type Collector struct {
	store *storage.Gateway
	run   *runner.Runner
}

func NewCollector(store *storage.Gateway, run *runner.Runner) *Collector {
	return &Collector{store: store, run: run}
}

// Collect finalizes res. Every expected output key is pulled off the node and
// uploaded under the job namespace; res.OutputKeys lists what actually landed.
// An expected output that is missing or unreadable demotes the result to
// Failed even when the task exited zero; a clean exit without the promised
// artifacts is not success. The finalized result is persisted before return.
func (c *Collector) Collect(ctx context.Context, h *runner.RunHandle, spec api.JobSpec, res *api.JobResult) *api.JobResult {
	for _, key := range spec.OutputKeys {
		data, err := c.run.PullOutput(ctx, h, path.Base(key))
		if err != nil {
			c.demote(res, fmt.Sprintf("missing output %s: %v", key, err))
			continue
		}
		dst := storage.JobKey(spec.CorrelationID, key)
		if err := c.store.Put(ctx, dst, data); err != nil {
			c.demote(res, fmt.Sprintf("upload output %s: %v", key, err))
			continue
		}
		res.OutputKeys = append(res.OutputKeys, dst)
	}
	c.Persist(ctx, res)
	return res
}

func (c *Collector) demote(res *api.JobResult, detail string) {
	log.Warn().Str("job", res.CorrelationID).Str("detail", detail).Msg("output collection failed")
	if res.Status == api.StatusSucceeded {
		res.Status = api.StatusFailed
	}
	if res.Error == "" {
		res.Error = detail
	}
}

// SynthesizeTerminal builds a terminal result for a session that stopped
// before its task reported completion: caller aborts, phase timeouts, setup
// failures.
func (c *Collector) SynthesizeTerminal(spec api.JobSpec, status api.JobStatus, startedAt time.Time, detail string) *api.JobResult {
	return &api.JobResult{
		CorrelationID: spec.CorrelationID,
		Status:        status,
		ExitCode:      -1,
		Error:         detail,
		StartedAt:     startedAt,
		FinishedAt:    time.Now().UTC(),
	}
}

// Persist writes the result to the store. Store trouble at this point is
// logged, not surfaced; the in-memory result still reaches the caller.
func (c *Collector) Persist(ctx context.Context, res *api.JobResult) {
	if err := c.store.PutResult(ctx, res); err != nil {
		log.Error().Err(err).Str("job", res.CorrelationID).Msg("persist result failed")
	}
}
