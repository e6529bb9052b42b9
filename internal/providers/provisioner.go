package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spillwaylabs/spillway/pkg/api"
)

// Node is an acquired ephemeral compute resource. It is owned exclusively by
// the provisioner that created it; Release is safe to call any number of
// times but tears the node down at most once.
type Node struct {
	Handle  Handle
	Addr    string
	SSHUser string
	SSHPort int

	release    sync.Once
	releaseErr error
}

// Options tune acquisition and teardown behavior. Zero values fall back to
// the defaults below.
type Options struct {
	RequestRetry     RetryConfig
	PollInterval     time.Duration
	ProvisionTimeout time.Duration
	TeardownRetries  int
	TeardownBackoff  time.Duration
}

func (o Options) withDefaults() Options {
	if o.RequestRetry.MaxRetries == 0 && o.RequestRetry.InitialDelay == 0 {
		o.RequestRetry = DefaultRetryConfig()
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 3 * time.Second
	}
	if o.ProvisionTimeout <= 0 {
		o.ProvisionTimeout = 10 * time.Minute
	}
	if o.TeardownRetries <= 0 {
		o.TeardownRetries = 3
	}
	if o.TeardownBackoff <= 0 {
		o.TeardownBackoff = 2 * time.Second
	}
	return o
}

// Provisioner acquires and releases nodes from one backend.
type Provisioner struct {
	backend Backend
	opts    Options
}

func NewProvisioner(backend Backend, opts Options) *Provisioner {
	return &Provisioner{backend: backend, opts: opts.withDefaults()}
}

// Acquire requests a node and polls until it is ready or the provisioning
// deadline elapses. A node that was requested but never became ready is torn
// down best-effort before the error is returned; a half-provisioned resource
// is never leaked to the caller.
func (p *Provisioner) Acquire(ctx context.Context, req api.Requirements) (*Node, error) {
	handle, err := p.requestWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	log.Info().Str("backend", p.backend.Name()).Str("node", handle.ID).Msg("node requested, polling until ready")

	deadline := time.Now().Add(p.opts.ProvisionTimeout)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.bestEffortTeardown(handle)
			return nil, &api.ProvisioningError{Reason: "canceled while waiting for node", Err: ctx.Err()}
		case <-ticker.C:
			if time.Now().After(deadline) {
				p.bestEffortTeardown(handle)
				return nil, &api.ProvisioningError{Reason: "node not ready before deadline", Err: &api.TimeoutError{Phase: "provisioning"}}
			}
			info, err := p.backend.PollStatus(ctx, handle)
			if err != nil {
				log.Debug().Err(err).Str("node", handle.ID).Msg("poll failed, will retry")
				continue
			}
			switch info.Status {
			case StatusReady:
				return &Node{Handle: handle, Addr: info.Addr, SSHUser: info.SSHUser, SSHPort: info.SSHPort}, nil
			case StatusFailed:
				p.bestEffortTeardown(handle)
				return nil, &api.ProvisioningError{Reason: fmt.Sprintf("node %s failed to provision", handle.ID)}
			}
		}
	}
}

// Release tears the node down. It is idempotent: the first call performs the
// teardown with bounded retries, later calls return the recorded outcome.
// Exhausted retries are reported as a TeardownError so callers can escalate
// the cost risk; they must never mask the job result.
func (p *Provisioner) Release(ctx context.Context, node *Node) error {
	node.release.Do(func() {
		var lastErr error
		for attempt := 0; attempt <= p.opts.TeardownRetries; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(p.opts.TeardownBackoff * time.Duration(attempt)):
				}
			}
			// Teardown proceeds even when ctx is canceled; a detached
			// context bounds the round-trip instead.
			tctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			lastErr = p.backend.Teardown(tctx, node.Handle)
			cancel()
			if lastErr == nil {
				log.Info().Str("node", node.Handle.ID).Msg("node released")
				return
			}
			log.Warn().Err(lastErr).Str("node", node.Handle.ID).Int("attempt", attempt+1).Msg("teardown failed")
		}
		node.releaseErr = &api.TeardownError{NodeID: node.Handle.ID, Err: lastErr}
		log.Error().Err(node.releaseErr).Str("node", node.Handle.ID).Msg("teardown retries exhausted, node may still be billed")
	})
	return node.releaseErr
}

func (p *Provisioner) requestWithRetry(ctx context.Context, req api.Requirements) (Handle, error) {
	rc := p.opts.RequestRetry
	var lastErr error
	for attempt := 0; attempt <= rc.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return Handle{}, &api.ProvisioningError{Reason: "canceled", Err: ctx.Err()}
		}
		handle, err := p.backend.RequestNode(ctx, req)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if !isTransient(err) {
			return Handle{}, err
		}
		if attempt < rc.MaxRetries {
			delay := rc.Delay(attempt)
			log.Warn().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("transient provisioning error, retrying")
			select {
			case <-ctx.Done():
				return Handle{}, &api.ProvisioningError{Reason: "canceled", Err: ctx.Err()}
			case <-time.After(delay):
			}
		}
	}
	return Handle{}, lastErr
}

func (p *Provisioner) bestEffortTeardown(h Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.backend.Teardown(ctx, h); err != nil {
		log.Warn().Err(err).Str("node", h.ID).Msg("best-effort teardown of unready node failed")
	}
}

func isTransient(err error) bool {
	var perr *api.ProvisioningError
	if errors.As(err, &perr) {
		return perr.Transient
	}
	return false
}
