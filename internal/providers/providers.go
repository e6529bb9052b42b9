package providers

import (
	"context"
	"fmt"

	"github.com/spillwaylabs/spillway/pkg/api"
)

// NodeStatus is the provisioning lifecycle of an ephemeral node.
type NodeStatus string

const (
	StatusRequesting NodeStatus = "requesting"
	StatusReady      NodeStatus = "ready"
	StatusFailed     NodeStatus = "failed"
	StatusTornDown   NodeStatus = "torn_down"
)

// Handle identifies a requested node at its cloud backend.
type Handle struct {
	Backend string
	ID      string
}

// NodeInfo is a point-in-time view of a requested node as reported by the
// backend.
type NodeInfo struct {
	Status  NodeStatus
	Addr    string
	SSHUser string
	SSHPort int
}

// Backend is the cloud provisioning collaborator: request, poll, tear down.
type Backend interface {
	Name() string
	RequestNode(ctx context.Context, req api.Requirements) (Handle, error)
	PollStatus(ctx context.Context, h Handle) (NodeInfo, error)
	Teardown(ctx context.Context, h Handle) error
}

// Registry maps backend names to implementations.
type Registry struct {
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: map[string]Backend{}}
}

func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
}

func (r *Registry) Get(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend not registered: %s", name)
	}
	return b, nil
}
