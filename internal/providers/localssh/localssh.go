package localssh

import (
	"context"
	"fmt"
	"sync"

	prov "github.com/spillwaylabs/spillway/internal/providers"
	"github.com/spillwaylabs/spillway/pkg/api"
)

// Host is a pre-existing reachable machine declared in configuration.
type Host struct {
	Name string `yaml:"name"`
	IP   string `yaml:"ip"`
	User string `yaml:"user"`
	Port int    `yaml:"port"`
}

// Backend attaches to hosts from configuration instead of renting them.
// Useful for development and test rigs; teardown returns the host to the
// pool since we do not own the machines.
type Backend struct {
	mu    sync.Mutex
	hosts []Host
	inUse map[string]bool
}

func New(hosts []Host) *Backend {
	return &Backend{hosts: hosts, inUse: make(map[string]bool)}
}

func (b *Backend) Name() string { return "localssh" }

func (b *Backend) RequestNode(ctx context.Context, req api.Requirements) (prov.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range b.hosts {
		if !b.inUse[h.Name] {
			b.inUse[h.Name] = true
			return prov.Handle{Backend: b.Name(), ID: h.Name}, nil
		}
	}
	return prov.Handle{}, &api.ProvisioningError{Reason: fmt.Sprintf("all %d local hosts busy", len(b.hosts)), Transient: true}
}

func (b *Backend) PollStatus(ctx context.Context, h prov.Handle) (prov.NodeInfo, error) {
	for _, host := range b.hosts {
		if host.Name == h.ID {
			port := host.Port
			if port == 0 {
				port = 22
			}
			return prov.NodeInfo{Status: prov.StatusReady, Addr: host.IP, SSHUser: host.User, SSHPort: port}, nil
		}
	}
	return prov.NodeInfo{}, &api.ProvisioningError{Reason: "unknown local host: " + h.ID}
}

func (b *Backend) Teardown(ctx context.Context, h prov.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inUse, h.ID)
	return nil
}
