package localssh

import (
	"context"
	"errors"
	"sync"
	"testing"

	prov "github.com/spillwaylabs/spillway/internal/providers"
	"github.com/spillwaylabs/spillway/pkg/api"
)

func twoHosts() []Host {
	return []Host{
		{Name: "dev-a", IP: "192.0.2.10", User: "ops", Port: 22},
		{Name: "dev-b", IP: "192.0.2.11", User: "ops"},
	}
}

func TestRequestNodeExhaustsThenRecycles(t *testing.T) {
	b := New(twoHosts())
	ctx := context.Background()

	first, err := b.RequestNode(ctx, api.Requirements{})
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := b.RequestNode(ctx, api.Requirements{}); err != nil {
		t.Fatalf("second request: %v", err)
	}
	_, err = b.RequestNode(ctx, api.Requirements{})
	var perr *api.ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProvisioningError when pool is exhausted, got: %v", err)
	}
	if !perr.Transient {
		t.Errorf("busy pool should be a transient condition")
	}

	if err := b.Teardown(ctx, first); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	again, err := b.RequestNode(ctx, api.Requirements{})
	if err != nil {
		t.Fatalf("request after teardown should reuse the freed host: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("recycled handle = %s, want %s", again.ID, first.ID)
	}
}

func TestRequestNodeConcurrentNoDoubleAllocation(t *testing.T) {
	hosts := make([]Host, 8)
	for i := range hosts {
		hosts[i] = Host{Name: string(rune('a' + i)), IP: "192.0.2.1", User: "ops"}
	}
	b := New(hosts)
	ctx := context.Background()

	var mu sync.Mutex
	seen := make(map[string]int)
	var granted, refused int

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := b.RequestNode(ctx, api.Requirements{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				refused++
				return
			}
			granted++
			seen[h.ID]++
		}()
	}
	wg.Wait()

	if granted != len(hosts) {
		t.Fatalf("granted = %d, want %d", granted, len(hosts))
	}
	if refused != 32-len(hosts) {
		t.Fatalf("refused = %d, want %d", refused, 32-len(hosts))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("host %s handed out %d times", id, n)
		}
	}
}

func TestPollStatusDefaultsPort(t *testing.T) {
	b := New(twoHosts())
	ctx := context.Background()
	info, err := b.PollStatus(ctx, prov.Handle{Backend: "localssh", ID: "dev-b"})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if info.SSHPort != 22 {
		t.Errorf("SSHPort = %d, want default 22", info.SSHPort)
	}
	if info.Status != prov.StatusReady {
		t.Errorf("status = %s, want ready", info.Status)
	}
}
