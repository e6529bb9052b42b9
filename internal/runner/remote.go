package runner

import (
	"context"
	"fmt"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/spillwaylabs/spillway/internal/providers"
	sshx "github.com/spillwaylabs/spillway/internal/ssh"
)

// SSHRemote implements Remote over one SSH connection to a provisioned node.
type SSHRemote struct {
	cli *xssh.Client
}

// DialNode connects to an acquired node with the orchestrator's key pair.
func DialNode(ctx context.Context, node *providers.Node, signer xssh.Signer, hostKeys xssh.HostKeyCallback) (*SSHRemote, error) {
	c := &sshx.Client{
		Addr:       fmt.Sprintf("%s:%d", node.Addr, node.SSHPort),
		User:       node.SSHUser,
		Signer:     signer,
		KnownHosts: hostKeys,
		Retries:    5,
		Backoff:    2 * time.Second,
	}
	cli, err := sshx.DialWithRetry(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("dial node %s: %w", node.Handle.ID, err)
	}
	return &SSHRemote{cli: cli}, nil
}

func (r *SSHRemote) Close() error { return r.cli.Close() }

func (r *SSHRemote) Run(ctx context.Context, command string) (string, int, error) {
	return sshx.Run(ctx, r.cli, command)
}

func (r *SSHRemote) Push(ctx context.Context, remotePath string, data []byte) (int64, error) {
	return sshx.PushBytes(ctx, r.cli, remotePath, data)
}

func (r *SSHRemote) Pull(ctx context.Context, remotePath string) ([]byte, error) {
	return sshx.PullBytes(ctx, r.cli, remotePath)
}

func (r *SSHRemote) ReadFrom(ctx context.Context, remotePath string, offset int64) ([]byte, error) {
	return sshx.ReadFrom(ctx, r.cli, remotePath, offset)
}
