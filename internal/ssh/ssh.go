package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Client holds the connection parameters for one provisioned node.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		// Production callers pass a TrustOnFirstUse callback; only tests and
		// throwaway dev rigs dial without one.
		c.KnownHosts = xssh.InsecureIgnoreHostKey()
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         timeout,
	}, nil
}

// Dial establishes an SSH connection, honoring ctx cancellation. The caller
// closes the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// Run executes a remote command on an established connection and returns its
// combined output together with the remote exit code.
func Run(ctx context.Context, cli *xssh.Client, command string) (string, int, error) {
	session, err := cli.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	type res struct {
		out []byte
		err error
	}
	ch := make(chan res, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		ch <- res{out: out, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		return "", -1, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			var exitErr *xssh.ExitError
			if errors.As(r.err, &exitErr) {
				return string(r.out), exitErr.ExitStatus(), nil
			}
			return string(r.out), -1, fmt.Errorf("run command: %w", r.err)
		}
		return string(r.out), 0, nil
	}
}

// DialWithRetry dials with linear backoff on connection failures. Fresh nodes
// commonly refuse SSH for a few seconds after the provider reports them ready.
func DialWithRetry(ctx context.Context, c *Client) (*xssh.Client, error) {
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := Dial(ctx, c)
		if err == nil {
			return cli, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, lastErr
}
