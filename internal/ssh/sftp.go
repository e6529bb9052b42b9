package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushBytes writes data to remotePath via SFTP, creating parent directories,
// and returns the number of bytes written as reported by the remote after the
// transfer. Callers compare it against len(data) to detect truncated writes.
func PushBytes(ctx context.Context, cli *xssh.Client, remotePath string, data []byte) (int64, error) {
	sf, err := sftp.NewClient(cli)
	if err != nil {
		return 0, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, fmt.Errorf("mkdir remote: %w", err)
	}
	dst, err := sf.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("create remote: %w", err)
	}
	if _, err := io.Copy(dst, bytes.NewReader(data)); err != nil {
		dst.Close()
		return 0, fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		return 0, fmt.Errorf("close remote: %w", err)
	}
	st, err := sf.Stat(remotePath)
	if err != nil {
		return 0, fmt.Errorf("stat remote: %w", err)
	}
	return st.Size(), nil
}

// PullBytes reads the full contents of remotePath via SFTP.
func PullBytes(ctx context.Context, cli *xssh.Client, remotePath string) ([]byte, error) {
	sf, err := sftp.NewClient(cli)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	src, err := sf.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("open remote: %w", err)
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read remote: %w", err)
	}
	return data, nil
}

// ReadFrom reads remotePath starting at byte offset. Used as the streaming
// output cursor: successive calls with the previous cursor value yield chunks
// in production order.
func ReadFrom(ctx context.Context, cli *xssh.Client, remotePath string, offset int64) ([]byte, error) {
	sf, err := sftp.NewClient(cli)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	src, err := sf.Open(remotePath)
	if err != nil {
		return nil, fmt.Errorf("open remote: %w", err)
	}
	defer src.Close()
	if _, err := src.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek remote: %w", err)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read remote: %w", err)
	}
	return data, nil
}
