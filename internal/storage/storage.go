package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/spillwaylabs/spillway/pkg/api"
)

// Gateway is typed read/write/list access to the remote blob store used as
// the data plane for job inputs and results. Keys are namespaced by job
// correlation identifier so concurrent sessions never collide.
type Gateway struct {
	bucket *blob.Bucket
}

// New wraps an already-open bucket.
func New(bucket *blob.Bucket) *Gateway { return &Gateway{bucket: bucket} }

// Open opens a bucket from a gocloud URL, e.g. s3://jobs-bucket?region=us-east-1
// or file:///var/lib/spillway/store?create_dir=true.
func Open(ctx context.Context, bucketURL string) (*Gateway, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	return &Gateway{bucket: bucket}, nil
}

// Close releases the underlying bucket.
func (g *Gateway) Close() error { return g.bucket.Close() }

// JobKey prefixes key with the job namespace for the given correlation id.
func JobKey(correlationID, key string) string {
	return path.Join("jobs", correlationID, key)
}

// ResultKey is the canonical location of a job's persisted JobResult.
func ResultKey(correlationID string) string {
	return JobKey(correlationID, "result.json")
}

// Put writes data under key.
func (g *Gateway) Put(ctx context.Context, key string, data []byte) error {
	w, err := g.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return &api.StoreError{Key: key, Err: err}
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return &api.StoreError{Key: key, Err: err}
	}
	if err := w.Close(); err != nil {
		return &api.StoreError{Key: key, Err: err}
	}
	return nil
}

// Get reads the full contents of key.
func (g *Gateway) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, &api.StoreError{Key: key, NotFound: true}
		}
		return nil, &api.StoreError{Key: key, Err: err}
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &api.StoreError{Key: key, Err: err}
	}
	return data, nil
}

// Exists reports whether key is present.
func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := g.bucket.Exists(ctx, key)
	if err != nil {
		return false, &api.StoreError{Key: key, Err: err}
	}
	return ok, nil
}

// List returns all keys under prefix, in lexical order.
func (g *Gateway) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := g.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return keys, nil
		}
		if err != nil {
			return nil, &api.StoreError{Key: prefix, Err: err}
		}
		keys = append(keys, obj.Key)
	}
}

// PutResult persists a terminal JobResult under its canonical key.
func (g *Gateway) PutResult(ctx context.Context, res *api.JobResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return &api.StoreError{Key: ResultKey(res.CorrelationID), Err: err}
	}
	return g.Put(ctx, ResultKey(res.CorrelationID), data)
}

// GetResult reads back a persisted JobResult.
func (g *Gateway) GetResult(ctx context.Context, correlationID string) (*api.JobResult, error) {
	data, err := g.Get(ctx, ResultKey(correlationID))
	if err != nil {
		return nil, err
	}
	var res api.JobResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, &api.StoreError{Key: ResultKey(correlationID), Err: err}
	}
	return &res, nil
}
