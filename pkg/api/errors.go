package api

import "fmt"

// ProvisioningError reports a failure to acquire a node from the cloud
// backend. Transient errors (capacity, rate limits, 5xx) are retried by the
// provisioner; credential and quota errors are not.
type ProvisioningError struct {
	Reason    string
	Transient bool
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning: %s", e.Reason)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// TeardownError reports a failure to release a node. It is never fatal to the
// caller-visible result; exhausted retries are escalated as a leak alert.
type TeardownError struct {
	NodeID string
	Err    error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown node %s: %v", e.NodeID, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// StagingError reports a failed or unverified input transfer. Execution never
// starts after a StagingError.
type StagingError struct {
	Path string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("staging %s: %v", e.Path, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// StartError reports that the remote task failed to launch.
type StartError struct {
	Err error
}

func (e *StartError) Error() string { return fmt.Sprintf("start remote task: %v", e.Err) }

func (e *StartError) Unwrap() error { return e.Err }

// ExecutionError reports a remote task that exited non-zero or crashed. It is
// folded into the JobResult rather than returned to the caller.
type ExecutionError struct {
	ExitCode int
	Detail   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("remote task exited %d: %s", e.ExitCode, e.Detail)
}

// TimeoutError reports an exceeded phase deadline.
type TimeoutError struct {
	Phase string
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("%s deadline exceeded", e.Phase) }

// StoreError reports object-store I/O failure. NotFound distinguishes a
// missing key from transport problems.
type StoreError struct {
	Key      string
	NotFound bool
	Err      error
}

func (e *StoreError) Error() string {
	if e.NotFound {
		return fmt.Sprintf("store key %s: not found", e.Key)
	}
	return fmt.Sprintf("store key %s: %v", e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
