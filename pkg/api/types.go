package api

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionMode selects how job output is returned to the caller.
type ExecutionMode string

const (
	ModeBatch     ExecutionMode = "batch"
	ModeStreaming ExecutionMode = "streaming"
)

// JobStatus is the terminal status of a fallback job.
type JobStatus string

const (
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusTimedOut  JobStatus = "timed_out"
	StatusAborted   JobStatus = "aborted"
)

// Requirements describes the compute class a job needs from the rented node.
type Requirements struct {
	CPUs     int    `json:"cpus" yaml:"cpus"`
	MemoryGB int    `json:"memory_gb" yaml:"memory_gb"`
	DiskGB   int    `json:"disk_gb" yaml:"disk_gb"`
	GPU      string `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	Image    string `json:"image,omitempty" yaml:"image,omitempty"`
	Region   string `json:"region,omitempty" yaml:"region,omitempty"`
}

// JobSpec describes one fallback job. Created by the caller, never mutated
// after submission.
type JobSpec struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// InputKeys are object-store keys staged onto the node before execution.
	InputKeys []string `json:"input_keys,omitempty" yaml:"input_keys,omitempty"`
	// OutputKeys are object-store keys the job is expected to produce. The
	// basename of each key names the file the job must write in its remote
	// output directory.
	OutputKeys []string `json:"output_keys,omitempty" yaml:"output_keys,omitempty"`

	Requirements Requirements  `json:"requirements" yaml:"requirements"`
	Mode         ExecutionMode `json:"mode" yaml:"mode"`

	// CorrelationID links the spec to its staged data and final result across
	// components. Assigned by Normalize when the caller leaves it empty.
	CorrelationID string `json:"correlation_id" yaml:"correlation_id"`
}

// Normalize fills derivable defaults and returns the spec for chaining.
func (s JobSpec) Normalize() JobSpec {
	if s.CorrelationID == "" {
		s.CorrelationID = uuid.NewString()
	}
	if s.Mode == "" {
		s.Mode = ModeBatch
	}
	return s
}

// JobResult is the terminal artifact of one job attempt. Immutable after
// creation.
type JobResult struct {
	CorrelationID string    `json:"correlation_id"`
	Status        JobStatus `json:"status"`
	ExitCode      int       `json:"exit_code"`
	Stdout        string    `json:"stdout,omitempty"`
	// OutputKeys lists the object-store keys actually persisted.
	OutputKeys []string  `json:"output_keys,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// OutputChunk is one element of a streaming job's output sequence. The
// sequence is finite and ends with a chunk whose Final flag is set and whose
// Result carries the terminal JobResult.
type OutputChunk struct {
	Seq    int        `json:"seq"`
	Data   []byte     `json:"data,omitempty"`
	Final  bool       `json:"final"`
	Result *JobResult `json:"result,omitempty"`
}
