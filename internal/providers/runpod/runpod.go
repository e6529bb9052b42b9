package runpod

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	prov "github.com/spillwaylabs/spillway/internal/providers"
	"github.com/spillwaylabs/spillway/pkg/api"
)

const apiBase = "https://rest.runpod.io/v1"

// Config carries the credentials and defaults for the RunPod backend.
type Config struct {
	APIKey    string
	Image     string
	SSHUser   string
	PublicKey string // authorized_keys line injected into the pod
}

// Backend provisions ephemeral pods through the RunPod REST API.
type Backend struct {
	cfg  Config
	http *prov.RetryableHTTPClient
	base string
}

func New(cfg Config) *Backend {
	return &Backend{
		cfg:  cfg,
		http: prov.NewRetryableHTTPClient(30*time.Second, 2),
		base: apiBase,
	}
}

// NewWithBase is used by tests to point the backend at a stub server.
func NewWithBase(cfg Config, base string) *Backend {
	b := New(cfg)
	b.base = base
	return b
}

func (b *Backend) Name() string { return "runpod" }

type createPodReq struct {
	Name              string            `json:"name"`
	ImageName         string            `json:"imageName"`
	CloudType         string            `json:"cloudType"`
	GPUTypeIDs        []string          `json:"gpuTypeIds,omitempty"`
	VCPUCount         int               `json:"vcpuCount,omitempty"`
	MemoryInGB        int               `json:"memoryInGb,omitempty"`
	ContainerDiskInGB int               `json:"containerDiskInGb,omitempty"`
	Ports             []string          `json:"ports"`
	Env               map[string]string `json:"env,omitempty"`
	DataCenterIDs     []string          `json:"dataCenterIds,omitempty"`
}

type pod struct {
	ID            string         `json:"id"`
	DesiredStatus string         `json:"desiredStatus"`
	PublicIP      string         `json:"publicIp"`
	PortMappings  map[string]int `json:"portMappings"`
}

func (b *Backend) RequestNode(ctx context.Context, req api.Requirements) (prov.Handle, error) {
	if b.cfg.APIKey == "" {
		return prov.Handle{}, &api.ProvisioningError{Reason: "runpod api key missing; set RUNPOD_API_KEY"}
	}
	image := req.Image
	if image == "" {
		image = b.cfg.Image
	}
	payload := createPodReq{
		Name:              "spillway-" + strconv.FormatInt(time.Now().UnixNano(), 36),
		ImageName:         image,
		CloudType:         "SECURE",
		VCPUCount:         req.CPUs,
		MemoryInGB:        req.MemoryGB,
		ContainerDiskInGB: req.DiskGB,
		Ports:             []string{"22/tcp"},
		Env:               map[string]string{"PUBLIC_KEY": b.cfg.PublicKey},
	}
	if req.GPU != "" {
		payload.GPUTypeIDs = []string{req.GPU}
	}
	if req.Region != "" {
		payload.DataCenterIDs = []string{req.Region}
	}

	var created pod
	if err := b.doJSON(ctx, http.MethodPost, "/pods", payload, &created); err != nil {
		return prov.Handle{}, err
	}
	return prov.Handle{Backend: b.Name(), ID: created.ID}, nil
}

func (b *Backend) PollStatus(ctx context.Context, h prov.Handle) (prov.NodeInfo, error) {
	var cur pod
	if err := b.doJSON(ctx, http.MethodGet, "/pods/"+h.ID, nil, &cur); err != nil {
		return prov.NodeInfo{}, err
	}
	info := prov.NodeInfo{Status: prov.StatusRequesting, SSHUser: b.sshUser()}
	switch cur.DesiredStatus {
	case "RUNNING":
		// Ready once the pod is running and its SSH port is mapped to a
		// public address.
		port, ok := cur.PortMappings["22"]
		if ok && cur.PublicIP != "" {
			info.Status = prov.StatusReady
			info.Addr = cur.PublicIP
			info.SSHPort = port
		}
	case "EXITED", "TERMINATED":
		info.Status = prov.StatusFailed
	}
	return info, nil
}

func (b *Backend) Teardown(ctx context.Context, h prov.Handle) error {
	if err := b.doJSON(ctx, http.MethodDelete, "/pods/"+h.ID, nil, nil); err != nil {
		return &api.TeardownError{NodeID: h.ID, Err: err}
	}
	return nil
}

func (b *Backend) sshUser() string {
	if b.cfg.SSHUser != "" {
		return b.cfg.SSHUser
	}
	return "root"
}

func (b *Backend) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.base+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return &api.ProvisioningError{Reason: "runpod api unreachable", Transient: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		// Deleting an already-gone pod is fine.
		if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		errBody, _ := io.ReadAll(resp.Body)
		return classifyStatus(resp.StatusCode, string(errBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// classifyStatus maps API failures onto the retry policy: rate limits, server
// errors and capacity shortages are transient; credential and quota problems
// are not.
func classifyStatus(code int, body string) error {
	reason := fmt.Sprintf("runpod api status %d: %s", code, body)
	switch {
	case code == http.StatusTooManyRequests || code >= 500:
		return &api.ProvisioningError{Reason: reason, Transient: true}
	default:
		return &api.ProvisioningError{Reason: reason}
	}
}
