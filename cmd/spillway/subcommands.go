package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/spillwaylabs/spillway/internal/core"
	prov "github.com/spillwaylabs/spillway/internal/providers"
	"github.com/spillwaylabs/spillway/internal/providers/localssh"
	"github.com/spillwaylabs/spillway/internal/providers/runpod"
	"github.com/spillwaylabs/spillway/internal/runner"
	gssh "github.com/spillwaylabs/spillway/internal/ssh"
	"github.com/spillwaylabs/spillway/internal/storage"
	"github.com/spillwaylabs/spillway/pkg/api"
)

// stack bundles the wired subsystems behind one cleanup.
type stack struct {
	cfg     core.Config
	orch    *core.Orchestrator
	journal *core.Journal
	close   func()
}

// Resolve configuration and wire the orchestrator
func buildStack(cmd *cobra.Command) (*stack, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return nil, err
	}
	if cfg.Store.BucketURL == "" {
		return nil, fmt.Errorf("store.bucket_url not configured; run 'spillway init' and edit the config")
	}

	store, err := storage.Open(cmd.Context(), cfg.Store.BucketURL)
	if err != nil {
		return nil, err
	}
	journal, err := core.NewJournal(cfg.Journal.Path)
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := journal.Ping(cmd.Context()); err != nil {
		store.Close()
		journal.Close()
		return nil, fmt.Errorf("session journal unusable: %w", err)
	}

	signer, err := gssh.LoadPrivateKeySigner(filepath.Join(cfg.SSH.KeyDir, "id_ed25519"))
	if err != nil {
		store.Close()
		journal.Close()
		return nil, fmt.Errorf("load ssh key (run 'spillway init' first): %w", err)
	}
	// Freshly rented nodes have no prior host key; pin on first contact and
	// verify strictly for the rest of the session.
	kh, err := gssh.TrustOnFirstUse(cfg.SSH.KnownHosts)
	if err != nil {
		store.Close()
		journal.Close()
		return nil, err
	}
	pub, _ := os.ReadFile(filepath.Join(cfg.SSH.KeyDir, "id_ed25519.pub"))

	reg := prov.NewRegistry()
	reg.Register(runpod.New(runpod.Config{
		APIKey:    cfg.Backends.RunPod.APIKey,
		Image:     cfg.Backends.RunPod.Image,
		SSHUser:   cfg.Backends.RunPod.SSHUser,
		PublicKey: strings.TrimSpace(string(pub)),
	}))
	reg.Register(localssh.New(cfg.Backends.LocalSSH.Hosts))
	backend, err := reg.Get(cfg.Backend)
	if err != nil {
		store.Close()
		journal.Close()
		return nil, err
	}

	provisioner := prov.NewProvisioner(backend, prov.Options{
		PollInterval:     cfg.PollInterval(),
		ProvisionTimeout: cfg.ProvisionTimeout(),
	})
	run := runner.New(runner.Options{PollInterval: cfg.PollInterval()})
	dial := func(ctx context.Context, node *prov.Node) (core.RemoteConn, error) {
		return runner.DialNode(ctx, node, signer, kh)
	}
	orch := core.NewOrchestrator(provisioner, store, run, journal, dial, core.Options{
		StagingTimeout:   cfg.StagingTimeout(),
		ExecutionTimeout: cfg.ExecutionTimeout(),
	})
	return &stack{
		cfg:     cfg,
		orch:    orch,
		journal: journal,
		close: func() {
			store.Close()
			journal.Close()
		},
	}, nil
}

// Build a job spec from flags or a spec file
func specFromFlags(cmd *cobra.Command, args []string) (api.JobSpec, error) {
	var spec api.JobSpec
	if specFile, _ := cmd.Flags().GetString("spec"); specFile != "" {
		data, err := os.ReadFile(specFile)
		if err != nil {
			return spec, err
		}
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return spec, fmt.Errorf("parse spec file: %w", err)
		}
	}
	if len(args) > 0 {
		spec.Command = args[0]
		spec.Args = args[1:]
	}
	if envs, _ := cmd.Flags().GetStringSlice("env"); len(envs) > 0 {
		if spec.Env == nil {
			spec.Env = map[string]string{}
		}
		for _, kv := range envs {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) != 2 {
				return spec, fmt.Errorf("invalid --env entry: %s", kv)
			}
			spec.Env[parts[0]] = parts[1]
		}
	}
	if inputs, _ := cmd.Flags().GetStringSlice("input"); len(inputs) > 0 {
		spec.InputKeys = append(spec.InputKeys, inputs...)
	}
	if outputs, _ := cmd.Flags().GetStringSlice("output"); len(outputs) > 0 {
		spec.OutputKeys = append(spec.OutputKeys, outputs...)
	}
	if id, _ := cmd.Flags().GetString("id"); id != "" {
		spec.CorrelationID = id
	}
	if cpus, _ := cmd.Flags().GetInt("cpus"); cpus > 0 {
		spec.Requirements.CPUs = cpus
	}
	if mem, _ := cmd.Flags().GetInt("memory"); mem > 0 {
		spec.Requirements.MemoryGB = mem
	}
	if disk, _ := cmd.Flags().GetInt("disk"); disk > 0 {
		spec.Requirements.DiskGB = disk
	}
	if gpu, _ := cmd.Flags().GetString("gpu"); gpu != "" {
		spec.Requirements.GPU = gpu
	}
	if image, _ := cmd.Flags().GetString("image"); image != "" {
		spec.Requirements.Image = image
	}
	if region, _ := cmd.Flags().GetString("region"); region != "" {
		spec.Requirements.Region = region
	}
	if spec.Command == "" {
		return spec, fmt.Errorf("no command given; pass it as arguments or in --spec")
	}
	return spec, nil
}

func addJobFlags(cmd *cobra.Command) {
	cmd.Flags().String("spec", "", "YAML job spec file")
	cmd.Flags().String("id", "", "correlation id (generated when empty)")
	cmd.Flags().StringSlice("env", nil, "KEY=VALUE environment entries")
	cmd.Flags().StringSlice("input", nil, "object-store keys staged onto the node")
	cmd.Flags().StringSlice("output", nil, "object-store keys the job must produce")
	cmd.Flags().Int("cpus", 0, "vCPU count")
	cmd.Flags().Int("memory", 0, "memory in GB")
	cmd.Flags().Int("disk", 0, "disk in GB")
	cmd.Flags().String("gpu", "", "GPU type id")
	cmd.Flags().String("image", "", "node image")
	cmd.Flags().String("region", "", "region/datacenter id")
}

// Exit codes: 0 success, 2 provisioning failure, 3 execution failure,
// 4 timeout, 5 abort.
func exitCodeFor(res *api.JobResult, err error) int {
	if err != nil {
		var perr *api.ProvisioningError
		if errors.As(err, &perr) {
			return 2
		}
		return 3
	}
	switch res.Status {
	case api.StatusSucceeded:
		return 0
	case api.StatusTimedOut:
		return 4
	case api.StatusAborted:
		return 5
	default:
		return 3
	}
}

func printJSON(w *os.File, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Run a batch job to completion
func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [flags] -- command [args...]",
		Short: "Run a batch job on a rented node and collect its outputs",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := specFromFlags(cmd, args)
			if err != nil {
				return err
			}
			s, err := buildStack(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			res, err := s.orch.Submit(cmd.Context(), spec)
			log.Debug().Interface("counters", s.orch.MetricsSnapshot()).Msg("session counters")
			if res != nil {
				printJSON(os.Stdout, res)
			}
			if code := exitCodeFor(res, err); code != 0 {
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
				}
				os.Exit(code)
			}
			return nil
		},
	}
	addJobFlags(cmd)
	return cmd
}

// Run a streaming job, piping chunks to stdout as they arrive
func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream [flags] -- command [args...]",
		Short: "Run a streaming job, writing output to stdout as it is produced",
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := specFromFlags(cmd, args)
			if err != nil {
				return err
			}
			s, err := buildStack(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			ch, err := s.orch.SubmitStream(cmd.Context(), spec)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(exitCodeFor(nil, err))
			}
			var final *api.JobResult
			for chunk := range ch {
				if chunk.Final {
					final = chunk.Result
					continue
				}
				os.Stdout.Write(chunk.Data)
			}
			log.Debug().Interface("counters", s.orch.MetricsSnapshot()).Msg("session counters")
			if final == nil {
				fmt.Fprintln(os.Stderr, "stream ended without a terminal result")
				os.Exit(3)
			}
			printJSON(os.Stderr, final)
			if code := exitCodeFor(final, nil); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}
	addJobFlags(cmd)
	return cmd
}

// Read back a persisted result
func newResultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "result",
		Short: "Fetch the persisted result of a past job",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			s, err := buildStack(cmd)
			if err != nil {
				return err
			}
			defer s.close()
			res, err := s.orch.Result(cmd.Context(), id)
			if err != nil {
				return err
			}
			printJSON(os.Stdout, res)
			return nil
		},
	}
	cmd.Flags().String("id", "", "correlation id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// List recorded sessions
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded execution sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			journal, err := core.NewJournal(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer journal.Close()
			rows, err := journal.Sessions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range rows {
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n", r.CorrelationID, r.Mode, r.Backend, r.State, r.TerminalStatus)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "max rows")
	return cmd
}

// List or resolve teardown alerts
func newAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List nodes whose teardown failed and may still be billed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			journal, err := core.NewJournal(cfg.Journal.Path)
			if err != nil {
				return err
			}
			defer journal.Close()

			if resolve, _ := cmd.Flags().GetInt64("resolve"); resolve > 0 {
				if err := journal.ResolveAlert(cmd.Context(), resolve); err != nil {
					return err
				}
				fmt.Printf("resolved alert %d\n", resolve)
				return nil
			}
			alerts, err := journal.OpenAlerts(cmd.Context())
			if err != nil {
				return err
			}
			for _, a := range alerts {
				fmt.Printf("%d\t%s\t%s\t%s\t%s\n", a.ID, a.At.Format("2006-01-02 15:04:05"), a.CorrelationID, a.NodeID, a.Detail)
			}
			return nil
		},
	}
	cmd.Flags().Int64("resolve", 0, "mark the given alert id resolved after manual cleanup")
	return cmd
}

// Force-release a node, typically after a teardown alert
func newTeardownCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teardown",
		Short: "Force teardown of a node by backend id (manual leak cleanup)",
		RunE: func(cmd *cobra.Command, args []string) error {
			nodeID, _ := cmd.Flags().GetString("node")
			backendName, _ := cmd.Flags().GetString("backend")
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if backendName == "" {
				backendName = cfg.Backend
			}

			reg := prov.NewRegistry()
			reg.Register(runpod.New(runpod.Config{APIKey: cfg.Backends.RunPod.APIKey}))
			reg.Register(localssh.New(cfg.Backends.LocalSSH.Hosts))
			backend, err := reg.Get(backendName)
			if err != nil {
				return err
			}
			if err := backend.Teardown(cmd.Context(), prov.Handle{Backend: backendName, ID: nodeID}); err != nil {
				return err
			}
			fmt.Printf("node %s torn down\n", nodeID)
			return nil
		},
	}
	cmd.Flags().String("node", "", "backend node id")
	cmd.Flags().String("backend", "", "backend name (defaults to configured backend)")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

// Inspect configured backends
func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "Inspect configured provisioning backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			fmt.Printf("default: %s\n", cfg.Backend)
			fmt.Printf("runpod: api key %s\n", presence(cfg.Backends.RunPod.APIKey))
			fmt.Printf("localssh: %d hosts\n", len(cfg.Backends.LocalSSH.Hosts))
			return nil
		},
	}
}

func presence(s string) string {
	if s == "" {
		return "missing"
	}
	return "configured"
}

// Initialize configuration, SSH key and known_hosts
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the default config, SSH keypair and known_hosts file",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := core.ConfigDir()
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}

			cfgPath := filepath.Join(dir, "config.yaml")
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(defaultConfigYAML), 0600); err != nil {
					return err
				}
				fmt.Printf("wrote %s\n", cfgPath)
			}

			keyDir := filepath.Join(dir, "keys")
			if err := os.MkdirAll(keyDir, 0700); err != nil {
				return err
			}
			keyPath := filepath.Join(keyDir, "id_ed25519")
			if _, err := os.Stat(keyPath); os.IsNotExist(err) {
				pub, err := gssh.GenerateEd25519Keypair(keyPath)
				if err != nil {
					return err
				}
				if err := os.WriteFile(keyPath+".pub", []byte(pub), 0644); err != nil {
					return err
				}
				fmt.Printf("generated %s\n", keyPath)
			}

			if err := gssh.EnsureKnownHostsFile(filepath.Join(dir, "known_hosts")); err != nil {
				return err
			}
			fmt.Println("init complete; set RUNPOD_API_KEY in secrets.env or the environment")
			return nil
		},
	}
}

const defaultConfigYAML = `# spillway configuration
backend: runpod

store:
  # gocloud.dev bucket URL, e.g. s3://my-bucket?region=us-east-1
  bucket_url: file:///var/lib/spillway/store?create_dir=true

backends:
  runpod:
    # api_key is read from secrets.env or RUNPOD_API_KEY; do not put it here
    image: runpod/base:0.6.2-cuda12.4
    ssh_user: root
  localssh:
    hosts: []

deadlines:
  provision_seconds: 600
  staging_seconds: 120
  execution_seconds: 3600

poll_interval_seconds: 3
`
