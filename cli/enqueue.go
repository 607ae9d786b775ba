package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/certa-labs/certa/engine/compliance"
	"github.com/certa-labs/certa/engine/core"
	"github.com/certa-labs/certa/engine/jobstate"
	"github.com/certa-labs/certa/engine/queue"
	"github.com/certa-labs/certa/pkg/config"
	"github.com/certa-labs/certa/pkg/logger"
)

type enqueueOptions struct {
	URL          string
	Model        string
	PoliciesFile string
	Instructions string
	UserID       string
}

// EnqueueCmd submits a compliance job for a website.
func EnqueueCmd() *cobra.Command {
	var opts enqueueOptions
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a compliance check of a website against policies",
		Example: `  certa enqueue --url https://example.com --policies policies.yaml
  certa enqueue --url https://example.com --policies policies.yaml --model gpt-4o`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runEnqueue(cmd, &opts)
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "", "Website to check")
	cmd.Flags().StringVar(&opts.PoliciesFile, "policies", "", "YAML file listing the policies to check")
	cmd.Flags().StringVar(&opts.Model, "model", "", "Model identifier (configured model when empty)")
	cmd.Flags().StringVar(&opts.Instructions, "instructions", "", "Extra instructions for the checker")
	cmd.Flags().StringVar(&opts.UserID, "user-id", "", "Owner of the job")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("policies")
	return cmd
}

type policyFile struct {
	Policies []compliance.Policy `yaml:"policies"`
}

// loadPolicies reads either a top-level policy list or a document with a
// policies key.
func loadPolicies(path string) ([]compliance.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policies file: %w", err)
	}
	var list []compliance.Policy
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		return list, nil
	}
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policies file: %w", err)
	}
	if len(doc.Policies) == 0 {
		return nil, fmt.Errorf("no policies found in %s", path)
	}
	return doc.Policies, nil
}

func runEnqueue(cmd *cobra.Command, opts *enqueueOptions) error {
	ctx := cmd.Context()
	policies, err := loadPolicies(opts.PoliciesFile)
	if err != nil {
		return err
	}
	id, err := core.NewID()
	if err != nil {
		return err
	}
	job := &compliance.Job{
		JobID:        id.String(),
		URL:          opts.URL,
		Model:        opts.Model,
		Policies:     policies,
		Instructions: opts.Instructions,
		UserID:       opts.UserID,
	}
	if err := job.Validate(); err != nil {
		return err
	}
	if err := submit(ctx, job); err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]any{
		"jobId":    job.JobID,
		"status":   jobstate.StatusQueued,
		"url":      job.URL,
		"policies": len(job.Policies),
	})
}

// submit records the queued job state before the queue entry so a worker
// never picks up a job without a record.
func submit(ctx context.Context, job *compliance.Job) error {
	cfg := config.FromContext(ctx)
	rdb, notifier, err := connect(ctx)
	if err != nil {
		return err
	}
	defer rdb.Close()
	defer notifier.Close()

	state := jobstate.NewStore(rdb.Client(), notifier)
	if err := state.Create(ctx, job.JobID, job.URL); err != nil {
		return err
	}
	q := queue.New(rdb.Client(), queue.FromAppConfig(&cfg.Queue))
	if _, err := q.Add(ctx, job.JobID, job); err != nil {
		return err
	}
	logger.FromContext(ctx).Info("Job queued", "job_id", job.JobID, "url", job.URL, "policies", len(job.Policies))
	return nil
}
