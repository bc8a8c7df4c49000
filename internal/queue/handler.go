package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/OFFIS-RIT/corvid/backend/internal/metrics"
	"github.com/OFFIS-RIT/corvid/backend/pkg/config"
	"github.com/OFFIS-RIT/corvid/backend/pkg/export"
	"github.com/OFFIS-RIT/corvid/backend/pkg/leaselock"
	"github.com/OFFIS-RIT/corvid/backend/pkg/logger"
	"github.com/OFFIS-RIT/corvid/backend/pkg/pipeline"
	"github.com/OFFIS-RIT/corvid/backend/pkg/store"
)

// ErrMalformedJob marks a message that can never succeed. It goes straight
// to the dead letter queue.
var ErrMalformedJob = errors.New("malformed job")

// AnalysisJobMsg asks a worker to analyse the window ending at RunAt.
type AnalysisJobMsg struct {
	Message     string    `json:"message,omitempty"`
	JobID       string    `json:"job_id"`
	RunAt       time.Time `json:"run_at"`
	Seeds       []string  `json:"seeds,omitempty"`
	Formats     []string  `json:"formats,omitempty"`
	RequestedBy string    `json:"requested_by,omitempty"`
}

// Validate checks the job before any work starts.
func (m AnalysisJobMsg) Validate() error {
	if m.JobID == "" {
		return fmt.Errorf("%w: missing job_id", ErrMalformedJob)
	}
	if m.RunAt.IsZero() {
		return fmt.Errorf("%w: missing run_at", ErrMalformedJob)
	}
	for _, f := range m.Formats {
		if _, err := export.ForFormat(f); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedJob, err)
		}
	}
	return nil
}

// RunFinishedMsg is announced on TopicRunFinished after a job completes.
type RunFinishedMsg struct {
	JobID     string           `json:"job_id"`
	Summary   pipeline.Summary `json:"summary"`
	Artifacts []string         `json:"artifacts,omitempty"`
}

// ArtifactWriter stores run exports.
type ArtifactWriter interface {
	PutArtifact(ctx context.Context, runID, name, contentType string, data []byte) (string, error)
}

// Handler runs analysis jobs. Artifacts, Publisher and Metrics are optional.
type Handler struct {
	Repo      store.Repository
	Config    *config.Analysis
	Locker    leaselock.Locker
	Artifacts ArtifactWriter
	Publisher Publisher
	Metrics   *metrics.Metrics
}

// DecodeJob parses and validates a message body.
func DecodeJob(body []byte) (AnalysisJobMsg, error) {
	var job AnalysisJobMsg
	if err := json.Unmarshal(body, &job); err != nil {
		return job, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	return job, job.Validate()
}

// ProcessAnalysisMessage runs one job. A window that is already leased by
// another worker is treated as done.
func (h *Handler) ProcessAnalysisMessage(ctx context.Context, body []byte) error {
	job, err := DecodeJob(body)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if h.Config != nil {
		copied := *h.Config
		cfg = &copied
	}
	cfg.Pipeline.Seeds = slices.Concat(cfg.Pipeline.Seeds, job.Seeds)

	runner, err := pipeline.NewRunner(h.Repo, cfg, h.Locker)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	logger.Info("[Queue] Running analysis job", "job_id", job.JobID, "run_at", job.RunAt, "seeds", len(job.Seeds))
	out, err := runner.Run(ctx, job.RunAt)
	if errors.Is(err, leaselock.ErrBusy) {
		logger.Info("[Queue] Window is being analysed elsewhere, skipping", "job_id", job.JobID)
		if h.Metrics != nil {
			h.Metrics.ObserveFailure(true)
		}
		return nil
	}
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.ObserveFailure(false)
		}
		return fmt.Errorf("analysis job %s: %w", job.JobID, err)
	}
	if h.Metrics != nil {
		h.Metrics.ObserveRun(out.Summary)
	}

	keys, err := h.storeArtifacts(ctx, job, out)
	if err != nil {
		return err
	}

	if h.Publisher != nil {
		data, err := json.Marshal(RunFinishedMsg{JobID: job.JobID, Summary: out.Summary, Artifacts: keys})
		if err != nil {
			return err
		}
		if err := PublishTopic(ctx, h.Publisher, TopicRunFinished, data); err != nil {
			// correlations are already persisted; a lost announcement is not
			// worth rerunning the job
			logger.Warn("[Queue] Failed to announce finished run", "job_id", job.JobID, "err", err)
		}
	}
	return nil
}

func (h *Handler) storeArtifacts(ctx context.Context, job AnalysisJobMsg, out *pipeline.Output) ([]string, error) {
	if h.Artifacts == nil {
		return nil, nil
	}
	runID := out.Summary.RunID
	formats := job.Formats
	if len(formats) == 0 {
		formats = []string{"graphml"}
	}

	doc := export.FromGraph(out.Graph, export.PriorityDecorator(out.Analytics))
	var keys []string
	for _, f := range formats {
		data, contentType, err := export.Render(&doc, f)
		if err != nil {
			return keys, err
		}
		codec, _ := export.ForFormat(f)
		key, err := h.Artifacts.PutArtifact(ctx, runID, "graph."+codec.Format(), contentType, data)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}

	for name, v := range map[string]any{
		"priorities.json": export.Priorities(out.Analytics),
		"summary.json":    out.Summary,
	} {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return keys, err
		}
		key, err := h.Artifacts.PutArtifact(ctx, runID, name, "application/json", data)
		if err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys, nil
}
