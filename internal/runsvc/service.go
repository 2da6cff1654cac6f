// Package runsvc owns the flow run lifecycle: starting a run persists
// the RUNNING row before the execution job is enqueued, so a run is
// visible the moment it exists, and finishing applies the single
// terminal mutation.
package runsvc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/flowdeck/flowdeck/internal/apperr"
	"github.com/flowdeck/flowdeck/internal/collectionstore"
	"github.com/flowdeck/flowdeck/internal/flowstore"
	"github.com/flowdeck/flowdeck/internal/metrics"
	"github.com/flowdeck/flowdeck/internal/queue"
	"github.com/flowdeck/flowdeck/internal/runstore"
	"github.com/flowdeck/flowdeck/pkg/types"
)

// StartRequest identifies what to execute and with which payload.
type StartRequest struct {
	CollectionVersionID string            `json:"collection_version_id"`
	FlowVersionID       string            `json:"flow_version_id"`
	Environment         types.Environment `json:"environment"`
	Payload             json.RawMessage   `json:"payload,omitempty"`
}

// Service drives run creation and completion.
type Service struct {
	runs        runstore.RunStore
	flows       flowstore.FlowStore
	collections collectionstore.CollectionStore
	jobs        queue.Queue
	logger      *slog.Logger
}

// New creates the run service.
func New(runs runstore.RunStore, flows flowstore.FlowStore, collections collectionstore.CollectionStore, jobs queue.Queue, logger *slog.Logger) *Service {
	return &Service{
		runs:        runs,
		flows:       flows,
		collections: collections,
		jobs:        jobs,
		logger:      logger.With("component", "runsvc"),
	}
}

// Start resolves the referenced versions, persists a RUNNING row, and
// enqueues the one-time execution job. Both version references are
// checked up front so a run never starts against a dangling id.
func (s *Service) Start(ctx context.Context, req *StartRequest) (*types.FlowRun, error) {
	collectionVersion, err := s.collections.GetVersion(ctx, req.CollectionVersionID)
	if err != nil {
		if errors.Is(err, collectionstore.ErrVersionNotFound) {
			return nil, apperr.Wrap(apperr.CodeCollectionVersionNotFound, err, map[string]any{
				"collection_version_id": req.CollectionVersionID,
			})
		}
		return nil, err
	}
	if _, err := s.collections.GetCollection(ctx, collectionVersion.CollectionID); err != nil {
		if errors.Is(err, collectionstore.ErrCollectionNotFound) {
			return nil, apperr.Wrap(apperr.CodeCollectionNotFound, err, map[string]any{
				"collection_id": collectionVersion.CollectionID,
			})
		}
		return nil, err
	}

	flowVersion, err := s.flows.GetVersion(ctx, req.FlowVersionID)
	if err != nil {
		if errors.Is(err, flowstore.ErrVersionNotFound) {
			return nil, apperr.Wrap(apperr.CodeFlowVersionNotFound, err, map[string]any{
				"flow_version_id": req.FlowVersionID,
			})
		}
		return nil, err
	}

	env := req.Environment
	if env == "" {
		env = types.EnvironmentProduction
	}

	run, err := s.runs.CreateRun(ctx, &types.FlowRun{
		FlowID:              flowVersion.FlowID,
		FlowVersionID:       flowVersion.ID,
		FlowDisplayName:     flowVersion.DisplayName,
		CollectionID:        collectionVersion.CollectionID,
		CollectionVersionID: collectionVersion.ID,
		Environment:         env,
		Status:              types.RunStatusRunning,
		Payload:             req.Payload,
		StartTime:           time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	err = s.jobs.Add(ctx, &queue.Job{
		ID: "run:" + run.ID,
		Data: &types.JobData{
			RunID:               run.ID,
			Payload:             req.Payload,
			FlowVersionID:       flowVersion.ID,
			CollectionID:        collectionVersion.CollectionID,
			CollectionVersionID: collectionVersion.ID,
			Environment:         env,
		},
	})
	if err != nil {
		return nil, err
	}

	metrics.RunsActive.Inc()
	s.logger.Info("run started",
		"run_id", run.ID,
		"flow_version_id", flowVersion.ID,
		"environment", string(env))
	return run, nil
}

// Finish records the terminal status of a run. A second call for the
// same run surfaces runstore.ErrRunFinished untouched.
func (s *Service) Finish(ctx context.Context, runID string, status types.RunStatus, logsFileID string) (*types.FlowRun, error) {
	run, err := s.runs.FinishRun(ctx, runID, status, logsFileID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			return nil, apperr.Wrap(apperr.CodeFlowRunNotFound, err, map[string]any{"run_id": runID})
		}
		return nil, err
	}

	metrics.RunsActive.Dec()
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()
	if run.FinishTime != nil {
		metrics.RunDuration.WithLabelValues(string(status)).
			Observe(run.FinishTime.Sub(run.StartTime).Seconds())
	}
	s.logger.Info("run finished", "run_id", runID, "status", string(status))
	return run, nil
}

// Get returns a run by id.
func (s *Service) Get(ctx context.Context, runID string) (*types.FlowRun, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			return nil, apperr.Wrap(apperr.CodeFlowRunNotFound, err, map[string]any{"run_id": runID})
		}
		return nil, err
	}
	return run, nil
}

// List pages through a collection's runs, newest first.
func (s *Service) List(ctx context.Context, collectionID string, opts *runstore.ListOptions) ([]*types.FlowRun, error) {
	return s.runs.ListRuns(ctx, collectionID, opts)
}
