// Package worker consumes the job queue and turns jobs into engine
// invocations: one-time jobs execute a flow run to a terminal status,
// repeatable jobs fire scheduled and polling triggers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flowdeck/flowdeck/internal/collectionstore"
	"github.com/flowdeck/flowdeck/internal/compiler"
	"github.com/flowdeck/flowdeck/internal/engine"
	"github.com/flowdeck/flowdeck/internal/filestore"
	"github.com/flowdeck/flowdeck/internal/flowstore"
	"github.com/flowdeck/flowdeck/internal/lock"
	"github.com/flowdeck/flowdeck/internal/queue"
	"github.com/flowdeck/flowdeck/internal/runsvc"
	"github.com/flowdeck/flowdeck/pkg/types"
)

// Worker drains the queue with a fixed number of consumers.
type Worker struct {
	jobs        queue.Queue
	runs        *runsvc.Service
	flows       flowstore.FlowStore
	collections collectionstore.CollectionStore
	files       filestore.Store
	runner      *engine.Runner
	locks       lock.Service
	concurrency int
	logger      *slog.Logger
}

// New creates a worker.
func New(jobs queue.Queue, runs *runsvc.Service, flows flowstore.FlowStore, collections collectionstore.CollectionStore, files filestore.Store, runner *engine.Runner, locks lock.Service, concurrency int, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		jobs:        jobs,
		runs:        runs,
		flows:       flows,
		collections: collections,
		files:       files,
		runner:      runner,
		locks:       locks,
		concurrency: concurrency,
		logger:      logger.With("component", "worker"),
	}
}

// Start runs the consumers until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.jobs.Start(ctx, w.handle); err != nil && ctx.Err() == nil {
				w.logger.Error("consumer stopped", "error", err)
			}
		}()
	}
	wg.Wait()
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) {
	if job.Data == nil {
		w.logger.Warn("job without data", "job_id", job.ID)
		return
	}
	if job.Data.OneTime() {
		w.executeRun(ctx, job.Data)
		return
	}
	w.fireTrigger(ctx, job.Data)
}

// verdict is the engine's own classification of a flow execution.
type verdict struct {
	Status types.RunStatus `json:"status"`
}

// executeRun drives one flow run to a terminal status. Every exit path
// finishes the run; a run left RUNNING forever is the one outcome this
// function must not produce.
func (w *Worker) executeRun(ctx context.Context, data *types.JobData) {
	logger := w.logger.With("run_id", data.RunID)

	flowVersion, err := w.flows.GetVersion(ctx, data.FlowVersionID)
	if err != nil {
		logger.Error("resolve flow version", "error", err)
		w.finish(ctx, data.RunID, types.RunStatusInternalError, "")
		return
	}
	collectionVersion, err := w.collections.GetVersion(ctx, data.CollectionVersionID)
	if err != nil {
		logger.Error("resolve collection version", "error", err)
		w.finish(ctx, data.RunID, types.RunStatusInternalError, "")
		return
	}

	artifacts, err := w.packageArtifacts(ctx, flowVersion)
	if err != nil {
		logger.Error("package artifacts", "error", err)
		w.finish(ctx, data.RunID, types.RunStatusInternalError, "")
		return
	}

	files, err := stageFiles(flowVersion, collectionVersion, artifacts)
	if err != nil {
		logger.Error("encode version snapshots", "error", err)
		w.finish(ctx, data.RunID, types.RunStatusInternalError, "")
		return
	}

	result, err := w.runner.Invoke(ctx, &engine.Invocation{
		Operation:    engine.OpExecuteFlow,
		CollectionID: data.CollectionID,
		Payload: map[string]any{
			"flowRunId":           data.RunID,
			"flowVersionId":       flowVersion.ID,
			"collectionVersionId": collectionVersion.ID,
			"triggerPayload":      json.RawMessage(data.Payload),
			"environment":         data.Environment,
		},
		Files: files,
	})
	if err != nil {
		logger.Error("engine invocation", "error", err)
		w.finish(ctx, data.RunID, types.RunStatusInternalError, "")
		return
	}

	logsFileID := w.saveLogs(ctx, logger, result)
	w.finish(ctx, data.RunID, classify(result), logsFileID)
}

// classify maps an engine result to a run status. The engine's own
// verdict wins when present; otherwise the process exit decides.
func classify(result *engine.Result) types.RunStatus {
	if result.TimedOut {
		return types.RunStatusTimeout
	}
	if len(result.Output) > 0 {
		var v verdict
		if err := json.Unmarshal(result.Output, &v); err == nil {
			switch v.Status {
			case types.RunStatusSucceeded, types.RunStatusFailed:
				return v.Status
			}
		}
	}
	if result.ExitCode != 0 {
		return types.RunStatusInternalError
	}
	return types.RunStatusSucceeded
}

// packageArtifacts builds (or reuses) the packaged bundle of every
// CODE action and returns the slot-relative staging map. Compilation
// runs under the per-flow lock so two workers executing runs of the
// same flow do not build the same source twice.
func (w *Worker) packageArtifacts(ctx context.Context, flowVersion *types.FlowVersion) (map[string][]byte, error) {
	release, err := w.locks.Acquire(ctx, "flow:"+flowVersion.FlowID)
	if err != nil {
		return nil, err
	}
	defer release()

	artifacts := make(map[string][]byte)
	built := false
	for _, a := range flowVersion.Trigger.Actions() {
		if a.Type != types.ActionCode || a.Settings == nil {
			continue
		}
		if a.Settings.ArtifactPackagedID == "" {
			src, err := w.files.Get(ctx, a.Settings.ArtifactSourceID)
			if err != nil {
				return nil, err
			}
			pkg, err := compiler.Build(src.Data)
			if err != nil {
				return nil, err
			}
			stored, err := w.files.Save(ctx, pkg)
			if err != nil {
				return nil, err
			}
			a.Settings.ArtifactPackagedID = stored.ID
			built = true
		}
		pkg, err := w.files.Get(ctx, a.Settings.ArtifactPackagedID)
		if err != nil {
			return nil, err
		}
		artifacts["artifacts/"+a.Name+".tgz"] = pkg.Data
	}

	// Cache the packaged ids on DRAFT versions. A LOCKED version is
	// immutable, so its bundles get rebuilt per run until it was
	// packaged at least once while still editable.
	if built {
		if _, err := w.flows.UpdateVersion(ctx, flowVersion); err != nil && !errors.Is(err, flowstore.ErrVersionLocked) {
			return nil, err
		}
	}
	return artifacts, nil
}

func stageFiles(flowVersion *types.FlowVersion, collectionVersion *types.CollectionVersion, artifacts map[string][]byte) (map[string][]byte, error) {
	files := make(map[string][]byte, len(artifacts)+2)
	fv, err := json.Marshal(flowVersion)
	if err != nil {
		return nil, err
	}
	cv, err := json.Marshal(collectionVersion)
	if err != nil {
		return nil, err
	}
	files["flowVersion.json"] = fv
	files["collectionVersion.json"] = cv
	for name, data := range artifacts {
		files[name] = data
	}
	return files, nil
}

// saveLogs persists the engine's captured output as the run's log
// file. Log persistence is best-effort; a run verdict is never lost to
// a log write failure.
func (w *Worker) saveLogs(ctx context.Context, logger *slog.Logger, result *engine.Result) string {
	doc, err := json.Marshal(map[string]any{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": result.ExitCode,
		"timed_out": result.TimedOut,
		"output":    result.Output,
	})
	if err != nil {
		logger.Warn("encode run logs", "error", err)
		return ""
	}
	file, err := w.files.Save(ctx, doc)
	if err != nil {
		logger.Warn("save run logs", "error", err)
		return ""
	}
	return file.ID
}

func (w *Worker) finish(ctx context.Context, runID string, status types.RunStatus, logsFileID string) {
	if _, err := w.runs.Finish(ctx, runID, status, logsFileID); err != nil {
		w.logger.Error("finish run", "run_id", runID, "status", string(status), "error", err)
	}
}

// fireTrigger handles one firing of a repeatable job: scheduled
// triggers start a run immediately, polling piece triggers ask the
// engine for fresh payloads and start one run per payload.
func (w *Worker) fireTrigger(ctx context.Context, data *types.JobData) {
	logger := w.logger.With("flow_version_id", data.FlowVersionID)

	switch data.TriggerType {
	case types.TriggerSchedule:
		_, err := w.runs.Start(ctx, &runsvc.StartRequest{
			CollectionVersionID: data.CollectionVersionID,
			FlowVersionID:       data.FlowVersionID,
			Environment:         data.Environment,
		})
		if err != nil {
			logger.Error("start scheduled run", "error", err)
		}

	case types.TriggerPiece:
		payloads, err := w.pollPayloads(ctx, data)
		if err != nil {
			logger.Error("poll trigger payloads", "error", err)
			return
		}
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range payloads {
			payload := p
			g.Go(func() error {
				_, err := w.runs.Start(gctx, &runsvc.StartRequest{
					CollectionVersionID: data.CollectionVersionID,
					FlowVersionID:       data.FlowVersionID,
					Environment:         data.Environment,
					Payload:             payload,
				})
				return err
			})
		}
		if err := g.Wait(); err != nil {
			logger.Error("start polled runs", "error", err)
		}

	default:
		logger.Warn("repeatable job with unknown trigger type", "trigger_type", string(data.TriggerType))
	}
}

// pollPayloads invokes the trigger hook and decodes the JSON array of
// event payloads it emits.
func (w *Worker) pollPayloads(ctx context.Context, data *types.JobData) ([]json.RawMessage, error) {
	flowVersion, err := w.flows.GetVersion(ctx, data.FlowVersionID)
	if err != nil {
		return nil, err
	}
	fv, err := json.Marshal(flowVersion)
	if err != nil {
		return nil, err
	}

	result, err := w.runner.Invoke(ctx, &engine.Invocation{
		Operation:    engine.OpExecuteTriggerHook,
		CollectionID: data.CollectionID,
		Payload: map[string]any{
			"flowVersionId": flowVersion.ID,
			"hookType":      "RUN",
		},
		Files: map[string][]byte{"flowVersion.json": fv},
	})
	if err != nil {
		return nil, err
	}
	if result.Failed() {
		w.logger.Warn("trigger hook exited abnormally",
			"flow_version_id", data.FlowVersionID,
			"exit_code", result.ExitCode,
			"timed_out", result.TimedOut)
		return nil, nil
	}

	var payloads []json.RawMessage
	if err := json.Unmarshal(result.Output, &payloads); err != nil {
		return nil, err
	}
	return payloads, nil
}
