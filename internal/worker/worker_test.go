package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowdeck/flowdeck/internal/collectionstore"
	"github.com/flowdeck/flowdeck/internal/engine"
	"github.com/flowdeck/flowdeck/internal/filestore"
	"github.com/flowdeck/flowdeck/internal/flowstore"
	"github.com/flowdeck/flowdeck/internal/lock"
	"github.com/flowdeck/flowdeck/internal/queue"
	"github.com/flowdeck/flowdeck/internal/runsvc"
	"github.com/flowdeck/flowdeck/internal/runstore"
	"github.com/flowdeck/flowdeck/internal/sandbox"
	"github.com/flowdeck/flowdeck/internal/token"
	"github.com/flowdeck/flowdeck/pkg/types"
)

type fixture struct {
	worker      *Worker
	runs        *runstore.MemoryStore
	runsvc      *runsvc.Service
	flows       *flowstore.MemoryStore
	collections *collectionstore.MemoryStore
	files       *filestore.MemoryStore
}

// newFixture wires a worker against memory stores and a shell script
// standing in for the engine bundle.
func newFixture(t *testing.T, script string, timeout time.Duration) *fixture {
	t.Helper()

	bundlePath := filepath.Join(t.TempDir(), "main.js")
	if err := os.WriteFile(bundlePath, []byte(script), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}

	pool := sandbox.NewPool(1, sandbox.Options{Root: t.TempDir(), Timeout: timeout})
	signer := token.NewSigner("worker-test-secret", time.Minute)
	runner, err := engine.New(pool, signer, "sh", bundlePath, "http://api.internal:3000", slog.Default())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	jobs := queue.NewMemoryQueue()
	t.Cleanup(func() { jobs.Close() })

	runs := runstore.NewMemoryStore()
	flows := flowstore.NewMemoryStore()
	collections := collectionstore.NewMemoryStore()
	files := filestore.NewMemoryStore()
	runService := runsvc.New(runs, flows, collections, jobs, slog.Default())

	return &fixture{
		worker:      New(jobs, runService, flows, collections, files, runner, lock.NewMemoryService(), 1, slog.Default()),
		runs:        runs,
		runsvc:      runService,
		flows:       flows,
		collections: collections,
		files:       files,
	}
}

// seed creates a collection+flow pair whose single CODE action has its
// source already in the file store, mirroring what the flow service
// leaves behind after an edit.
func (fx *fixture) seed(t *testing.T) (*types.CollectionVersion, *types.FlowVersion) {
	t.Helper()
	ctx := context.Background()

	collection, err := fx.collections.CreateCollection(ctx)
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	collectionVersion, err := fx.collections.CreateVersion(ctx, collection.ID, &collectionstore.CreateVersionRequest{DisplayName: "v1"})
	if err != nil {
		t.Fatalf("create collection version: %v", err)
	}

	source, err := fx.files.Save(ctx, []byte("exports.run = async () => ({ok: true});"))
	if err != nil {
		t.Fatalf("save source: %v", err)
	}

	flow, err := fx.flows.CreateFlow(ctx, collection.ID)
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}
	flowVersion, err := fx.flows.CreateVersion(ctx, flow.ID, &flowstore.CreateVersionRequest{
		DisplayName: "coded flow",
		Trigger: &types.Trigger{
			Type:  types.TriggerEmpty,
			Name:  "trigger",
			Valid: true,
			NextAction: &types.Action{
				Type:  types.ActionCode,
				Name:  "step_1",
				Valid: true,
				Settings: &types.ActionSettings{
					ArtifactSourceID: source.ID,
				},
			},
		},
		Valid: true,
	})
	if err != nil {
		t.Fatalf("create flow version: %v", err)
	}
	return collectionVersion, flowVersion
}

func (fx *fixture) startRun(t *testing.T, cv *types.CollectionVersion, fv *types.FlowVersion, payload string) *types.FlowRun {
	t.Helper()
	run, err := fx.runsvc.Start(context.Background(), &runsvc.StartRequest{
		CollectionVersionID: cv.ID,
		FlowVersionID:       fv.ID,
		Payload:             json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return run
}

func runJob(run *types.FlowRun, cv *types.CollectionVersion, fv *types.FlowVersion, payload string) *queue.Job {
	return &queue.Job{
		ID: "run:" + run.ID,
		Data: &types.JobData{
			RunID:               run.ID,
			Payload:             json.RawMessage(payload),
			FlowVersionID:       fv.ID,
			CollectionID:        cv.CollectionID,
			CollectionVersionID: cv.ID,
			Environment:         types.EnvironmentProduction,
		},
	}
}

func TestExecuteRunSucceeds(t *testing.T) {
	fx := newFixture(t, `printf '{"status":"SUCCEEDED"}' > output.json`+"\n", time.Minute)
	ctx := context.Background()
	cv, fv := fx.seed(t)

	run := fx.startRun(t, cv, fv, `{"hello":"world"}`)
	fx.worker.handle(ctx, runJob(run, cv, fv, `{"hello":"world"}`))

	finished, err := fx.runs.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if finished.Status != types.RunStatusSucceeded {
		t.Fatalf("status = %s", finished.Status)
	}
	if finished.FinishTime == nil {
		t.Fatal("finish time not set")
	}
	if finished.LogsFileID == "" {
		t.Fatal("logs not persisted")
	}

	logs, err := fx.files.Get(ctx, finished.LogsFileID)
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(logs.Data, &doc); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if doc["exit_code"] != float64(0) {
		t.Fatalf("logged exit code = %v", doc["exit_code"])
	}

	t.Run("caches packaged artifact on draft version", func(t *testing.T) {
		stored, err := fx.flows.GetVersion(ctx, fv.ID)
		if err != nil {
			t.Fatalf("get version: %v", err)
		}
		packagedID := stored.Trigger.NextAction.Settings.ArtifactPackagedID
		if packagedID == "" {
			t.Fatal("packaged artifact id not cached")
		}
		if _, err := fx.files.Get(ctx, packagedID); err != nil {
			t.Fatalf("packaged artifact missing from file store: %v", err)
		}
	})
}

func TestExecuteRunEngineVerdictFailed(t *testing.T) {
	fx := newFixture(t, `printf '{"status":"FAILED"}' > output.json`+"\n", time.Minute)
	ctx := context.Background()
	cv, fv := fx.seed(t)

	run := fx.startRun(t, cv, fv, "{}")
	fx.worker.handle(ctx, runJob(run, cv, fv, "{}"))

	finished, _ := fx.runs.GetRun(ctx, run.ID)
	if finished.Status != types.RunStatusFailed {
		t.Fatalf("status = %s", finished.Status)
	}
}

func TestExecuteRunTimeout(t *testing.T) {
	fx := newFixture(t, "sleep 10\n", 100*time.Millisecond)
	ctx := context.Background()
	cv, fv := fx.seed(t)

	run := fx.startRun(t, cv, fv, "{}")
	fx.worker.handle(ctx, runJob(run, cv, fv, "{}"))

	finished, _ := fx.runs.GetRun(ctx, run.ID)
	if finished.Status != types.RunStatusTimeout {
		t.Fatalf("status = %s", finished.Status)
	}
}

func TestExecuteRunUnresolvableVersion(t *testing.T) {
	fx := newFixture(t, `printf '{"status":"SUCCEEDED"}' > output.json`+"\n", time.Minute)
	ctx := context.Background()
	cv, fv := fx.seed(t)

	run := fx.startRun(t, cv, fv, "{}")
	job := runJob(run, cv, fv, "{}")
	job.Data.FlowVersionID = "ghost"
	fx.worker.handle(ctx, job)

	finished, _ := fx.runs.GetRun(ctx, run.ID)
	if finished.Status != types.RunStatusInternalError {
		t.Fatalf("status = %s", finished.Status)
	}
}

func TestFireScheduleTriggerStartsRun(t *testing.T) {
	fx := newFixture(t, `printf '{"status":"SUCCEEDED"}' > output.json`+"\n", time.Minute)
	ctx := context.Background()
	cv, fv := fx.seed(t)

	fx.worker.handle(ctx, &queue.Job{
		ID:             "repeat:" + fv.ID,
		CronExpression: "0 * * * *",
		Data: &types.JobData{
			TriggerType:         types.TriggerSchedule,
			FlowVersionID:       fv.ID,
			CollectionID:        cv.CollectionID,
			CollectionVersionID: cv.ID,
			Environment:         types.EnvironmentProduction,
		},
	})

	runs, err := fx.runs.ListRuns(ctx, cv.CollectionID, nil)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one run, got %d", len(runs))
	}
	if runs[0].Status != types.RunStatusRunning {
		t.Fatalf("status = %s", runs[0].Status)
	}
}

func TestFirePollingTriggerStartsRunPerPayload(t *testing.T) {
	fx := newFixture(t, `printf '[{"id":1},{"id":2}]' > output.json`+"\n", time.Minute)
	ctx := context.Background()
	cv, fv := fx.seed(t)

	fx.worker.handle(ctx, &queue.Job{
		ID:             "repeat:" + fv.ID,
		CronExpression: "*/15 * * * *",
		Data: &types.JobData{
			TriggerType:         types.TriggerPiece,
			FlowVersionID:       fv.ID,
			CollectionID:        cv.CollectionID,
			CollectionVersionID: cv.ID,
			Environment:         types.EnvironmentProduction,
		},
	})

	runs, err := fx.runs.ListRuns(ctx, cv.CollectionID, nil)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected two runs, got %d", len(runs))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		result *engine.Result
		want   types.RunStatus
	}{
		{"timeout beats verdict", &engine.Result{TimedOut: true, Output: json.RawMessage(`{"status":"SUCCEEDED"}`)}, types.RunStatusTimeout},
		{"verdict succeeded", &engine.Result{Output: json.RawMessage(`{"status":"SUCCEEDED"}`)}, types.RunStatusSucceeded},
		{"verdict failed wins over clean exit", &engine.Result{Output: json.RawMessage(`{"status":"FAILED"}`)}, types.RunStatusFailed},
		{"abnormal exit without verdict", &engine.Result{ExitCode: 2}, types.RunStatusInternalError},
		{"unknown verdict falls back to exit code", &engine.Result{ExitCode: 2, Output: json.RawMessage(`{"status":"BOGUS"}`)}, types.RunStatusInternalError},
		{"clean exit without verdict", &engine.Result{}, types.RunStatusSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.result); got != tt.want {
				t.Fatalf("classify() = %s, want %s", got, tt.want)
			}
		})
	}
}
