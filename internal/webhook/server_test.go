package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flowdeck/flowdeck/internal/activation"
	"github.com/flowdeck/flowdeck/internal/collectionstore"
	"github.com/flowdeck/flowdeck/internal/filestore"
	"github.com/flowdeck/flowdeck/internal/flowstore"
	"github.com/flowdeck/flowdeck/internal/flowsvc"
	"github.com/flowdeck/flowdeck/internal/lock"
	"github.com/flowdeck/flowdeck/internal/pieces"
	"github.com/flowdeck/flowdeck/internal/queue"
	"github.com/flowdeck/flowdeck/internal/runstore"
	"github.com/flowdeck/flowdeck/internal/runsvc"
	"github.com/flowdeck/flowdeck/internal/token"
	"github.com/flowdeck/flowdeck/internal/trigger"
	"github.com/flowdeck/flowdeck/pkg/types"
)

type fixture struct {
	handler     http.Handler
	signer      *token.Signer
	flows       *flowstore.MemoryStore
	collections *collectionstore.MemoryStore
	runs        *runstore.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	flows := flowstore.NewMemoryStore()
	collections := collectionstore.NewMemoryStore()
	runs := runstore.NewMemoryStore()
	files := filestore.NewMemoryStore()
	jobs := queue.NewMemoryQueue()
	t.Cleanup(func() { jobs.Close() })

	registry := pieces.NewMemoryRegistry()
	locks := lock.NewMemoryService()
	logger := slog.Default()
	signer := token.NewSigner("http-test-secret", time.Minute)

	runService := runsvc.New(runs, flows, collections, jobs, logger)
	triggers := trigger.New(jobs, registry, "https://hooks.example.com", logger)

	srv := NewServer(Deps{
		Flows:       flows,
		Collections: collections,
		Runs:        runService,
		FlowSvc:     flowsvc.New(flows, files, registry, locks),
		Instances:   activation.New(collections, flows, triggers, logger),
		Verifier:    signer,
	}, 100, 100, logger)

	return &fixture{
		handler:     srv.Router(),
		signer:      signer,
		flows:       flows,
		collections: collections,
		runs:        runs,
	}
}

// seedEnabledFlow creates a collection, a flow with a valid EMPTY
// trigger version, and an ENABLED instance pinning it.
func (fx *fixture) seedEnabledFlow(t *testing.T) (*types.Flow, *types.Instance) {
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
	flow, err := fx.flows.CreateFlow(ctx, collection.ID)
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}
	flowVersion, err := fx.flows.CreateVersion(ctx, flow.ID, &flowstore.CreateVersionRequest{
		DisplayName: "hooked flow",
		Trigger:     &types.Trigger{Type: types.TriggerEmpty, Name: "trigger", Valid: true},
		Valid:       true,
	})
	if err != nil {
		t.Fatalf("create flow version: %v", err)
	}
	instance, err := fx.collections.UpsertInstance(ctx, &types.Instance{
		CollectionID:        collection.ID,
		CollectionVersionID: collectionVersion.ID,
		FlowVersionIDs:      map[string]string{flow.ID: flowVersion.ID},
		Status:              types.InstanceEnabled,
	})
	if err != nil {
		t.Fatalf("upsert instance: %v", err)
	}
	return flow, instance
}

func (fx *fixture) do(t *testing.T, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

func (fx *fixture) userToken(t *testing.T) string {
	t.Helper()
	tok, err := fx.signer.Encode(token.Principal{Type: token.PrincipalUser, ID: "tester"})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return tok
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope %q: %v", rec.Body.String(), err)
	}
	return envelope.Code
}

func TestWebhookDelivery(t *testing.T) {
	fx := newFixture(t)
	flow, instance := fx.seedEnabledFlow(t)

	rec := fx.do(t, http.MethodPost, "/v1/webhooks/"+flow.ID, `{"event":"ping"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var run types.FlowRun
	if err := json.Unmarshal(rec.Body.Bytes(), &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != types.RunStatusRunning {
		t.Fatalf("run status = %s", run.Status)
	}
	if run.FlowVersionID != instance.FlowVersionIDs[flow.ID] {
		t.Fatalf("run pinned version %s", run.FlowVersionID)
	}
	if run.Environment != types.EnvironmentProduction {
		t.Fatalf("run environment = %s", run.Environment)
	}

	stored, err := fx.runs.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("run not persisted: %v", err)
	}
	if string(stored.Payload) != `{"event":"ping"}` {
		t.Fatalf("payload = %s", stored.Payload)
	}
}

func TestWebhookRejections(t *testing.T) {
	fx := newFixture(t)
	flow, _ := fx.seedEnabledFlow(t)

	t.Run("unknown flow", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, "/v1/webhooks/ghost", "{}", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rec.Code)
		}
		if errorCode(t, rec) != "flow_not_found" {
			t.Fatalf("code = %s", errorCode(t, rec))
		}
	})

	t.Run("disabled instance", func(t *testing.T) {
		instance, err := fx.collections.GetInstance(context.Background(), flow.CollectionID)
		if err != nil {
			t.Fatalf("get instance: %v", err)
		}
		instance.Status = types.InstanceDisabled
		if _, err := fx.collections.UpsertInstance(context.Background(), instance); err != nil {
			t.Fatalf("disable instance: %v", err)
		}

		rec := fx.do(t, http.MethodPost, "/v1/webhooks/"+flow.ID, "{}", "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rec.Code)
		}
		if errorCode(t, rec) != "instance_not_found" {
			t.Fatalf("code = %s", errorCode(t, rec))
		}
	})
}

func TestManagementAPIAuth(t *testing.T) {
	fx := newFixture(t)

	t.Run("missing token", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, "/v1/collections", `{"display_name":"x"}`, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
		if errorCode(t, rec) != "invalid_bearer_token" {
			t.Fatalf("code = %s", errorCode(t, rec))
		}
	})

	t.Run("garbage token", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, "/v1/collections", `{"display_name":"x"}`, "not-a-jwt")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, "/v1/collections", `{"display_name":"x"}`, fx.userToken(t))
		if rec.Code != http.StatusOK && rec.Code != http.StatusCreated {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("webhook route stays open", func(t *testing.T) {
		// Deliveries come from third parties that hold no token; the
		// route must not fall under the API auth middleware.
		rec := fx.do(t, http.MethodPost, "/v1/webhooks/ghost", "{}", "")
		if rec.Code == http.StatusUnauthorized {
			t.Fatal("webhook delivery must not require a bearer token")
		}
	})
}

func TestManagementFlowLifecycle(t *testing.T) {
	fx := newFixture(t)
	bearer := fx.userToken(t)

	rec := fx.do(t, http.MethodPost, "/v1/collections", `{"display_name":"crm sync"}`, bearer)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create collection: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Collection types.Collection        `json:"collection"`
		Version    types.CollectionVersion `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode collection: %v", err)
	}

	rec = fx.do(t, http.MethodPost, "/v1/flows",
		`{"collection_id":"`+created.Collection.ID+`","display_name":"lead intake"}`, bearer)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create flow: %d %s", rec.Code, rec.Body.String())
	}
	var flowResp struct {
		Flow    types.Flow        `json:"flow"`
		Version types.FlowVersion `json:"version"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &flowResp); err != nil {
		t.Fatalf("decode flow: %v", err)
	}

	op := `{"type":"ADD_ACTION","action":{"type":"CODE","name":"step_1","display_name":"transform","valid":true,"settings":{"artifact":"exports.run = async () => 1;"}}}`
	rec = fx.do(t, http.MethodPost, "/v1/flows/"+flowResp.Flow.ID+"/operations", op, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply operation: %d %s", rec.Code, rec.Body.String())
	}
	var edited types.FlowVersion
	if err := json.Unmarshal(rec.Body.Bytes(), &edited); err != nil {
		t.Fatalf("decode edited version: %v", err)
	}
	if edited.Trigger.NextAction == nil || edited.Trigger.NextAction.Name != "step_1" {
		t.Fatalf("action not applied: %+v", edited.Trigger)
	}
	if edited.Trigger.NextAction.Settings.Artifact != "" {
		t.Fatal("inline source must be moved into the file store")
	}

	rec = fx.do(t, http.MethodPost, "/v1/instances", `{"collection_id":"`+created.Collection.ID+`"}`, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate: %d %s", rec.Code, rec.Body.String())
	}
	var instance types.Instance
	if err := json.Unmarshal(rec.Body.Bytes(), &instance); err != nil {
		t.Fatalf("decode instance: %v", err)
	}
	if instance.Status != types.InstanceEnabled {
		t.Fatalf("instance status = %s", instance.Status)
	}
	if instance.FlowVersionIDs[flowResp.Flow.ID] != edited.ID {
		t.Fatalf("instance pins %s, want %s", instance.FlowVersionIDs[flowResp.Flow.ID], edited.ID)
	}
}
