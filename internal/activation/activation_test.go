package activation

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/flowdeck/flowdeck/internal/apperr"
	"github.com/flowdeck/flowdeck/internal/collectionstore"
	"github.com/flowdeck/flowdeck/internal/flowstore"
	"github.com/flowdeck/flowdeck/internal/pieces"
	"github.com/flowdeck/flowdeck/internal/queue"
	"github.com/flowdeck/flowdeck/internal/trigger"
	"github.com/flowdeck/flowdeck/pkg/types"
)

type fixture struct {
	svc         *Service
	flows       *flowstore.MemoryStore
	collections *collectionstore.MemoryStore
	jobs        *queue.MemoryQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	flows := flowstore.NewMemoryStore()
	collections := collectionstore.NewMemoryStore()
	jobs := queue.NewMemoryQueue()
	t.Cleanup(func() { jobs.Close() })

	triggers := trigger.New(jobs, pieces.NewMemoryRegistry(), "https://hooks.example.com", slog.Default())
	return &fixture{
		svc:         New(collections, flows, triggers, slog.Default()),
		flows:       flows,
		collections: collections,
		jobs:        jobs,
	}
}

func (fx *fixture) seedCollection(t *testing.T) (*types.Collection, *types.CollectionVersion) {
	t.Helper()
	ctx := context.Background()
	collection, err := fx.collections.CreateCollection(ctx)
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}
	version, err := fx.collections.CreateVersion(ctx, collection.ID, &collectionstore.CreateVersionRequest{DisplayName: "v1"})
	if err != nil {
		t.Fatalf("create collection version: %v", err)
	}
	return collection, version
}

func (fx *fixture) seedFlow(t *testing.T, collectionID string) (*types.Flow, *types.FlowVersion) {
	t.Helper()
	ctx := context.Background()
	flow, err := fx.flows.CreateFlow(ctx, collectionID)
	if err != nil {
		t.Fatalf("create flow: %v", err)
	}
	version, err := fx.flows.CreateVersion(ctx, flow.ID, &flowstore.CreateVersionRequest{
		DisplayName: "flow v1",
		Trigger: &types.Trigger{
			Type:     types.TriggerSchedule,
			Name:     "trigger",
			Settings: &types.TriggerSettings{CronExpression: "0 * * * *"},
			Valid:    true,
		},
		Valid: true,
	})
	if err != nil {
		t.Fatalf("create flow version: %v", err)
	}
	return flow, version
}

// Activating pins the latest versions, locks them, and registers the
// triggers of every pinned flow version.
func TestActivate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	collection, collectionVersion := fx.seedCollection(t)
	flow, flowVersion := fx.seedFlow(t, collection.ID)

	instance, err := fx.svc.Upsert(ctx, &UpsertRequest{
		CollectionID: collection.ID,
		Status:       types.InstanceEnabled,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	t.Run("pins latest versions", func(t *testing.T) {
		if instance.CollectionVersionID != collectionVersion.ID {
			t.Fatalf("pinned collection version %s", instance.CollectionVersionID)
		}
		if instance.FlowVersionIDs[flow.ID] != flowVersion.ID {
			t.Fatalf("pinned flow version %s", instance.FlowVersionIDs[flow.ID])
		}
	})

	t.Run("locks everything pinned", func(t *testing.T) {
		cv, err := fx.collections.GetVersion(ctx, collectionVersion.ID)
		if err != nil {
			t.Fatalf("get collection version: %v", err)
		}
		if cv.State != types.StateLocked {
			t.Fatalf("collection version state = %s", cv.State)
		}
		fv, err := fx.flows.GetVersion(ctx, flowVersion.ID)
		if err != nil {
			t.Fatalf("get flow version: %v", err)
		}
		if fv.State != types.StateLocked {
			t.Fatalf("flow version state = %s", fv.State)
		}
	})

	t.Run("registers triggers", func(t *testing.T) {
		if err := fx.jobs.Remove(ctx, "repeat:"+flowVersion.ID); err != nil {
			t.Fatalf("no trigger registration: %v", err)
		}
	})
}

// Editing after activation and re-activating repins to the fresh
// versions and swaps the trigger registrations.
func TestReactivateRepins(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	collection, _ := fx.seedCollection(t)
	flow, v1 := fx.seedFlow(t, collection.ID)

	if _, err := fx.svc.Upsert(ctx, &UpsertRequest{CollectionID: collection.ID, Status: types.InstanceEnabled}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	v2, err := fx.flows.CreateVersion(ctx, flow.ID, &flowstore.CreateVersionRequest{
		DisplayName: "flow v2",
		Trigger: &types.Trigger{
			Type:     types.TriggerSchedule,
			Name:     "trigger",
			Settings: &types.TriggerSettings{CronExpression: "30 * * * *"},
			Valid:    true,
		},
		Valid: true,
	})
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}

	instance, err := fx.svc.Upsert(ctx, &UpsertRequest{CollectionID: collection.ID, Status: types.InstanceEnabled})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if instance.FlowVersionIDs[flow.ID] != v2.ID {
		t.Fatalf("pinned %s, want %s", instance.FlowVersionIDs[flow.ID], v2.ID)
	}
	if err := fx.jobs.Remove(ctx, "repeat:"+v1.ID); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatal("old registration survived re-activation")
	}
	if err := fx.jobs.Remove(ctx, "repeat:"+v2.ID); err != nil {
		t.Fatalf("new registration missing: %v", err)
	}

	fv2, _ := fx.flows.GetVersion(ctx, v2.ID)
	if fv2.State != types.StateLocked {
		t.Fatal("repinned version not locked")
	}
}

// Deactivation removes registrations but never unlocks versions.
func TestDeactivate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	collection, _ := fx.seedCollection(t)
	_, flowVersion := fx.seedFlow(t, collection.ID)

	if _, err := fx.svc.Upsert(ctx, &UpsertRequest{CollectionID: collection.ID, Status: types.InstanceEnabled}); err != nil {
		t.Fatalf("enable: %v", err)
	}

	instance, err := fx.svc.SetStatus(ctx, collection.ID, types.InstanceDisabled)
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if instance.Status != types.InstanceDisabled {
		t.Fatalf("status = %s", instance.Status)
	}

	if err := fx.jobs.Remove(ctx, "repeat:"+flowVersion.ID); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatal("registration survived deactivation")
	}

	fv, _ := fx.flows.GetVersion(ctx, flowVersion.ID)
	if fv.State != types.StateLocked {
		t.Fatal("deactivation must not unlock versions")
	}
}

func TestUpsertDisabledRegistersNothing(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	collection, _ := fx.seedCollection(t)
	_, flowVersion := fx.seedFlow(t, collection.ID)

	instance, err := fx.svc.Upsert(ctx, &UpsertRequest{CollectionID: collection.ID, Status: types.InstanceDisabled})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if instance.Status != types.InstanceDisabled {
		t.Fatalf("status = %s", instance.Status)
	}

	if err := fx.jobs.Remove(ctx, "repeat:"+flowVersion.ID); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatal("disabled upsert registered a trigger")
	}
	fv, _ := fx.flows.GetVersion(ctx, flowVersion.ID)
	if fv.State != types.StateDraft {
		t.Fatal("disabled upsert must not lock versions")
	}
}

// instanceWriteFailStore refuses instance writes, standing in for a
// store outage mid-activation.
type instanceWriteFailStore struct {
	collectionstore.CollectionStore
}

func (s *instanceWriteFailStore) UpsertInstance(ctx context.Context, instance *types.Instance) (*types.Instance, error) {
	return nil, errors.New("instance write refused")
}

// A failed instance write during re-enable must not leave live trigger
// registrations behind.
func TestSetStatusPersistsBeforeEnabling(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	collection, _ := fx.seedCollection(t)
	_, flowVersion := fx.seedFlow(t, collection.ID)

	if _, err := fx.svc.Upsert(ctx, &UpsertRequest{CollectionID: collection.ID, Status: types.InstanceDisabled}); err != nil {
		t.Fatalf("seed instance: %v", err)
	}

	failing := New(
		&instanceWriteFailStore{CollectionStore: fx.collections},
		fx.flows,
		trigger.New(fx.jobs, pieces.NewMemoryRegistry(), "https://hooks.example.com", slog.Default()),
		slog.Default(),
	)
	if _, err := failing.SetStatus(ctx, collection.ID, types.InstanceEnabled); err == nil {
		t.Fatal("expected persistence failure to surface")
	}

	if err := fx.jobs.Remove(ctx, "repeat:"+flowVersion.ID); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatal("failed enable left a live registration")
	}
	stored, err := fx.collections.GetInstance(ctx, collection.ID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if stored.Status != types.InstanceDisabled {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestUpsertUnknownCollection(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.Upsert(context.Background(), &UpsertRequest{
		CollectionID: "ghost",
		Status:       types.InstanceEnabled,
	})
	if !apperr.Is(err, apperr.CodeCollectionNotFound) {
		t.Fatalf("expected collection_not_found, got %v", err)
	}
}
