package collectionstore

import (
	"context"
	"errors"
	"testing"

	"github.com/flowdeck/flowdeck/pkg/types"
)

func TestVersionDiscipline(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	collection, err := s.CreateCollection(ctx)
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}

	t.Run("no versions yet", func(t *testing.T) {
		if _, err := s.LatestVersion(ctx, collection.ID); !errors.Is(err, ErrVersionNotFound) {
			t.Fatalf("expected ErrVersionNotFound, got %v", err)
		}
	})

	v1, err := s.CreateVersion(ctx, collection.ID, &CreateVersionRequest{
		DisplayName: "v1",
		Configs:     []types.Config{{Key: "api_key", Value: "secret"}},
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if v1.State != types.StateDraft {
		t.Fatalf("new version state = %s", v1.State)
	}

	t.Run("draft is editable", func(t *testing.T) {
		v1.DisplayName = "v1 renamed"
		updated, err := s.UpdateVersion(ctx, v1)
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.DisplayName != "v1 renamed" {
			t.Fatalf("display name = %s", updated.DisplayName)
		}
	})

	t.Run("locked rejects edits", func(t *testing.T) {
		if err := s.LockVersion(ctx, v1.ID); err != nil {
			t.Fatalf("lock: %v", err)
		}
		v1.DisplayName = "tamper"
		if _, err := s.UpdateVersion(ctx, v1); !errors.Is(err, ErrVersionLocked) {
			t.Fatalf("expected ErrVersionLocked, got %v", err)
		}
		// Lock is idempotent.
		if err := s.LockVersion(ctx, v1.ID); err != nil {
			t.Fatalf("relock: %v", err)
		}
	})

	t.Run("latest follows creation order", func(t *testing.T) {
		v2, err := s.CreateVersion(ctx, collection.ID, &CreateVersionRequest{DisplayName: "v2"})
		if err != nil {
			t.Fatalf("create v2: %v", err)
		}
		latest, err := s.LatestVersion(ctx, collection.ID)
		if err != nil {
			t.Fatalf("latest: %v", err)
		}
		if latest.ID != v2.ID {
			t.Fatalf("latest = %s, want %s", latest.ID, v2.ID)
		}
	})

	t.Run("unknown collection", func(t *testing.T) {
		if _, err := s.CreateVersion(ctx, "ghost", &CreateVersionRequest{}); !errors.Is(err, ErrCollectionNotFound) {
			t.Fatalf("expected ErrCollectionNotFound, got %v", err)
		}
	})
}

func TestInstanceUpsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	collection, err := s.CreateCollection(ctx)
	if err != nil {
		t.Fatalf("create collection: %v", err)
	}

	first, err := s.UpsertInstance(ctx, &types.Instance{
		CollectionID:        collection.ID,
		CollectionVersionID: "cv-1",
		FlowVersionIDs:      map[string]string{"flow-1": "fv-1"},
		Status:              types.InstanceEnabled,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if first.ID == "" {
		t.Fatal("no id assigned")
	}

	t.Run("re-upsert keeps identity", func(t *testing.T) {
		second, err := s.UpsertInstance(ctx, &types.Instance{
			CollectionID:        collection.ID,
			CollectionVersionID: "cv-2",
			FlowVersionIDs:      map[string]string{"flow-1": "fv-2"},
			Status:              types.InstanceEnabled,
		})
		if err != nil {
			t.Fatalf("re-upsert: %v", err)
		}
		if second.ID != first.ID {
			t.Fatalf("id changed across upsert: %s vs %s", second.ID, first.ID)
		}
		if second.CollectionVersionID != "cv-2" {
			t.Fatalf("pins not replaced: %s", second.CollectionVersionID)
		}
		if !second.CreatedAt.Equal(first.CreatedAt) {
			t.Fatal("creation time rewritten")
		}
	})

	t.Run("get returns a copy", func(t *testing.T) {
		got, err := s.GetInstance(ctx, collection.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		got.FlowVersionIDs["flow-1"] = "tampered"
		again, _ := s.GetInstance(ctx, collection.ID)
		if again.FlowVersionIDs["flow-1"] == "tampered" {
			t.Fatal("caller mutation leaked into the store")
		}
	})

	t.Run("unknown collection", func(t *testing.T) {
		if _, err := s.GetInstance(ctx, "ghost"); !errors.Is(err, ErrInstanceNotFound) {
			t.Fatalf("expected ErrInstanceNotFound, got %v", err)
		}
	})
}

func TestDeleteCollectionCascades(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	collection, _ := s.CreateCollection(ctx)
	version, _ := s.CreateVersion(ctx, collection.ID, &CreateVersionRequest{DisplayName: "v1"})
	if _, err := s.UpsertInstance(ctx, &types.Instance{CollectionID: collection.ID, Status: types.InstanceDisabled}); err != nil {
		t.Fatalf("upsert instance: %v", err)
	}

	if err := s.DeleteCollection(ctx, collection.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetCollection(ctx, collection.ID); !errors.Is(err, ErrCollectionNotFound) {
		t.Fatalf("collection survived delete: %v", err)
	}
	if _, err := s.GetVersion(ctx, version.ID); !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("version survived delete: %v", err)
	}
	if _, err := s.GetInstance(ctx, collection.ID); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("instance survived delete: %v", err)
	}
}
