// Package activation publishes a collection: it snapshots the latest
// collection version and the latest version of every flow into an
// instance, locks the pinned versions, and swaps trigger registrations
// from the previous pin set to the new one.
//
// Locking happens strictly before any trigger goes live, so a webhook
// or schedule can never fire against a version that is still editable.
// Deactivation only tears triggers down; locked versions stay locked.
package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/flowdeck/flowdeck/internal/apperr"
	"github.com/flowdeck/flowdeck/internal/collectionstore"
	"github.com/flowdeck/flowdeck/internal/flowstore"
	"github.com/flowdeck/flowdeck/internal/trigger"
	"github.com/flowdeck/flowdeck/pkg/types"
)

// UpsertRequest selects a collection and the desired live state.
type UpsertRequest struct {
	CollectionID string               `json:"collection_id"`
	Status       types.InstanceStatus `json:"status"`
}

// Service manages collection instances.
type Service struct {
	collections collectionstore.CollectionStore
	flows       flowstore.FlowStore
	triggers    *trigger.Engine
	logger      *slog.Logger
}

// New creates the activation service.
func New(collections collectionstore.CollectionStore, flows flowstore.FlowStore, triggers *trigger.Engine, logger *slog.Logger) *Service {
	return &Service{
		collections: collections,
		flows:       flows,
		triggers:    triggers,
		logger:      logger.With("component", "activation"),
	}
}

// Upsert repins the collection's instance to the latest versions and
// applies the requested status. The previous pin set is disabled
// before the new one is enabled, so a flow whose pinned version
// changed never holds two live registrations.
func (s *Service) Upsert(ctx context.Context, req *UpsertRequest) (*types.Instance, error) {
	if _, err := s.collections.GetCollection(ctx, req.CollectionID); err != nil {
		if errors.Is(err, collectionstore.ErrCollectionNotFound) {
			return nil, apperr.Wrap(apperr.CodeCollectionNotFound, err, map[string]any{
				"collection_id": req.CollectionID,
			})
		}
		return nil, err
	}

	collectionVersion, err := s.collections.LatestVersion(ctx, req.CollectionID)
	if err != nil {
		if errors.Is(err, collectionstore.ErrVersionNotFound) {
			return nil, apperr.Wrap(apperr.CodeCollectionVersionNotFound, err, map[string]any{
				"collection_id": req.CollectionID,
			})
		}
		return nil, err
	}

	pins, err := s.latestPins(ctx, req.CollectionID)
	if err != nil {
		return nil, err
	}

	previous, err := s.collections.GetInstance(ctx, req.CollectionID)
	if err != nil && !errors.Is(err, collectionstore.ErrInstanceNotFound) {
		return nil, err
	}
	if previous != nil && previous.Status == types.InstanceEnabled {
		if err := s.disable(ctx, previous); err != nil {
			return nil, err
		}
	}

	instance := &types.Instance{
		CollectionID:        req.CollectionID,
		CollectionVersionID: collectionVersion.ID,
		FlowVersionIDs:      pins,
		Status:              req.Status,
	}
	instance, err = s.collections.UpsertInstance(ctx, instance)
	if err != nil {
		return nil, err
	}

	if instance.Status == types.InstanceEnabled {
		if err := s.enable(ctx, instance); err != nil {
			return nil, err
		}
	}

	s.logger.Info("instance upserted",
		"collection_id", req.CollectionID,
		"collection_version_id", collectionVersion.ID,
		"flows", len(pins),
		"status", string(instance.Status))
	return instance, nil
}

// Get returns the instance of a collection.
func (s *Service) Get(ctx context.Context, collectionID string) (*types.Instance, error) {
	instance, err := s.collections.GetInstance(ctx, collectionID)
	if err != nil {
		if errors.Is(err, collectionstore.ErrInstanceNotFound) {
			return nil, apperr.Wrap(apperr.CodeInstanceNotFound, err, map[string]any{
				"collection_id": collectionID,
			})
		}
		return nil, err
	}
	return instance, nil
}

// SetStatus flips an existing instance between ENABLED and DISABLED
// without repinning versions.
func (s *Service) SetStatus(ctx context.Context, collectionID string, status types.InstanceStatus) (*types.Instance, error) {
	instance, err := s.Get(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if instance.Status == status {
		return instance, nil
	}

	if status == types.InstanceEnabled {
		// Persist first, enable after, same order as Upsert: a failed
		// write must not leave live registrations behind.
		instance.Status = types.InstanceEnabled
		instance, err = s.collections.UpsertInstance(ctx, instance)
		if err != nil {
			return nil, err
		}
		if err := s.enable(ctx, instance); err != nil {
			return nil, err
		}
		return instance, nil
	}

	if err := s.disable(ctx, instance); err != nil {
		return nil, err
	}
	instance.Status = types.InstanceDisabled
	return s.collections.UpsertInstance(ctx, instance)
}

// latestPins resolves the latest version of every flow in the
// collection into the flowID -> flowVersionID pin map.
func (s *Service) latestPins(ctx context.Context, collectionID string) (map[string]string, error) {
	pins := make(map[string]string)
	opts := &flowstore.ListOptions{Limit: 100}
	for {
		flows, err := s.flows.ListFlows(ctx, collectionID, opts)
		if err != nil {
			return nil, err
		}
		for _, f := range flows {
			version, err := s.flows.LatestVersion(ctx, f.ID)
			if err != nil {
				if errors.Is(err, flowstore.ErrVersionNotFound) {
					continue
				}
				return nil, err
			}
			pins[f.ID] = version.ID
		}
		if len(flows) < opts.Limit {
			return pins, nil
		}
		opts.Cursor = flows[len(flows)-1].ID
	}
}

// enable locks every pinned version and then registers all triggers.
func (s *Service) enable(ctx context.Context, instance *types.Instance) error {
	if len(instance.FlowVersionIDs) == 0 {
		return nil
	}

	if err := s.collections.LockVersion(ctx, instance.CollectionVersionID); err != nil {
		return fmt.Errorf("lock collection version: %w", err)
	}
	versionIDs := make([]string, 0, len(instance.FlowVersionIDs))
	for _, id := range instance.FlowVersionIDs {
		versionIDs = append(versionIDs, id)
	}
	if err := s.flows.LockVersions(ctx, versionIDs...); err != nil {
		return fmt.Errorf("lock flow versions: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range versionIDs {
		versionID := id
		g.Go(func() error {
			version, err := s.flows.GetVersion(gctx, versionID)
			if err != nil {
				return err
			}
			return s.triggers.Enable(gctx, version, instance.CollectionID, instance.CollectionVersionID)
		})
	}
	return g.Wait()
}

// disable tears down trigger registrations. Versions stay locked.
func (s *Service) disable(ctx context.Context, instance *types.Instance) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range instance.FlowVersionIDs {
		versionID := id
		g.Go(func() error {
			version, err := s.flows.GetVersion(gctx, versionID)
			if err != nil {
				return err
			}
			return s.triggers.Disable(gctx, version, instance.CollectionID)
		})
	}
	return g.Wait()
}
