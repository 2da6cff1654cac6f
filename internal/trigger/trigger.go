// Package trigger wires a flow version's trigger into the outside
// world when its collection instance goes live, and tears it back down
// on deactivation. The queue job id encodes the registration: one
// "repeat:<flowVersionId>" entry per enabled scheduled or polling
// trigger, so enable is idempotent by construction.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowdeck/flowdeck/internal/apperr"
	"github.com/flowdeck/flowdeck/internal/metrics"
	"github.com/flowdeck/flowdeck/internal/pieces"
	"github.com/flowdeck/flowdeck/internal/queue"
	"github.com/flowdeck/flowdeck/pkg/types"
)

// PollingCron is the fixed schedule for PIECE triggers with the
// POLLING strategy.
const PollingCron = "*/15 * * * *"

// Engine enables and disables flow version triggers.
type Engine struct {
	jobs     queue.Queue
	registry pieces.Registry
	baseURL  string
	logger   *slog.Logger
}

// New creates a trigger engine. baseURL is the public prefix webhook
// callback URLs are built from.
func New(jobs queue.Queue, registry pieces.Registry, baseURL string, logger *slog.Logger) *Engine {
	return &Engine{
		jobs:     jobs,
		registry: registry,
		baseURL:  baseURL,
		logger:   logger.With("component", "trigger"),
	}
}

// WebhookURL is the deterministic callback address for a flow. It
// depends on the flow id only, so re-enabling a new version reuses the
// registration the piece already holds.
func (e *Engine) WebhookURL(flowID string) string {
	return fmt.Sprintf("%s/v1/webhooks/%s", e.baseURL, flowID)
}

// Enable activates the trigger of a flow version.
func (e *Engine) Enable(ctx context.Context, version *types.FlowVersion, collectionID, collectionVersionID string) error {
	metrics.TriggerRegistrations.WithLabelValues("enable", string(version.Trigger.Type)).Inc()

	switch version.Trigger.Type {
	case types.TriggerEmpty:
		return nil

	case types.TriggerSchedule:
		return e.addRepeatable(ctx, version, collectionID, collectionVersionID, version.Trigger.Settings.CronExpression)

	case types.TriggerPiece:
		def, tc, err := e.resolve(version)
		if err != nil {
			return err
		}
		switch def.Strategy {
		case types.StrategyWebhook:
			if def.OnEnable == nil {
				return nil
			}
			if err := def.OnEnable(ctx, tc); err != nil {
				return fmt.Errorf("enable webhook trigger %q: %w", version.Trigger.Settings.TriggerName, err)
			}
			e.logger.Info("webhook trigger enabled",
				"flow_version_id", version.ID,
				"piece", version.Trigger.Settings.PieceName)
			return nil
		case types.StrategyPolling:
			return e.addRepeatable(ctx, version, collectionID, collectionVersionID, PollingCron)
		default:
			return fmt.Errorf("unknown piece strategy %q", def.Strategy)
		}

	default:
		return fmt.Errorf("unknown trigger type %q", version.Trigger.Type)
	}
}

// Disable deactivates the trigger of a flow version. Errors propagate;
// a registration the platform cannot tear down must not be silently
// forgotten.
func (e *Engine) Disable(ctx context.Context, version *types.FlowVersion, collectionID string) error {
	metrics.TriggerRegistrations.WithLabelValues("disable", string(version.Trigger.Type)).Inc()

	switch version.Trigger.Type {
	case types.TriggerEmpty:
		return nil

	case types.TriggerSchedule:
		return e.removeRepeatable(ctx, version.ID)

	case types.TriggerPiece:
		def, tc, err := e.resolve(version)
		if err != nil {
			return err
		}
		switch def.Strategy {
		case types.StrategyWebhook:
			if def.OnDisable == nil {
				return nil
			}
			if err := def.OnDisable(ctx, tc); err != nil {
				return fmt.Errorf("disable webhook trigger %q: %w", version.Trigger.Settings.TriggerName, err)
			}
			return nil
		case types.StrategyPolling:
			return e.removeRepeatable(ctx, version.ID)
		default:
			return fmt.Errorf("unknown piece strategy %q", def.Strategy)
		}

	default:
		return fmt.Errorf("unknown trigger type %q", version.Trigger.Type)
	}
}

func (e *Engine) addRepeatable(ctx context.Context, version *types.FlowVersion, collectionID, collectionVersionID, cronExpr string) error {
	err := e.jobs.Add(ctx, &queue.Job{
		ID:             "repeat:" + version.ID,
		CronExpression: cronExpr,
		Data: &types.JobData{
			TriggerType:         version.Trigger.Type,
			FlowVersionID:       version.ID,
			CollectionID:        collectionID,
			CollectionVersionID: collectionVersionID,
			Environment:         types.EnvironmentProduction,
		},
	})
	if err != nil {
		return err
	}
	e.logger.Info("repeatable trigger registered",
		"flow_version_id", version.ID,
		"cron", cronExpr)
	return nil
}

func (e *Engine) removeRepeatable(ctx context.Context, flowVersionID string) error {
	if err := e.jobs.Remove(ctx, "repeat:"+flowVersionID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return apperr.Wrap(apperr.CodeJobRemovalFailure, err, map[string]any{
				"flow_version_id": flowVersionID,
			})
		}
		return err
	}
	e.logger.Info("repeatable trigger removed", "flow_version_id", flowVersionID)
	return nil
}

func (e *Engine) resolve(version *types.FlowVersion) (*pieces.TriggerDef, *pieces.TriggerContext, error) {
	settings := version.Trigger.Settings
	if settings == nil {
		return nil, nil, apperr.New(apperr.CodePieceNotFound, "piece trigger has no settings", map[string]any{
			"flow_version_id": version.ID,
		})
	}

	piece, err := e.registry.Resolve(settings.PieceName)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CodePieceNotFound, err, map[string]any{
			"piece_name": settings.PieceName,
		})
	}

	def, err := piece.GetTrigger(settings.TriggerName)
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.CodePieceTriggerNotFound, err, map[string]any{
			"piece_name":   settings.PieceName,
			"trigger_name": settings.TriggerName,
		})
	}

	tc := &pieces.TriggerContext{
		WebhookURL: e.WebhookURL(version.FlowID),
		Input:      settings.Input,
	}
	return def, tc, nil
}
