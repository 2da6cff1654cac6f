// Package flowsvc applies user edits to flows under the copy-on-write
// version discipline: reads the latest version, branches a fresh DRAFT
// when it is LOCKED, applies the operation to the draft, and
// revalidates the whole step chain. The read-clone-apply sequence runs
// under the per-flow lock so concurrent editors serialize instead of
// losing updates.
package flowsvc

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/flowdeck/flowdeck/internal/apperr"
	"github.com/flowdeck/flowdeck/internal/filestore"
	"github.com/flowdeck/flowdeck/internal/flowstore"
	"github.com/flowdeck/flowdeck/internal/lock"
	"github.com/flowdeck/flowdeck/internal/pieces"
	"github.com/flowdeck/flowdeck/pkg/types"
)

// OperationType discriminates flow edits.
type OperationType string

const (
	OpAddAction     OperationType = "ADD_ACTION"
	OpUpdateAction  OperationType = "UPDATE_ACTION"
	OpDeleteAction  OperationType = "DELETE_ACTION"
	OpUpdateTrigger OperationType = "UPDATE_TRIGGER"
	OpChangeName    OperationType = "CHANGE_NAME"
)

// Operation is one edit against a flow's latest version.
type Operation struct {
	Type OperationType `json:"type"`

	// ADD_ACTION appends to the chain; UPDATE_ACTION replaces the
	// action with the same name.
	Action *types.Action `json:"action,omitempty"`

	// DELETE_ACTION removes the named action from the chain.
	ActionName string `json:"action_name,omitempty"`

	// UPDATE_TRIGGER replaces the trigger, keeping the action chain.
	Trigger *types.Trigger `json:"trigger,omitempty"`

	// CHANGE_NAME renames the version.
	DisplayName string `json:"display_name,omitempty"`
}

// Service owns flow mutation.
type Service struct {
	flows    flowstore.FlowStore
	files    filestore.Store
	registry pieces.Registry
	locks    lock.Service
}

// New creates the flow service.
func New(flows flowstore.FlowStore, files filestore.Store, registry pieces.Registry, locks lock.Service) *Service {
	return &Service{flows: flows, files: files, registry: registry, locks: locks}
}

// Create anchors a new flow with an initial DRAFT version.
func (s *Service) Create(ctx context.Context, collectionID, displayName string, trigger *types.Trigger) (*types.Flow, *types.FlowVersion, error) {
	if trigger == nil {
		trigger = &types.Trigger{Type: types.TriggerEmpty, Name: "trigger", Valid: true}
	}

	flow, err := s.flows.CreateFlow(ctx, collectionID)
	if err != nil {
		return nil, nil, err
	}

	version := &types.FlowVersion{Trigger: trigger}
	if err := s.stageArtifacts(ctx, version); err != nil {
		return nil, nil, err
	}
	s.validateVersion(version)

	created, err := s.flows.CreateVersion(ctx, flow.ID, &flowstore.CreateVersionRequest{
		DisplayName: displayName,
		Trigger:     version.Trigger,
		Valid:       version.Valid,
	})
	if err != nil {
		return nil, nil, err
	}
	return flow, created, nil
}

// ApplyOperation edits a flow under the per-flow lock, branching a new
// DRAFT first when the latest version is LOCKED.
func (s *Service) ApplyOperation(ctx context.Context, flowID string, op *Operation) (*types.FlowVersion, error) {
	release, err := s.locks.Acquire(ctx, "flow:"+flowID)
	if err != nil {
		return nil, err
	}
	defer release()

	version, err := s.flows.LatestVersion(ctx, flowID)
	if err != nil {
		if errors.Is(err, flowstore.ErrVersionNotFound) {
			return nil, apperr.Wrap(apperr.CodeFlowVersionNotFound, err, map[string]any{"flow_id": flowID})
		}
		return nil, err
	}

	if version.State == types.StateLocked {
		version, err = s.flows.CreateVersion(ctx, flowID, &flowstore.CreateVersionRequest{
			DisplayName: version.DisplayName,
			Trigger:     version.Trigger,
			Valid:       version.Valid,
		})
		if err != nil {
			return nil, err
		}
	}

	if err := applyOperation(version, op); err != nil {
		return nil, err
	}
	if err := s.stageArtifacts(ctx, version); err != nil {
		return nil, err
	}
	s.validateVersion(version)

	return s.flows.UpdateVersion(ctx, version)
}

func applyOperation(version *types.FlowVersion, op *Operation) error {
	switch op.Type {
	case OpAddAction:
		if op.Action == nil {
			return fmt.Errorf("add action: missing action")
		}
		action := op.Action.Clone()
		action.NextAction = nil
		if last := version.Trigger.LastAction(); last != nil {
			last.NextAction = action
		} else {
			version.Trigger.NextAction = action
		}
	case OpUpdateAction:
		if op.Action == nil {
			return fmt.Errorf("update action: missing action")
		}
		prev := (*types.Action)(nil)
		for a := version.Trigger.NextAction; a != nil; a = a.NextAction {
			if a.Name == op.Action.Name {
				replacement := op.Action.Clone()
				replacement.NextAction = a.NextAction
				if prev == nil {
					version.Trigger.NextAction = replacement
				} else {
					prev.NextAction = replacement
				}
				return nil
			}
			prev = a
		}
		return fmt.Errorf("update action: %q not in chain", op.Action.Name)
	case OpDeleteAction:
		prev := (*types.Action)(nil)
		for a := version.Trigger.NextAction; a != nil; a = a.NextAction {
			if a.Name == op.ActionName {
				if prev == nil {
					version.Trigger.NextAction = a.NextAction
				} else {
					prev.NextAction = a.NextAction
				}
				return nil
			}
			prev = a
		}
		return fmt.Errorf("delete action: %q not in chain", op.ActionName)
	case OpUpdateTrigger:
		if op.Trigger == nil {
			return fmt.Errorf("update trigger: missing trigger")
		}
		trigger := op.Trigger.Clone()
		trigger.NextAction = version.Trigger.NextAction
		version.Trigger = trigger
	case OpChangeName:
		version.DisplayName = op.DisplayName
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	return nil
}

// stageArtifacts moves inline CODE sources into the file store. The
// inline field is cleared once stored, and any previously packaged
// bundle is invalidated because the source changed.
func (s *Service) stageArtifacts(ctx context.Context, version *types.FlowVersion) error {
	for a := version.Trigger.NextAction; a != nil; a = a.NextAction {
		if a.Type != types.ActionCode || a.Settings == nil || a.Settings.Artifact == "" {
			continue
		}
		file, err := s.files.Save(ctx, []byte(a.Settings.Artifact))
		if err != nil {
			return fmt.Errorf("store action source: %w", err)
		}
		a.Settings.Artifact = ""
		a.Settings.ArtifactSourceID = file.ID
		a.Settings.ArtifactPackagedID = ""
	}
	return nil
}

// validateVersion recomputes the valid flag for every step and the
// version itself. It is a pure function over the decoded chain apart
// from catalog lookups.
func (s *Service) validateVersion(version *types.FlowVersion) {
	version.Trigger.Valid = s.validateTrigger(version.Trigger)
	valid := version.Trigger.Valid
	for a := version.Trigger.NextAction; a != nil; a = a.NextAction {
		a.Valid = s.validateAction(a)
		valid = valid && a.Valid
	}
	version.Valid = valid
}

func (s *Service) validateTrigger(t *types.Trigger) bool {
	switch t.Type {
	case types.TriggerEmpty:
		return true
	case types.TriggerSchedule:
		if t.Settings == nil || t.Settings.CronExpression == "" {
			return false
		}
		_, err := cron.ParseStandard(t.Settings.CronExpression)
		return err == nil
	case types.TriggerPiece:
		if t.Settings == nil {
			return false
		}
		piece, err := s.registry.Resolve(t.Settings.PieceName)
		if err != nil {
			return false
		}
		def, err := piece.GetTrigger(t.Settings.TriggerName)
		if err != nil {
			return false
		}
		return def.ValidateInput(t.Settings.Input)
	default:
		return false
	}
}

func (s *Service) validateAction(a *types.Action) bool {
	if a.Settings == nil {
		return false
	}
	switch a.Type {
	case types.ActionCode:
		return a.Settings.ArtifactSourceID != ""
	case types.ActionPiece:
		piece, err := s.registry.Resolve(a.Settings.PieceName)
		if err != nil {
			return false
		}
		def, err := piece.GetAction(a.Settings.ActionName)
		if err != nil {
			return false
		}
		return def.ValidateInput(a.Settings.Input)
	default:
		return false
	}
}
