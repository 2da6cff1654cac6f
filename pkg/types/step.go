package types

// TriggerType discriminates the entry point of a flow.
type TriggerType string

const (
	TriggerEmpty    TriggerType = "EMPTY"
	TriggerSchedule TriggerType = "SCHEDULE"
	TriggerPiece    TriggerType = "PIECE"
)

// ActionType discriminates the steps chained after the trigger.
type ActionType string

const (
	ActionCode  ActionType = "CODE"
	ActionPiece ActionType = "PIECE"
)

// PieceStrategy is how a PIECE trigger receives events.
type PieceStrategy string

const (
	StrategyWebhook PieceStrategy = "WEBHOOK"
	StrategyPolling PieceStrategy = "POLLING"
)

// Trigger is the root of a flow's step chain.
type Trigger struct {
	Type        TriggerType      `json:"type"`
	Name        string           `json:"name"`
	DisplayName string           `json:"display_name,omitempty"`
	Settings    *TriggerSettings `json:"settings,omitempty"`
	Valid       bool             `json:"valid"`
	NextAction  *Action          `json:"next_action,omitempty"`
}

// TriggerSettings holds the per-type trigger configuration.
// Only the fields for the owning trigger's type are populated.
type TriggerSettings struct {
	// SCHEDULE
	CronExpression string `json:"cron_expression,omitempty"`

	// PIECE
	PieceName   string         `json:"piece_name,omitempty"`
	TriggerName string         `json:"trigger_name,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

// Action is one step in the singly linked chain after the trigger.
type Action struct {
	Type        ActionType      `json:"type"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name,omitempty"`
	Settings    *ActionSettings `json:"settings,omitempty"`
	Valid       bool            `json:"valid"`
	NextAction  *Action         `json:"next_action,omitempty"`
}

// ActionSettings holds the per-type action configuration.
type ActionSettings struct {
	// CODE. Artifact carries inline source on incoming requests; the
	// platform moves it into the file store and clears it, leaving
	// ArtifactSourceID (and, once packaged, ArtifactPackagedID) behind.
	Artifact           string `json:"artifact,omitempty"`
	ArtifactSourceID   string `json:"artifact_source_id,omitempty"`
	ArtifactPackagedID string `json:"artifact_packaged_id,omitempty"`

	// PIECE
	PieceName  string `json:"piece_name,omitempty"`
	ActionName string `json:"action_name,omitempty"`

	Input map[string]any `json:"input,omitempty"`
}

// Actions walks the chain in order, trigger excluded.
func (t *Trigger) Actions() []*Action {
	var out []*Action
	for a := t.NextAction; a != nil; a = a.NextAction {
		out = append(out, a)
	}
	return out
}

// LastAction returns the tail of the chain, or nil for a bare trigger.
func (t *Trigger) LastAction() *Action {
	var last *Action
	for a := t.NextAction; a != nil; a = a.NextAction {
		last = a
	}
	return last
}

// Clone returns a deep copy of the trigger and its action chain.
func (t *Trigger) Clone() *Trigger {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Settings = t.Settings.clone()
	cp.NextAction = t.NextAction.Clone()
	return &cp
}

// Clone returns a deep copy of the action and everything chained after it.
func (a *Action) Clone() *Action {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Settings = a.Settings.clone()
	cp.NextAction = a.NextAction.Clone()
	return &cp
}

func (s *TriggerSettings) clone() *TriggerSettings {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Input = cloneInput(s.Input)
	return &cp
}

func (s *ActionSettings) clone() *ActionSettings {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Input = cloneInput(s.Input)
	return &cp
}

func cloneInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
