package types

import "encoding/json"

// JobData is the payload carried by a queued job. The consumer
// dispatches on shape: RunID set means a one-time execution job,
// TriggerType set means a repeatable trigger job.
type JobData struct {
	// One-time jobs
	RunID   string          `json:"run_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Repeatable jobs
	TriggerType TriggerType `json:"trigger_type,omitempty"`

	// Common
	FlowVersionID       string      `json:"flow_version_id"`
	CollectionID        string      `json:"collection_id,omitempty"`
	CollectionVersionID string      `json:"collection_version_id"`
	Environment         Environment `json:"environment,omitempty"`
}

// OneTime reports whether the job drives a single flow run.
func (d *JobData) OneTime() bool {
	return d.RunID != ""
}
