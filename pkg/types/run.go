package types

import (
	"encoding/json"
	"time"
)

// RunStatus represents the current state of a flow run.
type RunStatus string

const (
	RunStatusRunning       RunStatus = "RUNNING"
	RunStatusSucceeded     RunStatus = "SUCCEEDED"
	RunStatusFailed        RunStatus = "FAILED"
	RunStatusTimeout       RunStatus = "TIMEOUT"
	RunStatusInternalError RunStatus = "INTERNAL_ERROR"
)

// Terminal reports whether the status ends the run.
func (s RunStatus) Terminal() bool {
	return s != RunStatusRunning
}

// Environment selects the execution context of a run.
type Environment string

const (
	EnvironmentProduction Environment = "PRODUCTION"
	EnvironmentTest       Environment = "TEST"
)

// FlowRun is one execution attempt. It is created RUNNING at start
// time and mutated exactly once when the worker reports a terminal
// status; rows are never deleted by the engine.
type FlowRun struct {
	ID                  string          `json:"id"`
	FlowID              string          `json:"flow_id"`
	FlowVersionID       string          `json:"flow_version_id"`
	FlowDisplayName     string          `json:"flow_display_name,omitempty"`
	CollectionID        string          `json:"collection_id"`
	CollectionVersionID string          `json:"collection_version_id"`
	Environment         Environment     `json:"environment"`
	Status              RunStatus       `json:"status"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	LogsFileID          string          `json:"logs_file_id,omitempty"`
	StartTime           time.Time       `json:"start_time"`
	FinishTime          *time.Time      `json:"finish_time,omitempty"`
}
