package types

import "time"

// InstanceStatus is the live/not-live switch of a deployment.
type InstanceStatus string

const (
	InstanceEnabled  InstanceStatus = "ENABLED"
	InstanceDisabled InstanceStatus = "DISABLED"
)

// Instance pins one collection version plus one flow version per flow
// of the collection. At most one instance exists per collection.
// Activating an instance locks every version it references.
type Instance struct {
	ID                  string            `json:"id"`
	CollectionID        string            `json:"collection_id"`
	CollectionVersionID string            `json:"collection_version_id"`
	FlowVersionIDs      map[string]string `json:"flow_version_ids"` // flowID -> flowVersionID
	Status              InstanceStatus    `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}
