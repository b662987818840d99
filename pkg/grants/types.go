package grants

import "time"

// Access is the direction of a permission.
type Access string

const (
	AccessRead      Access = "READ"
	AccessWrite     Access = "WRITE"
	AccessReadWrite Access = "READ_WRITE"
)

// Valid reports whether the access direction is known.
func (a Access) Valid() bool {
	return a == AccessRead || a == AccessWrite || a == AccessReadWrite
}

// Permission binds an application to a topic or topic set with an access
// direction and an optional time window. Exactly one of TopicID and
// TopicSetID is set.
type Permission struct {
	ID               int64     `json:"id"`
	ApplicationID    int64     `json:"application_id"`
	TopicID          *int64    `json:"topic_id,omitempty"`
	TopicSetID       *int64    `json:"topic_set_id,omitempty"`
	Access           Access    `json:"access"`
	ActionIntervalID *int64    `json:"action_interval_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
