package topics

import "time"

// Kind partitions topics into the two registration classes of the domain.
type Kind string

const (
	KindB Kind = "B"
	KindC Kind = "C"
)

// Valid reports whether the kind is one of the known classes.
func (k Kind) Valid() bool { return k == KindB || k == KindC }

// Topic is a named channel owned by a group.
type Topic struct {
	ID          int64     `json:"id"`
	GroupID     int64     `json:"group_id"`
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TopicSet is a named collection of topics within one group, grantable as a
// unit.
type TopicSet struct {
	ID        int64     `json:"id"`
	GroupID   int64     `json:"group_id"`
	Name      string    `json:"name"`
	TopicIDs  []int64   `json:"topic_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionInterval is a named time window constraining when a grant applies.
type ActionInterval struct {
	ID        int64     `json:"id"`
	GroupID   int64     `json:"group_id"`
	Name      string    `json:"name"`
	StartsAt  time.Time `json:"starts_at"`
	EndsAt    time.Time `json:"ends_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
