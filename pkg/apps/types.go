package apps

import "time"

// Status is the derived credential-lifecycle position of an application.
type Status string

const (
	// StatusCreated means no credential material has been issued yet.
	StatusCreated Status = "CREATED"
	// StatusBindTokenIssued means an unconsumed bind token is outstanding.
	StatusBindTokenIssued Status = "BIND_TOKEN_ISSUED"
	// StatusBound means at least one permission has been granted.
	StatusBound Status = "BOUND"
	// StatusCredentialed means a passphrase has been issued.
	StatusCredentialed Status = "CREDENTIALED"
	// StatusActive means the application has fetched credential artifacts.
	StatusActive Status = "ACTIVE"
)

// Application is a machine identity owned by exactly one group.
type Application struct {
	ID          int64     `json:"id"`
	GroupID     int64     `json:"group_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// HasPassphrase and SessionEpoch support the login flow; the hash itself
	// never leaves the service.
	HasPassphrase bool  `json:"has_passphrase"`
	SessionEpoch  int64 `json:"-"`
}
