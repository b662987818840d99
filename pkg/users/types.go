package users

import (
	"time"

	"github.com/permitd/permitd/pkg/roles"
)

// User is a human identity addressed by email.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GroupUser is a user's membership in a group with its role flags.
type GroupUser struct {
	ID      int64 `json:"id"`
	GroupID int64 `json:"group_id"`
	UserID  int64 `json:"user_id"`
	roles.Flags
	// Email and GroupName are denormalized for list views.
	Email     string    `json:"email,omitempty"`
	GroupName string    `json:"group_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Membership converts the row to the shared role-model type.
func (gu GroupUser) Membership() roles.Membership {
	return roles.Membership{GroupID: gu.GroupID, UserID: gu.UserID, Flags: gu.Flags}
}
