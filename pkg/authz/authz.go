// Package authz evaluates whether a caller may perform an operation.
//
// Decisions are computed purely from the caller's preloaded identity, so the
// engine has no store dependency and every decision is deterministic. Denials
// are always the generic unauthorized error: a caller who lacks access to a
// group cannot distinguish "no such group" from "not yours".
package authz

import (
	"context"

	"github.com/permitd/permitd/pkg/codes"
	"github.com/permitd/permitd/pkg/roles"
)

// Action identifies an operation category for authorization purposes.
type Action string

const (
	ActionGroupCreate       Action = "group.create"
	ActionGroupUpdate       Action = "group.update"
	ActionGroupDelete       Action = "group.delete"
	ActionMembershipManage  Action = "membership.manage"
	ActionUserManage        Action = "user.manage"
	ActionApplicationManage Action = "application.manage"
	ActionTopicManage       Action = "topic.manage"
	ActionGrantManage       Action = "grant.manage"
	ActionCredentialIssue   Action = "credential.issue"
	ActionArtifactFetch     Action = "artifact.fetch"
)

// Operation is one authorization request. GroupID scopes group-bound actions;
// ApplicationID scopes artifact fetches by application identities.
type Operation struct {
	Action        Action
	GroupID       int64
	ApplicationID int64
}

// Engine evaluates operations against the role model.
type Engine struct{}

// NewEngine creates the authorization engine.
func NewEngine() *Engine { return &Engine{} }

// Authorize returns nil when the caller may perform op, and the generic
// unauthorized error otherwise.
func (e *Engine) Authorize(ctx context.Context, caller roles.Caller, op Operation) error {
	if e.allowed(caller, op) {
		return nil
	}
	return codes.Unauthorizedf()
}

func (e *Engine) allowed(caller roles.Caller, op Operation) bool {
	switch caller.Kind {
	case roles.CallerAnonymous:
		return false
	case roles.CallerApplication:
		// Machine identities may only fetch their own artifacts.
		return op.Action == ActionArtifactFetch && op.ApplicationID == caller.ApplicationID
	}

	if caller.GlobalAdmin {
		return true
	}

	switch op.Action {
	case ActionGroupCreate, ActionGroupDelete, ActionUserManage:
		// Reserved for global admins.
		return false
	case ActionGroupUpdate, ActionMembershipManage:
		m, ok := caller.MembershipIn(op.GroupID)
		return ok && m.CanManageGroup()
	case ActionApplicationManage, ActionGrantManage, ActionCredentialIssue:
		m, ok := caller.MembershipIn(op.GroupID)
		return ok && m.CanManageApplications()
	case ActionTopicManage:
		m, ok := caller.MembershipIn(op.GroupID)
		return ok && m.CanManageTopics()
	case ActionArtifactFetch:
		// Admin-side fetches follow application management rights.
		m, ok := caller.MembershipIn(op.GroupID)
		return ok && m.CanManageApplications()
	}
	return false
}

// Filter restricts list queries to the groups a caller may see.
type Filter struct {
	// All grants unrestricted visibility (global admins).
	All bool
	// GroupIDs is the explicit visibility set when All is false.
	GroupIDs []int64
}

// Allows reports whether the filter admits the given group.
func (f Filter) Allows(groupID int64) bool {
	if f.All {
		return true
	}
	for _, id := range f.GroupIDs {
		if id == groupID {
			return true
		}
	}
	return false
}

// Empty reports whether the filter admits nothing.
func (f Filter) Empty() bool {
	return !f.All && len(f.GroupIDs) == 0
}

// VisibleGroups computes the caller's visibility set. Anonymous callers see
// nothing; application identities see only their own group, which lets shared
// list endpoints serve them without special cases.
func (e *Engine) VisibleGroups(ctx context.Context, caller roles.Caller) Filter {
	switch caller.Kind {
	case roles.CallerAnonymous:
		return Filter{}
	case roles.CallerApplication:
		if caller.ApplicationGroupID == 0 {
			return Filter{}
		}
		return Filter{GroupIDs: []int64{caller.ApplicationGroupID}}
	}
	if caller.GlobalAdmin {
		return Filter{All: true}
	}
	return Filter{GroupIDs: caller.GroupIDs()}
}
