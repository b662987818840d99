// Package roles defines the role model for group-scoped access control.
//
// Roles are independent flags on a membership, not an exclusive hierarchy: a
// user may hold any combination of group, application and topic administration
// within a single group, and plain membership implies none of them.
package roles

// Role identifies one of the per-group admin capabilities.
type Role string

const (
	RoleGroupAdmin       Role = "GROUP_ADMIN"
	RoleApplicationAdmin Role = "APPLICATION_ADMIN"
	RoleTopicAdmin       Role = "TOPIC_ADMIN"
)

// Flags holds the independently assignable role flags of one membership.
type Flags struct {
	GroupAdmin       bool `json:"is_group_admin"`
	ApplicationAdmin bool `json:"is_application_admin"`
	TopicAdmin       bool `json:"is_topic_admin"`
}

// Roles returns the set of roles the flags grant, in stable order.
func (f Flags) Roles() []Role {
	var out []Role
	if f.GroupAdmin {
		out = append(out, RoleGroupAdmin)
	}
	if f.ApplicationAdmin {
		out = append(out, RoleApplicationAdmin)
	}
	if f.TopicAdmin {
		out = append(out, RoleTopicAdmin)
	}
	return out
}

// CanManageGroup reports whether the flags allow mutating the group itself
// and its memberships.
func (f Flags) CanManageGroup() bool {
	return f.GroupAdmin
}

// CanManageApplications reports whether the flags allow application and
// application-permission mutations within the group.
func (f Flags) CanManageApplications() bool {
	return f.GroupAdmin || f.ApplicationAdmin
}

// CanManageTopics reports whether the flags allow topic, topic-set and
// action-interval mutations within the group.
func (f Flags) CanManageTopics() bool {
	return f.GroupAdmin || f.TopicAdmin
}

// Membership binds a user to a group with its role flags.
type Membership struct {
	GroupID int64 `json:"group_id"`
	UserID  int64 `json:"user_id"`
	Flags
}

// CallerKind distinguishes the identity classes evaluated by the
// authorization engine.
type CallerKind int

const (
	// CallerAnonymous is an unauthenticated request; denied everywhere
	// authentication is required.
	CallerAnonymous CallerKind = iota
	// CallerUser is a human identity with zero or more group memberships.
	CallerUser
	// CallerApplication is a machine identity established via application
	// login; scoped strictly to its own credential endpoints.
	CallerApplication
)

func (k CallerKind) String() string {
	switch k {
	case CallerUser:
		return "user"
	case CallerApplication:
		return "application"
	default:
		return "anonymous"
	}
}

// Caller is the explicit authenticated identity every operation receives.
// There is no ambient security context: handlers resolve a Caller once and
// pass it down, which keeps authorization decisions deterministic.
type Caller struct {
	Kind CallerKind
	// UserID is set for CallerUser.
	UserID int64
	// Email is set for CallerUser.
	Email string
	// GlobalAdmin supersedes all group-scoped roles.
	GlobalAdmin bool
	// ApplicationID is set for CallerApplication.
	ApplicationID int64
	// ApplicationGroupID is the owning group of the application identity,
	// resolved at authentication time.
	ApplicationGroupID int64
	// Memberships holds the caller's per-group role flags, preloaded at
	// authentication time for CallerUser.
	Memberships []Membership
}

// Anonymous returns the unauthenticated caller.
func Anonymous() Caller { return Caller{Kind: CallerAnonymous} }

// MembershipIn returns the caller's membership in the given group, if any.
func (c Caller) MembershipIn(groupID int64) (Membership, bool) {
	for _, m := range c.Memberships {
		if m.GroupID == groupID {
			return m, true
		}
	}
	return Membership{}, false
}

// GroupIDs returns the IDs of every group the caller belongs to.
func (c Caller) GroupIDs() []int64 {
	ids := make([]int64, 0, len(c.Memberships))
	for _, m := range c.Memberships {
		ids = append(ids, m.GroupID)
	}
	return ids
}
