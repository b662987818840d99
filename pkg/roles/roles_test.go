package roles

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagsAreIndependent(t *testing.T) {
	member := Flags{}
	assert.False(t, member.CanManageGroup())
	assert.False(t, member.CanManageApplications())
	assert.False(t, member.CanManageTopics())
	assert.Empty(t, member.Roles())

	appAdmin := Flags{ApplicationAdmin: true}
	assert.False(t, appAdmin.CanManageGroup())
	assert.True(t, appAdmin.CanManageApplications())
	assert.False(t, appAdmin.CanManageTopics())

	topicAdmin := Flags{TopicAdmin: true}
	assert.False(t, topicAdmin.CanManageApplications())
	assert.True(t, topicAdmin.CanManageTopics())
}

func TestGroupAdminCoversAllGroupScopedMutations(t *testing.T) {
	f := Flags{GroupAdmin: true}
	assert.True(t, f.CanManageGroup())
	assert.True(t, f.CanManageApplications())
	assert.True(t, f.CanManageTopics())
	assert.Equal(t, []Role{RoleGroupAdmin}, f.Roles())
}

func TestRolesCombine(t *testing.T) {
	f := Flags{ApplicationAdmin: true, TopicAdmin: true}
	assert.Equal(t, []Role{RoleApplicationAdmin, RoleTopicAdmin}, f.Roles())
}

func TestCallerMembershipLookup(t *testing.T) {
	c := Caller{
		Kind:   CallerUser,
		UserID: 7,
		Memberships: []Membership{
			{GroupID: 1, UserID: 7, Flags: Flags{TopicAdmin: true}},
			{GroupID: 4, UserID: 7},
		},
	}

	m, ok := c.MembershipIn(1)
	assert.True(t, ok)
	assert.True(t, m.TopicAdmin)

	_, ok = c.MembershipIn(9)
	assert.False(t, ok)

	assert.Equal(t, []int64{1, 4}, c.GroupIDs())
}

func TestAnonymousCaller(t *testing.T) {
	c := Anonymous()
	assert.Equal(t, CallerAnonymous, c.Kind)
	assert.Equal(t, "anonymous", c.Kind.String())
	assert.Empty(t, c.GroupIDs())
}
