package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdentityChangeValidate(t *testing.T) {
	tests := []struct {
		name    string
		change  IdentityChange
		wantErr string
	}{
		{
			name:   "valid add",
			change: IdentityChange{ChangeType: ChangeTypeAdd, Content: "总是用中文回复", Reason: "用户偏好"},
		},
		{
			name:   "valid update",
			change: IdentityChange{ChangeType: ChangeTypeUpdate, TargetID: "abc", Content: "new", Reason: "r"},
		},
		{
			name:   "valid remove without content",
			change: IdentityChange{ChangeType: ChangeTypeRemove, TargetID: "abc", Reason: "outdated"},
		},
		{
			name:    "unknown type",
			change:  IdentityChange{ChangeType: "replace", Content: "x", Reason: "r"},
			wantErr: "change_type",
		},
		{
			name:    "update without target",
			change:  IdentityChange{ChangeType: ChangeTypeUpdate, Content: "x", Reason: "r"},
			wantErr: "target_id",
		},
		{
			name:    "empty content on add",
			change:  IdentityChange{ChangeType: ChangeTypeAdd, Reason: "r"},
			wantErr: "content",
		},
		{
			name:    "content too long",
			change:  IdentityChange{ChangeType: ChangeTypeAdd, Content: strings.Repeat("长", 1001), Reason: "r"},
			wantErr: "content",
		},
		{
			name:    "missing reason",
			change:  IdentityChange{ChangeType: ChangeTypeAdd, Content: "x"},
			wantErr: "reason",
		},
		{
			name:    "reason too long",
			change:  IdentityChange{ChangeType: ChangeTypeAdd, Content: "x", Reason: strings.Repeat("由", 501)},
			wantErr: "reason",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.change.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestHasApprover(t *testing.T) {
	c := IdentityChange{Approvals: []Approval{
		{Approver: "alice", ApprovedAt: time.Now()},
		{Approver: "bob", ApprovedAt: time.Now()},
	}}
	assert.True(t, c.HasApprover("alice"))
	assert.False(t, c.HasApprover("carol"))
}

func TestChecklistValidate(t *testing.T) {
	ok := ChecklistItem{Content: "写周报", Status: ChecklistOpen, Scope: ScopeProject, Priority: 2}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Priority = 6
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Scope = "team"
	assert.Error(t, bad.Validate())

	bad = ok
	bad.Content = strings.Repeat("长", 501)
	assert.Error(t, bad.Validate())
}

func TestShortRef(t *testing.T) {
	c := ChecklistItem{ID: "0123456789abcdef"}
	assert.Equal(t, "01234567", c.ShortRef())
	c.ID = "ab"
	assert.Equal(t, "ab", c.ShortRef())
}
