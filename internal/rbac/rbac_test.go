package rbac

import "testing"

func TestAllowed(t *testing.T) {
	cases := []struct {
		roles  []string
		action Action
		want   bool
	}{
		{[]string{RoleViewer}, ActionRead, true},
		{[]string{RoleViewer}, ActionEdit, false},
		{[]string{RoleEditor}, ActionEdit, true},
		{[]string{RoleEditor}, ActionApprove, false},
		{[]string{RoleApprover}, ActionApprove, true},
		{[]string{RoleApprover}, ActionEdit, false},
		{[]string{RoleAdmin}, ActionAdmin, true},
		{[]string{RoleAdmin}, ActionEdit, true},
		{[]string{"qa"}, ActionRead, false},
		{[]string{"qa", RoleApprover}, ActionApprove, true},
		{nil, ActionRead, false},
	}
	for _, tc := range cases {
		if got := Allowed(tc.roles, tc.action); got != tc.want {
			t.Errorf("Allowed(%v, %s) = %v, want %v", tc.roles, tc.action, got, tc.want)
		}
	}
}
