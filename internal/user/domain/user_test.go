package domain

import "testing"

func TestUser_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		user    User
		wantErr bool
	}{
		{"valid", User{Username: "alice", PasswordHash: "h", Roles: []Role{RoleMember}}, false},
		{"missing username", User{PasswordHash: "h"}, true},
		{"missing hash", User{Username: "alice"}, true},
		{"unknown role", User{Username: "alice", PasswordHash: "h", Roles: []Role{"owner"}}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			u := tc.user
			err := u.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err == nil && u.Status != UserStatusActive {
				t.Errorf("Status = %q, want default active", u.Status)
			}
		})
	}
}

func TestUser_ActiveAndRoleNames(t *testing.T) {
	u := &User{Status: UserStatusActive, Roles: []Role{RoleAdmin, RoleMember}}
	if !u.Active() {
		t.Error("active user should be Active")
	}
	names := u.RoleNames()
	if len(names) != 2 || names[0] != "admin" || names[1] != "member" {
		t.Errorf("RoleNames = %v", names)
	}
	u.Status = UserStatusDisabled
	if u.Active() {
		t.Error("disabled user should not be Active")
	}
	var nilUser *User
	if nilUser.Active() || nilUser.RoleNames() != nil {
		t.Error("nil user is neither active nor has roles")
	}
}
