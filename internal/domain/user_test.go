package domain

import "testing"

func TestInGroupAdminBypassesRequestedSet(t *testing.T) {
	u := User{Member: []string{"admin"}}
	if !u.InGroup("nobody-has-this") {
		t.Error("expected admin member to satisfy any requested group")
	}
}

func TestInGroupEmptyRequestedSetFailsForNonAdmin(t *testing.T) {
	u := User{Member: []string{"grant"}}
	if u.InGroup() {
		t.Error("expected a non-admin user to not satisfy an empty requested set")
	}
}

func TestInGroupMatchesMembership(t *testing.T) {
	u := User{Member: []string{"grant", "contact"}}
	if !u.InGroup("server", "contact") {
		t.Error("expected membership in any requested group to pass")
	}
	if u.InGroup("server") {
		t.Error("expected no match when the user lacks every requested group")
	}
}

func TestIsAdmin(t *testing.T) {
	if !(User{Member: []string{"admin"}}).IsAdmin() {
		t.Error("expected admin member to report IsAdmin")
	}
	if (User{Member: []string{"grant"}}).IsAdmin() {
		t.Error("expected non-admin member to not report IsAdmin")
	}
}

func TestPublicProfileDropsCredentials(t *testing.T) {
	u := User{
		Username:    "ada",
		Credentials: Credentials{Hash: "secret-hash"},
		Member:      []string{"grant"},
		Status:      StatusActive,
		Fullname:    "Ada Lovelace",
	}
	profile := u.PublicProfile()

	if _, ok := profile["credentials"]; ok {
		t.Error("expected credentials to be dropped from the public profile")
	}
	if profile["username"] != "ada" {
		t.Errorf("expected username in profile, got %v", profile["username"])
	}
	if profile["status"] != "ACTIVE" {
		t.Errorf("expected status in profile, got %v", profile["status"])
	}
}

func TestNormalizeUsername(t *testing.T) {
	cases := map[string]string{
		"  Ada  ": "ada",
		"ADA":     "ada",
		"ada":     "ada",
	}
	for in, want := range cases {
		if got := NormalizeUsername(in); got != want {
			t.Errorf("NormalizeUsername(%q) = %q, want %q", in, got, want)
		}
	}
}
