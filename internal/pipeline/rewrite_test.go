package pipeline

import "testing"

func TestApplyRewritesFirstMatchWins(t *testing.T) {
	r1, err := NewRewriteRule("^/a$", "/first")
	if err != nil {
		t.Fatalf("NewRewriteRule: %v", err)
	}
	r2, err := NewRewriteRule("^/a$", "/second")
	if err != nil {
		t.Fatalf("NewRewriteRule: %v", err)
	}

	got, changed := applyRewrites([]RewriteRule{r1, r2}, "/a")
	if !changed || got != "/first" {
		t.Errorf("expected first rule to win, got %q changed=%v", got, changed)
	}
}

func TestApplyRewritesNoMatchReturnsOriginal(t *testing.T) {
	r1, err := NewRewriteRule("^/nomatch$", "/x")
	if err != nil {
		t.Fatalf("NewRewriteRule: %v", err)
	}

	got, changed := applyRewrites([]RewriteRule{r1}, "/unchanged")
	if changed || got != "/unchanged" {
		t.Errorf("expected unchanged path, got %q changed=%v", got, changed)
	}
}

func TestApplyRewritesCapturesGroups(t *testing.T) {
	rule, err := NewRewriteRule(`^/old/(.+)$`, "/new/$1")
	if err != nil {
		t.Fatalf("NewRewriteRule: %v", err)
	}

	got, changed := applyRewrites([]RewriteRule{rule}, "/old/thing")
	if !changed || got != "/new/thing" {
		t.Errorf("unexpected rewrite result: %q changed=%v", got, changed)
	}
}
