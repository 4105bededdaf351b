package tokensvc

import (
	"strings"
	"testing"
	"time"
)

func TestGenCodeShape(t *testing.T) {
	c, err := GenCode(6, 10, 1)
	if err != nil {
		t.Fatalf("GenCode: %v", err)
	}
	if len(c.Code) != 6 {
		t.Errorf("expected 6 character code, got %q", c.Code)
	}
	for _, r := range c.Code {
		if r < '0' || r > '9' {
			t.Fatalf("expected base-10 code, got %q", c.Code)
		}
	}
	if c.Exp != 60 {
		t.Errorf("expected exp of 60 seconds for expMin=1, got %d", c.Exp)
	}
}

func TestGenCodeBase36UsesFullAlphabet(t *testing.T) {
	c, err := GenCode(32, 36, 1)
	if err != nil {
		t.Fatalf("GenCode: %v", err)
	}
	if strings.ToLower(c.Code) != c.Code {
		t.Errorf("expected lowercase alphabet, got %q", c.Code)
	}
}

func TestGenCodeRejectsInvalidBase(t *testing.T) {
	if _, err := GenCode(6, 1, 1); err == nil {
		t.Error("expected error for base < 2")
	}
	if _, err := GenCode(6, 37, 1); err == nil {
		t.Error("expected error for base > 36")
	}
}

func TestGenCodeRejectsNonPositiveSize(t *testing.T) {
	if _, err := GenCode(0, 10, 1); err == nil {
		t.Error("expected error for size 0")
	}
}

func TestCheckCodeMatchesWithinExpiry(t *testing.T) {
	c, err := GenCode(6, 10, 5)
	if err != nil {
		t.Fatalf("GenCode: %v", err)
	}
	if !CheckCode(c, c.Code) {
		t.Error("expected matching unexpired code to check out")
	}
}

func TestCheckCodeRejectsExpired(t *testing.T) {
	c := Code{Code: "123456", IAT: time.Now().Add(-time.Hour).Unix(), Exp: 60}
	if CheckCode(c, "123456") {
		t.Error("expected expired code to fail")
	}
}

func TestCheckCodeRejectsMismatch(t *testing.T) {
	c := Code{Code: "123456", IAT: time.Now().Unix(), Exp: 300}
	if CheckCode(c, "654321") {
		t.Error("expected mismatched code to fail")
	}
}

func TestCheckCodeRejectsEmpty(t *testing.T) {
	if CheckCode(Code{}, "") {
		t.Error("expected empty challenge/candidate code to fail")
	}
}
