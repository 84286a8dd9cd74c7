package xid

import (
	"strings"
	"testing"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	a := New("tx")
	b := New("tx")
	if !strings.HasPrefix(a, "tx-") {
		t.Fatalf("expected tx- prefix, got %s", a)
	}
	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
}
