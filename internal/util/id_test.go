package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	id := NewID("prj")
	if !strings.HasPrefix(id, "prj_") || len(id) != len("prj_")+32 {
		t.Fatalf("unexpected id %q", id)
	}
	if NewID("prj") == id {
		t.Fatal("expected unique ids")
	}
	if len(NewID("")) != 32 {
		t.Fatal("expected bare 32-char id without prefix")
	}
}

func TestExcerpt(t *testing.T) {
	if got := Excerpt("short", 50); got != "short" {
		t.Fatalf("Excerpt() = %q", got)
	}
	long := strings.Repeat("é", 60)
	got := Excerpt(long, 50)
	if got != strings.Repeat("é", 50)+"..." {
		t.Fatalf("Excerpt() = %q", got)
	}
}
