package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandHomePath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	if got := ExpandHomePath("~/x/y"); got != filepath.Join(home, "x/y") {
		t.Fatalf("ExpandHomePath(~/x/y) = %q", got)
	}
	if got := ExpandHomePath("~"); got != home {
		t.Fatalf("ExpandHomePath(~) = %q", got)
	}
	if got := ExpandHomePath("/abs/path"); got != "/abs/path" {
		t.Fatalf("ExpandHomePath(/abs/path) = %q", got)
	}
	if got := ExpandHomePath("  "); got != "" {
		t.Fatalf("ExpandHomePath(blank) = %q", got)
	}
}

func TestResolveStateDirDefault(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	if got := ResolveStateDir(""); got != filepath.Join(home, ".morphlink") {
		t.Fatalf("ResolveStateDir(\"\") = %q", got)
	}
	if got := ResolveStateDir("/var/lib/morphlink"); got != "/var/lib/morphlink" {
		t.Fatalf("ResolveStateDir(abs) = %q", got)
	}
}

func TestResolveStateChildDir(t *testing.T) {
	if got := ResolveStateChildDir("/tmp/state", "", "worker"); got != "/tmp/state/worker" {
		t.Fatalf("default child = %q", got)
	}
	if got := ResolveStateChildDir("/tmp/state", "custom", "worker"); got != "/tmp/state/custom" {
		t.Fatalf("named child = %q", got)
	}
	if got := ResolveStateChildDir("/tmp/state", "/elsewhere/sessions", "worker"); got != "/elsewhere/sessions" {
		t.Fatalf("absolute child = %q", got)
	}
}
