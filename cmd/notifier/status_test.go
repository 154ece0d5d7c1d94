package main

import (
	"context"
	"testing"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	code := runStatusCommand(context.Background(), []string{"extra"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_FreshHome(t *testing.T) {
	setTestHome(t)

	code := runStatusCommand(context.Background(), nil)
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunStatusCommand_JSON(t *testing.T) {
	setTestHome(t)

	code := runStatusCommand(context.Background(), []string{"-json"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

// setTestHome points CC_NOTIFIER_HOME at a temp dir so the command never
// touches the real data directory.
func setTestHome(t *testing.T) {
	t.Helper()
	t.Setenv("CC_NOTIFIER_HOME", t.TempDir())
}
