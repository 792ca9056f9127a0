package main

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestRunWithNoArgsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(nil, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if stdout.Len() == 0 {
		t.Fatalf("expected usage output on stdout")
	}
}

func TestRunWithUnknownCommandFails(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"bogus"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if stderr.Len() == 0 {
		t.Fatalf("expected an error message on stderr")
	}
}

func TestRunServeFailsWithoutConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"run", "--config", filepath.Join(t.TempDir(), "missing.json")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1 for missing config, got %d", code)
	}
}

func TestStatusFailsWithoutConfig(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"status", "--config", filepath.Join(t.TempDir(), "missing.json")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1 for missing config, got %d", code)
	}
}
