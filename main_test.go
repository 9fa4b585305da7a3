package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFormatsCommandListsRegistry(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("UNICONVERT_CONFIG", "")

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"formats"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("formats: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "pdf") || !strings.Contains(text, "docx, jpg, png, txt") {
		t.Fatalf("unexpected formats output:\n%s", text)
	}
	if !strings.Contains(text, "soffice") {
		t.Fatalf("expected tool availability in output:\n%s", text)
	}
}

func TestSweepCommandRemovesStaleWorkspaces(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("UNICONVERT_CONFIG", "")
	t.Setenv("UNICONVERT_RETENTION_MINUTES", "1")

	stale := filepath.Join(dir, "data", "outputs", "3f2c1b0a-9e8d-4c7b-a6f5-e4d3c2b1a098")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"sweep"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out.String(), "1 orphaned") {
		t.Fatalf("unexpected sweep output %q", out.String())
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale workspace should be gone, stat err: %v", err)
	}
}

func TestSignalCommandNeedsRedis(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("UNICONVERT_CONFIG", "")

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"signal", "6f1c2a8e-3c4b-4d5e-8f90-1a2b3c4d5e6f", "unload"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "redis is disabled") {
		t.Fatalf("expected redis disabled error, got %v", err)
	}
}
