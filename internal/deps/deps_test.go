package deps

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStub(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
}

func TestCheckBinaries(t *testing.T) {
	present := filepath.Join(t.TempDir(), "present")
	writeStub(t, present)
	reqs := []Requirement{
		{Name: "Present", Command: present},
		{Name: "Missing", Command: "clearly-not-present-binary"},
		{Name: "Blank", Command: "  "},
	}

	results := CheckBinaries(reqs)
	if len(results) != len(reqs) {
		t.Fatalf("expected %d results, got %d", len(reqs), len(results))
	}

	if !results[0].Available {
		t.Fatalf("expected first requirement to be available, got %#v", results[0])
	}
	if results[0].Detail != "" {
		t.Fatalf("unexpected detail for available dependency: %s", results[0].Detail)
	}

	if results[1].Available {
		t.Fatalf("expected missing binary to be unavailable")
	}
	if results[1].Detail == "" {
		t.Fatalf("expected detail message for missing binary")
	}
	if results[1].Command != "clearly-not-present-binary" {
		t.Fatalf("unexpected command recorded: %s", results[1].Command)
	}

	if results[2].Available || results[2].Detail != "command not configured" {
		t.Fatalf("unexpected blank command status: %#v", results[2])
	}
}

func TestANTsRequirementsCoverEveryStageTool(t *testing.T) {
	reqs := ANTsRequirements("reg.sh", "apply", "jac")
	if len(reqs) != 3 {
		t.Fatalf("expected 3 requirements, got %d", len(reqs))
	}
	for i, want := range []string{"reg.sh", "apply", "jac"} {
		if reqs[i].Command != want {
			t.Fatalf("requirement %d: expected %q, got %q", i, want, reqs[i].Command)
		}
		if reqs[i].Optional {
			t.Fatalf("requirement %d should not be optional", i)
		}
	}
}

func TestCheckRegistrationBackendPrefersANTSPATH(t *testing.T) {
	antsDir := t.TempDir()
	backend := filepath.Join(antsDir, registrationBackend)
	writeStub(t, backend)
	t.Setenv("ANTSPATH", antsDir)
	t.Setenv("PATH", "")

	status := CheckRegistrationBackend("")
	if !status.Available {
		t.Fatalf("expected backend to be available, got detail %q", status.Detail)
	}
	if status.Command != backend {
		t.Fatalf("expected %q, got %q", backend, status.Command)
	}
}

func TestCheckRegistrationBackendBesideScript(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "antsRegistrationSyN.sh")
	writeStub(t, script)
	backend := filepath.Join(dir, registrationBackend)
	writeStub(t, backend)
	t.Setenv("ANTSPATH", "")
	t.Setenv("PATH", "")

	status := CheckRegistrationBackend(script)
	if !status.Available || status.Command != backend {
		t.Fatalf("expected sibling backend %q, got %#v", backend, status)
	}
}

func TestCheckRegistrationBackendNotFound(t *testing.T) {
	t.Setenv("ANTSPATH", "")
	t.Setenv("PATH", "")
	status := CheckRegistrationBackend(filepath.Join(t.TempDir(), "antsRegistrationSyN.sh"))
	if status.Available {
		t.Fatal("expected backend resolution to fail")
	}
	if status.Detail == "" {
		t.Fatal("expected detail message when backend is unavailable")
	}
}
