package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	when := time.Now().Add(-age)
	if err := os.Chtimes(path, when, when); err != nil {
		t.Fatal(err)
	}
}

func TestStaleTempFiles(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "P1", "F1", ".dose.nii.gz.tmp-111")
	fresh := filepath.Join(root, "P1", "F2", ".dose.nii.gz.tmp-222")
	artifact := filepath.Join(root, "P1", "F1", "dose.nii.gz")
	touch(t, stale, 2*time.Hour)
	touch(t, fresh, time.Second)
	touch(t, artifact, 2*time.Hour)

	res := StaleTempFiles(context.Background(), root, Options{MaxAge: time.Hour}, nil)
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if len(res.Removed) != 1 || res.Removed[0] != stale {
		t.Fatalf("expected only %s removed, got %v", stale, res.Removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale temp file still present")
	}
	for _, keep := range []string{fresh, artifact} {
		if _, err := os.Stat(keep); err != nil {
			t.Fatalf("expected %s to survive: %v", keep, err)
		}
	}
}

func TestStaleTempFilesDryRun(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "P1", ".scan.nii.gz.tmp-1")
	touch(t, stale, 2*time.Hour)

	res := StaleTempFiles(context.Background(), root, Options{MaxAge: time.Hour, DryRun: true}, nil)
	if len(res.Removed) != 1 {
		t.Fatalf("expected one match, got %v", res.Removed)
	}
	if _, err := os.Stat(stale); err != nil {
		t.Fatalf("dry run removed %s: %v", stale, err)
	}
}

func TestStaleTempFilesMissingRoot(t *testing.T) {
	res := StaleTempFiles(context.Background(), filepath.Join(t.TempDir(), "absent"), Options{}, nil)
	if len(res.Removed) != 0 || len(res.Errors) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
	res = StaleTempFiles(context.Background(), "  ", Options{}, nil)
	if len(res.Removed) != 0 || len(res.Errors) != 0 {
		t.Fatalf("expected empty result, got %+v", res)
	}
}
