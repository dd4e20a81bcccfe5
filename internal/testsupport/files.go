package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"doseaccum/internal/volume"
)

// MakeCohort creates root/<patient>/<session> for every entry in tree and
// returns root.
func MakeCohort(t testing.TB, root string, tree map[string][]string) string {
	t.Helper()

	for patient, sessions := range tree {
		for _, session := range sessions {
			dir := filepath.Join(root, patient, session)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatalf("mkdir %s: %v", dir, err)
			}
		}
	}
	return root
}

// WriteVolume encodes vol as a NIfTI artifact at path, creating parents.
func WriteVolume(t testing.TB, path string, vol *volume.Volume) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := volume.WriteFile(path, vol); err != nil {
		t.Fatalf("write volume %s: %v", path, err)
	}
}

// WriteFile writes data to path, creating parents.
func WriteFile(t testing.TB, path string, data []byte) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// ReadFile returns the contents of path.
func ReadFile(t testing.TB, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return data
}
