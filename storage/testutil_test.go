package storage

import (
	"testing"

	"fpgaoffload/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustStartRun(t *testing.T, store *Store, runID, device, mode string) {
	t.Helper()

	if err := store.StartRun(models.Run{RunID: runID, Device: device, Mode: mode}); err != nil {
		t.Fatalf("start run %q: %v", runID, err)
	}
}
