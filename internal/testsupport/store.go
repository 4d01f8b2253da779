package testsupport

import (
	"testing"

	"curator/internal/config"
	"curator/internal/sessions"
)

// MustOpenStore opens a session store backed by the test config's data
// directory and closes it when the test finishes.
func MustOpenStore(t testing.TB, cfg *config.Config) *sessions.Store {
	t.Helper()
	store, err := sessions.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}
