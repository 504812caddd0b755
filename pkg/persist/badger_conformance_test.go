package persist_test

import (
	"testing"

	"github.com/io-engine/io-engine/pkg/persist"
	"github.com/io-engine/io-engine/pkg/persist/persisttest"
)

func TestBadgerStoreConformance(t *testing.T) {
	persisttest.RunConformanceSuite(t, func(t *testing.T) persist.Store {
		store, err := persist.NewBadgerStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewBadgerStore() error = %v", err)
		}
		t.Cleanup(func() {
			if err := store.Close(); err != nil {
				t.Errorf("Close() error = %v", err)
			}
		})
		return store
	})
}
