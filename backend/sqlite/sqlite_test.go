package sqlite

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/backend/test"
)

func Test_SqliteBackend(t *testing.T) {
	test.BackendTest(t, func(t *testing.T, count int) []backend.Backend {
		// File-backed store so that multiple backends can share it
		path := filepath.Join(t.TempDir(), "persistflow.db")

		backends := make([]backend.Backend, count)
		for i := 0; i < count; i++ {
			b := NewSqliteBackend(path, WithEngineName(fmt.Sprintf("engine-%d", i)))
			t.Cleanup(func() { b.Close() })
			backends[i] = b
		}

		return backends
	})
}
