package mysql

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/backend/test"
)

const testUser = "root"
const testPassword = "root"

// Creating and dropping databases is inefficient, but easiest for complete
// test isolation.

func Test_MysqlBackend(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	test.BackendTest(t, func(t *testing.T, count int) []backend.Backend {
		db, err := sql.Open("mysql", fmt.Sprintf("%s:%s@/?interpolateParams=true", testUser, testPassword))
		if err != nil {
			panic(err)
		}

		dbName := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		if _, err := db.Exec("CREATE DATABASE " + dbName); err != nil {
			panic(fmt.Errorf("creating database: %w", err))
		}

		t.Cleanup(func() {
			if _, err := db.Exec("DROP DATABASE IF EXISTS " + dbName); err != nil {
				panic(fmt.Errorf("dropping database: %w", err))
			}

			if err := db.Close(); err != nil {
				panic(err)
			}
		})

		backends := make([]backend.Backend, count)
		for i := 0; i < count; i++ {
			b := NewMysqlBackend("localhost", 3306, testUser, testPassword, dbName, WithEngineName(fmt.Sprintf("engine-%d", i)))
			t.Cleanup(func() { b.Close() })
			backends[i] = b
		}

		return backends
	})
}
