package samples

import (
	"flag"

	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/backend/mysql"
	"github.com/persistflow/persistflow/backend/sqlite"
)

// GetBackend creates the store selected by the -backend flag.
func GetBackend(name string) backend.Backend {
	b := flag.String("backend", "memory", "backend to use: memory, sqlite, mysql")
	flag.Parse()

	switch *b {
	case "memory":
		return sqlite.NewInMemoryBackend()

	case "sqlite":
		return sqlite.NewSqliteBackend(name + ".sqlite")

	case "mysql":
		return mysql.NewMysqlBackend("localhost", 3306, "root", "root", name)

	default:
		panic("unsupported backend " + *b)
	}
}
