package core

import (
	"fmt"
	"os"

	"protocolcore/internal/infra/persistence/memory"
	"protocolcore/internal/infra/persistence/postgres"
	"protocolcore/internal/infra/persistence/sqlite"
	"protocolcore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// OpenExecutionStore selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	PROTOCOLCORE_STORAGE_DRIVER: memory|sqlite|postgres (default sqlite)
//	PROTOCOLCORE_SQLITE_PATH: path to sqlite file (default ./protocolcore.db)
//	PROTOCOLCORE_POSTGRES_DSN: postgres DSN when driver=postgres
func OpenExecutionStore() (domain.ExecutionStore, error) {
	driver := os.Getenv("PROTOCOLCORE_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite:
		path := os.Getenv("PROTOCOLCORE_SQLITE_PATH")
		return sqlite.NewStore(path)
	case StoragePostgres:
		dsn := os.Getenv("PROTOCOLCORE_POSTGRES_DSN")
		return postgres.NewStore(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
