// Package testing provides shared test helpers for database setup.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/reyvababtista/beiwe-backend-fork/internal/database"
)

// NewStudyDB creates a migrated study database in a per-test temporary
// directory. The connection is closed automatically when the test ends.
func NewStudyDB(t *testing.T) *database.DB {
	t.Helper()
	return newDB(t, "study", database.ProfileStudy)
}

// NewBrokerDB creates a migrated broker database in a per-test
// temporary directory.
func NewBrokerDB(t *testing.T) *database.DB {
	t.Helper()
	return newDB(t, "broker", database.ProfileBroker)
}

func newDB(t *testing.T, name string, profile database.Profile) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
	})

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}
	return db
}
