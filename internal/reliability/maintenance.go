// Package reliability provides database maintenance: integrity checks,
// WAL checkpoints and backups shipped to the object store.
package reliability

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/reyvababtista/beiwe-backend-fork/internal/database"
	"github.com/reyvababtista/beiwe-backend-fork/internal/objstore"
)

// Maintenance runs the daily database housekeeping pass.
type Maintenance struct {
	databases map[string]*database.DB
	objects   objstore.Store
	workDir   string
	log       zerolog.Logger
}

// BackupMetadata describes one shipped backup.
type BackupMetadata struct {
	Database  string    `json:"database"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int       `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// NewMaintenance creates the maintenance service. workDir holds the
// temporary VACUUM output before it is compressed and shipped.
func NewMaintenance(databases map[string]*database.DB, objects objstore.Store, workDir string, log zerolog.Logger) *Maintenance {
	return &Maintenance{
		databases: databases,
		objects:   objects,
		workDir:   workDir,
		log:       log.With().Str("component", "maintenance").Logger(),
	}
}

// Run executes one maintenance pass over every registered database:
// integrity check, WAL checkpoint, then a backup to the object store.
// A failure on one database does not stop the others.
func (m *Maintenance) Run(ctx context.Context) error {
	start := time.Now()
	var firstErr error

	for name, db := range m.databases {
		if err := db.HealthCheck(ctx); err != nil {
			m.log.Error().Err(err).Str("database", name).Msg("Integrity check failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		// Checkpoint keeps the WAL from growing without bound.
		if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			m.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}

		if err := m.backup(ctx, name, db); err != nil {
			m.log.Error().Err(err).Str("database", name).Msg("Backup failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.log.Info().Dur("elapsed", time.Since(start)).Msg("Maintenance pass complete")
	return firstErr
}

// backup snapshots one database with VACUUM INTO, compresses it, and
// ships it with a metadata record.
func (m *Maintenance) backup(ctx context.Context, name string, db *database.DB) error {
	if err := os.MkdirAll(m.workDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup work directory: %w", err)
	}

	snapshot := filepath.Join(m.workDir, fmt.Sprintf("%s-%d.db", name, time.Now().UnixNano()))
	defer os.Remove(snapshot)

	// VACUUM INTO produces a consistent snapshot without blocking
	// readers or writers.
	if _, err := db.Exec(fmt.Sprintf("VACUUM INTO '%s'", snapshot)); err != nil {
		return fmt.Errorf("VACUUM INTO failed for %s: %w", name, err)
	}

	raw, err := os.ReadFile(snapshot)
	if err != nil {
		return fmt.Errorf("failed to read snapshot of %s: %w", name, err)
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(raw); err != nil {
		return fmt.Errorf("failed to compress snapshot of %s: %w", name, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize snapshot of %s: %w", name, err)
	}

	now := time.Now().UTC()
	day := now.Format("2006-01-02")
	backupKey := fmt.Sprintf("backups/%s/%s.db.gz", name, day)
	if err := m.objects.Put(ctx, backupKey, compressed.Bytes()); err != nil {
		return fmt.Errorf("failed to ship backup of %s: %w", name, err)
	}

	sum := sha256.Sum256(compressed.Bytes())
	meta, err := json.Marshal(BackupMetadata{
		Database:  name,
		Timestamp: now,
		SizeBytes: compressed.Len(),
		Checksum:  hex.EncodeToString(sum[:]),
	})
	if err != nil {
		return fmt.Errorf("failed to encode backup metadata for %s: %w", name, err)
	}
	metaKey := fmt.Sprintf("backups/%s/%s.json", name, day)
	if err := m.objects.Put(ctx, metaKey, meta); err != nil {
		return fmt.Errorf("failed to ship backup metadata for %s: %w", name, err)
	}

	m.log.Info().
		Str("database", name).
		Str("key", backupKey).
		Int("bytes", compressed.Len()).
		Msg("Backup shipped")
	return nil
}
