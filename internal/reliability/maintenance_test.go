package reliability

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reyvababtista/beiwe-backend-fork/internal/database"
	"github.com/reyvababtista/beiwe-backend-fork/internal/objstore"
	itesting "github.com/reyvababtista/beiwe-backend-fork/internal/testing"
)

func TestMaintenanceBacksUpDatabases(t *testing.T) {
	ctx := context.Background()

	db := itesting.NewStudyDB(t)

	_, err := db.Exec(`INSERT INTO studies (id, name, active, key_object_key, push_enabled, analytics_types, created_at)
		VALUES ('study-1', 'Study', 1, 'keys/study-1.pem', 0, '', ?)`, time.Now().UnixMilli())
	require.NoError(t, err)

	objects, err := objstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	m := NewMaintenance(map[string]*database.DB{"study": db}, objects, t.TempDir(), zerolog.Nop())
	require.NoError(t, m.Run(ctx))

	day := time.Now().UTC().Format("2006-01-02")

	compressed, err := objects.Get(ctx, fmt.Sprintf("backups/study/%s.db.gz", day))
	require.NoError(t, err)

	rawMeta, err := objects.Get(ctx, fmt.Sprintf("backups/study/%s.json", day))
	require.NoError(t, err)

	var meta BackupMetadata
	require.NoError(t, json.Unmarshal(rawMeta, &meta))
	assert.Equal(t, "study", meta.Database)
	assert.Equal(t, len(compressed), meta.SizeBytes)

	sum := sha256.Sum256(compressed)
	assert.Equal(t, hex.EncodeToString(sum[:]), meta.Checksum)

	// The snapshot decompresses to a usable SQLite file.
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("SQLite format 3")))
}

func TestMaintenanceSurvivesPerDatabaseFailure(t *testing.T) {
	ctx := context.Background()

	good := itesting.NewStudyDB(t)

	bad, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "broker.db"),
		Profile: database.ProfileBroker,
		Name:    "broker",
	})
	require.NoError(t, err)
	require.NoError(t, bad.Close())

	objects, err := objstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	m := NewMaintenance(map[string]*database.DB{
		"study":  good,
		"broker": bad,
	}, objects, t.TempDir(), zerolog.Nop())

	// The closed database fails, the healthy one is still backed up.
	err = m.Run(ctx)
	require.Error(t, err)

	day := time.Now().UTC().Format("2006-01-02")
	_, err = objects.Get(ctx, fmt.Sprintf("backups/study/%s.db.gz", day))
	assert.NoError(t, err)
}
