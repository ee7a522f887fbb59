package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reyvababtista/beiwe-backend-fork/internal/config"
	"github.com/reyvababtista/beiwe-backend-fork/internal/database"
	"github.com/reyvababtista/beiwe-backend-fork/internal/pipeline"
	"github.com/reyvababtista/beiwe-backend-fork/internal/study"
	"github.com/reyvababtista/beiwe-backend-fork/internal/tasks"
	itesting "github.com/reyvababtista/beiwe-backend-fork/internal/testing"
)

// captureBackend records enqueued tasks and can be primed to reject
// tasks for one study.
type captureBackend struct {
	mu          sync.Mutex
	tasks       []*tasks.Task
	failStudyID string
}

func (c *captureBackend) Enqueue(ctx context.Context, task *tasks.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failStudyID != "" {
		var args pipeline.ChunkTaskArgs
		if err := task.DecodePayload(&args); err == nil && args.StudyID == c.failStudyID {
			return fmt.Errorf("enqueue rejected for study %s", args.StudyID)
		}
	}
	c.tasks = append(c.tasks, task)
	return nil
}

func (c *captureBackend) byQueue(queue string) []*tasks.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*tasks.Task
	for _, t := range c.tasks {
		if t.Queue == queue {
			out = append(out, t)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Queues: config.QueueConfig{
			MaxAttempts:     5,
			BackoffBase:     30 * time.Second,
			BackoffCap:      15 * time.Minute,
			LeaseDuration:   10 * time.Minute,
			TaskTimeout:     5 * time.Minute,
			PollInterval:    2 * time.Second,
			NotificationTTL: 5 * time.Minute,
		},
		Dispatch: config.DispatchConfig{LockTTL: 30 * time.Minute},
	}
}

func newStudyDB(t *testing.T) *database.DB {
	t.Helper()
	return itesting.NewStudyDB(t)
}

type fixture struct {
	dispatcher *Dispatcher
	store      *study.Store
	backend    *captureBackend
	db         *database.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newStudyDB(t)
	log := zerolog.Nop()
	store := study.NewStore(db.Conn(), log)
	backend := &captureBackend{}
	lock := NewLock(db.Conn(), log)
	d := New(store, backend, nil, nil, lock, testConfig(), log)
	return &fixture{dispatcher: d, store: store, backend: backend, db: db}
}

func (f *fixture) seedStudy(t *testing.T, id string, push bool, analyticsTypes ...string) {
	t.Helper()
	require.NoError(t, f.store.CreateStudy(context.Background(), &study.Study{
		ID:             id,
		Name:           id,
		Active:         true,
		KeyObjectKey:   "keys/" + id + ".pem",
		PushEnabled:    push,
		AnalyticsTypes: analyticsTypes,
		CreatedAt:      time.Now().UTC(),
	}))
}

func (f *fixture) seedParticipant(t *testing.T, id, studyID, token string) {
	t.Helper()
	require.NoError(t, f.store.CreateParticipant(context.Background(), &study.Participant{
		ID:        id,
		StudyID:   studyID,
		FCMToken:  token,
		CreatedAt: time.Now().UTC(),
	}))
}

func (f *fixture) seedChunk(t *testing.T, id, participantID, dataType string) {
	t.Helper()
	require.NoError(t, f.store.CreateChunk(context.Background(), &study.Chunk{
		ID:            id,
		ParticipantID: participantID,
		DataType:      dataType,
		ObjectKey:     "uploads/" + participantID + "/" + id + ".bin",
		WrappedKey:    make([]byte, 256),
		IV:            make([]byte, 12),
		UploadedAt:    time.Now().UTC(),
	}))
}

func TestDispatchEnqueuesAllQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedStudy(t, "study-1", true, "accelerometer")
	f.seedParticipant(t, "part-1", "study-1", "token-1")
	f.seedChunk(t, "chunk-1", "part-1", "accelerometer")
	f.seedChunk(t, "chunk-2", "part-1", "gps")

	stats, err := f.dispatcher.Run(ctx, CadenceFiveMinutes)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Studies)
	assert.Equal(t, 2, stats.Claimed)
	// Both chunks get a processing and a notification task; only the
	// accelerometer chunk matches the study's analytics types.
	assert.Equal(t, 5, stats.Enqueued)

	assert.Len(t, f.backend.byQueue(tasks.QueueDataProcessing), 2)
	assert.Len(t, f.backend.byQueue(tasks.QueuePushNotifications), 2)
	assert.Len(t, f.backend.byQueue(tasks.QueueAnalytics), 1)

	// Notification tasks expire if they sit too long.
	for _, task := range f.backend.byQueue(tasks.QueuePushNotifications) {
		assert.NotNil(t, task.ExpiresAt)
	}

	for _, task := range f.backend.byQueue(tasks.QueueDataProcessing) {
		assert.Nil(t, task.ExpiresAt)
	}
}

func TestDispatchClaimsChunksExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedStudy(t, "study-1", false)
	f.seedParticipant(t, "part-1", "study-1", "")
	f.seedChunk(t, "chunk-1", "part-1", "gps")

	stats, err := f.dispatcher.Run(ctx, CadenceFiveMinutes)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Claimed)
	assert.Equal(t, 1, stats.Enqueued)

	// A second pass finds nothing: the chunk left the uploaded state.
	stats, err = f.dispatcher.Run(ctx, CadenceHourly)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Claimed)
	assert.Equal(t, 0, stats.Enqueued)
	assert.Len(t, f.backend.tasks, 1)
}

func TestDispatchSkipsPushWithoutToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedStudy(t, "study-1", true)
	f.seedParticipant(t, "part-1", "study-1", "")
	f.seedChunk(t, "chunk-1", "part-1", "gps")

	stats, err := f.dispatcher.Run(ctx, CadenceFiveMinutes)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Enqueued)
	assert.Empty(t, f.backend.byQueue(tasks.QueuePushNotifications))
}

func TestDispatchIsolatesStudyFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedStudy(t, "study-bad", false)
	f.seedParticipant(t, "part-bad", "study-bad", "")
	f.seedChunk(t, "chunk-bad", "part-bad", "gps")

	f.seedStudy(t, "study-good", false)
	f.seedParticipant(t, "part-good", "study-good", "")
	f.seedChunk(t, "chunk-good", "part-good", "gps")

	f.backend.failStudyID = "study-bad"

	stats, err := f.dispatcher.Run(ctx, CadenceFiveMinutes)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Studies)
	assert.Equal(t, 1, stats.FailedStudies)
	require.Len(t, f.backend.tasks, 1)

	var args pipeline.ChunkTaskArgs
	require.NoError(t, f.backend.tasks[0].DecodePayload(&args))
	assert.Equal(t, "study-good", args.StudyID)
}

func TestDispatchRejectsUnknownCadence(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Run(context.Background(), "weekly")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown cadence")
}

func TestDispatchRefusedWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedStudy(t, "study-1", false)
	f.seedParticipant(t, "part-1", "study-1", "")
	f.seedChunk(t, "chunk-1", "part-1", "gps")

	// Another instance holds an unexpired lock: the pass is refused
	// with the sentinel the CLI maps to a non-zero exit.
	otherLock := NewLock(f.db.Conn(), zerolog.Nop())
	acquired, err := otherLock.Acquire(ctx, lockName, "other-instance", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	stats, err := f.dispatcher.Run(ctx, CadenceFiveMinutes)
	require.ErrorIs(t, err, ErrLockHeld)
	assert.Nil(t, stats)
	assert.Empty(t, f.backend.tasks)

	// Once released, the pass proceeds.
	require.NoError(t, otherLock.Release(ctx, lockName, "other-instance"))
	stats, err = f.dispatcher.Run(ctx, CadenceFiveMinutes)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Claimed)
}

func TestLockExpiryIsStolen(t *testing.T) {
	db := newStudyDB(t)
	ctx := context.Background()
	lock := NewLock(db.Conn(), zerolog.Nop())

	acquired, err := lock.Acquire(ctx, "dispatch", "crashed-instance", time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(10 * time.Millisecond)

	acquired, err = lock.Acquire(ctx, "dispatch", "survivor", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)

	// The crashed instance's release must not free the survivor's lock.
	require.NoError(t, lock.Release(ctx, "dispatch", "crashed-instance"))
	acquired, err = lock.Acquire(ctx, "dispatch", "third", time.Hour)
	require.NoError(t, err)
	assert.False(t, acquired)
}

func TestLockIsExclusive(t *testing.T) {
	db := newStudyDB(t)
	ctx := context.Background()
	lock := NewLock(db.Conn(), zerolog.Nop())

	acquired, err := lock.Acquire(ctx, "dispatch", "a", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = lock.Acquire(ctx, "dispatch", "b", time.Hour)
	require.NoError(t, err)
	assert.False(t, acquired)
}
