package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/reyvababtista/beiwe-backend-fork/internal/crypto"
	"github.com/reyvababtista/beiwe-backend-fork/internal/notify"
	"github.com/reyvababtista/beiwe-backend-fork/internal/objstore"
	"github.com/reyvababtista/beiwe-backend-fork/internal/study"
	"github.com/reyvababtista/beiwe-backend-fork/internal/tasks"
	itesting "github.com/reyvababtista/beiwe-backend-fork/internal/testing"
)

// fakeSender records sends and can be primed to fail.
type fakeSender struct {
	mu   sync.Mutex
	sent []string
	fail error
}

func (f *fakeSender) Send(ctx context.Context, token string, payload map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, token)
	return nil
}

type testEnv struct {
	pipeline *Pipeline
	store    *study.Store
	objects  objstore.Store
	engine   *crypto.Engine
	km       *crypto.KeyMaterial
	sender   *fakeSender
	studyID  string
	partID   string
}

var (
	testKeyOnce sync.Once
	testKey     *crypto.KeyMaterial
	testKeyPEM  []byte
)

func sharedTestKey(t *testing.T) (*crypto.KeyMaterial, []byte) {
	t.Helper()
	testKeyOnce.Do(func() {
		km, err := crypto.GenerateKeyMaterial("study-1")
		if err != nil {
			panic(err)
		}
		pemBytes, err := km.MarshalPrivate()
		if err != nil {
			panic(err)
		}
		testKey = km
		testKeyPEM = pemBytes
	})
	return testKey, testKeyPEM
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db := itesting.NewStudyDB(t)

	objects, err := objstore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	km, keyPEM := sharedTestKey(t)
	keyObjectKey := "keys/study-1.pem"
	require.NoError(t, objects.Put(ctx, keyObjectKey, keyPEM))

	log := zerolog.Nop()
	store := study.NewStore(db.Conn(), log)
	require.NoError(t, store.CreateStudy(ctx, &study.Study{
		ID:             "study-1",
		Name:           "Sleep Study",
		Active:         true,
		KeyObjectKey:   keyObjectKey,
		PushEnabled:    true,
		AnalyticsTypes: []string{"accelerometer"},
		CreatedAt:      time.Now().UTC(),
	}))
	require.NoError(t, store.CreateParticipant(ctx, &study.Participant{
		ID:        "part-1",
		StudyID:   "study-1",
		FCMToken:  "token-abcdef",
		CreatedAt: time.Now().UTC(),
	}))

	engine := crypto.NewEngine()
	sender := &fakeSender{}
	p := New(store, objects, engine, NewKeyCache(objects), sender, log)

	return &testEnv{
		pipeline: p,
		store:    store,
		objects:  objects,
		engine:   engine,
		km:       km,
		sender:   sender,
		studyID:  "study-1",
		partID:   "part-1",
	}
}

// seedChunk encrypts plaintext, stores the ciphertext, and inserts a
// chunk in the given state. Returns the chunk ID.
func (e *testEnv) seedChunk(t *testing.T, id string, state study.ChunkState, plaintext []byte) *study.Chunk {
	t.Helper()
	ctx := context.Background()

	wrappedKey, iv, ciphertext, err := e.engine.Encrypt(e.km, plaintext)
	require.NoError(t, err)

	objectKey := fmt.Sprintf("uploads/%s/%s.bin", e.partID, id)
	require.NoError(t, e.objects.Put(ctx, objectKey, ciphertext))

	chunk := &study.Chunk{
		ID:            id,
		ParticipantID: e.partID,
		State:         state,
		DataType:      "accelerometer",
		ObjectKey:     objectKey,
		WrappedKey:    wrappedKey,
		IV:            iv,
		UploadedAt:    time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateChunk(ctx, chunk))
	return chunk
}

func chunkPayload(t *testing.T, chunkID, studyID string) []byte {
	t.Helper()
	payload, err := msgpack.Marshal(ChunkTaskArgs{ChunkID: chunkID, StudyID: studyID})
	require.NoError(t, err)
	return payload
}

func TestProcessChunkDecryptsAndStoresArtifact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	plaintext := []byte("timestamp,x,y,z\n1700000000,0.1,0.2,9.8\n")
	env.seedChunk(t, "chunk-1", study.ChunkClaimed, plaintext)

	err := env.pipeline.ProcessChunk(ctx, chunkPayload(t, "chunk-1", env.studyID))
	require.NoError(t, err)

	chunk, err := env.store.Chunk(ctx, "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, study.ChunkProcessed, chunk.State)
	require.NotNil(t, chunk.ProcessedAt)

	artifact, err := env.objects.Get(ctx, fmt.Sprintf("processed/%s/%s/chunk-1.csv", env.studyID, env.partID))
	require.NoError(t, err)
	assert.Equal(t, plaintext, artifact)
}

func TestProcessChunkQuarantinesCorruptedUpload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chunk := env.seedChunk(t, "chunk-1", study.ChunkClaimed, []byte("sensor data"))

	// Corrupt the stored ciphertext after upload.
	ciphertext, err := env.objects.Get(ctx, chunk.ObjectKey)
	require.NoError(t, err)
	ciphertext[len(ciphertext)/2] ^= 0xFF
	require.NoError(t, env.objects.Put(ctx, chunk.ObjectKey, ciphertext))

	// The task completes: corrupted uploads are quarantined, not retried.
	err = env.pipeline.ProcessChunk(ctx, chunkPayload(t, "chunk-1", env.studyID))
	require.NoError(t, err)

	got, err := env.store.Chunk(ctx, "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, study.ChunkQuarantined, got.State)
	assert.Equal(t, string(crypto.IntegrityFailure), got.QuarantineReason)

	_, err = env.objects.Get(ctx, fmt.Sprintf("processed/%s/%s/chunk-1.csv", env.studyID, env.partID))
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestProcessChunkSkipsUnclaimedChunk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedChunk(t, "chunk-1", study.ChunkUploaded, []byte("sensor data"))

	err := env.pipeline.ProcessChunk(ctx, chunkPayload(t, "chunk-1", env.studyID))
	require.NoError(t, err)

	got, err := env.store.Chunk(ctx, "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, study.ChunkUploaded, got.State)
}

func TestProcessChunkIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedChunk(t, "chunk-1", study.ChunkClaimed, []byte("sensor data"))
	payload := chunkPayload(t, "chunk-1", env.studyID)

	require.NoError(t, env.pipeline.ProcessChunk(ctx, payload))
	// Re-delivery of the same task is a no-op.
	require.NoError(t, env.pipeline.ProcessChunk(ctx, payload))

	got, err := env.store.Chunk(ctx, "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, study.ChunkProcessed, got.State)
}

func TestProcessChunkMissingCiphertextIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	chunk := env.seedChunk(t, "chunk-1", study.ChunkClaimed, []byte("sensor data"))
	// Simulate a vanished upload by pointing at a key that was never written.
	_, err := env.store.Chunk(ctx, chunk.ID)
	require.NoError(t, err)

	missing := &study.Chunk{
		ID:            "chunk-2",
		ParticipantID: env.partID,
		State:         study.ChunkClaimed,
		DataType:      "gps",
		ObjectKey:     "uploads/part-1/never-written.bin",
		WrappedKey:    chunk.WrappedKey,
		IV:            chunk.IV,
		UploadedAt:    time.Now().UTC(),
	}
	require.NoError(t, env.store.CreateChunk(ctx, missing))

	err = env.pipeline.ProcessChunk(ctx, chunkPayload(t, "chunk-2", env.studyID))
	require.Error(t, err)
	assert.True(t, tasks.IsPermanent(err))
}

func TestProcessChunkBatchWithOneCorrupted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedChunk(t, "chunk-1", study.ChunkClaimed, []byte("data one"))
	bad := env.seedChunk(t, "chunk-2", study.ChunkClaimed, []byte("data two"))
	env.seedChunk(t, "chunk-3", study.ChunkClaimed, []byte("data three"))

	ciphertext, err := env.objects.Get(ctx, bad.ObjectKey)
	require.NoError(t, err)
	ciphertext[0] ^= 0x01
	require.NoError(t, env.objects.Put(ctx, bad.ObjectKey, ciphertext))

	for _, id := range []string{"chunk-1", "chunk-2", "chunk-3"} {
		require.NoError(t, env.pipeline.ProcessChunk(ctx, chunkPayload(t, id, env.studyID)))
	}

	counts, err := env.store.CountChunksByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[study.ChunkProcessed])
	assert.Equal(t, 1, counts[study.ChunkQuarantined])
}

func TestSendNotificationDelivers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	payload, err := msgpack.Marshal(NotificationTaskArgs{ParticipantID: env.partID, DataType: "accelerometer"})
	require.NoError(t, err)

	require.NoError(t, env.pipeline.SendNotification(ctx, payload))
	require.Len(t, env.sender.sent, 1)
	assert.Equal(t, "token-abcdef", env.sender.sent[0])
}

func TestSendNotificationSkipsMissingToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.CreateParticipant(ctx, &study.Participant{
		ID:        "part-2",
		StudyID:   env.studyID,
		CreatedAt: time.Now().UTC(),
	}))

	payload, err := msgpack.Marshal(NotificationTaskArgs{ParticipantID: "part-2", DataType: "gps"})
	require.NoError(t, err)

	require.NoError(t, env.pipeline.SendNotification(ctx, payload))
	assert.Empty(t, env.sender.sent)
}

func TestSendNotificationUnregisteredTokenIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.sender.fail = notify.ErrUnregisteredToken

	payload, err := msgpack.Marshal(NotificationTaskArgs{ParticipantID: env.partID, DataType: "gps"})
	require.NoError(t, err)

	err = env.pipeline.SendNotification(ctx, payload)
	require.Error(t, err)
	assert.True(t, tasks.IsPermanent(err))
}

func TestRunAnalyticsWritesManifest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedChunk(t, "chunk-1", study.ChunkProcessed, []byte("sensor data"))

	require.NoError(t, env.pipeline.RunAnalytics(ctx, chunkPayload(t, "chunk-1", env.studyID)))

	manifest, err := env.objects.Get(ctx, fmt.Sprintf("analytics/pending/%s/chunk-1.json", env.studyID))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "chunk-1")
	assert.Contains(t, string(manifest), "accelerometer")
}

func TestRunAnalyticsSkipsQuarantinedChunk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seedChunk(t, "chunk-1", study.ChunkQuarantined, []byte("sensor data"))

	require.NoError(t, env.pipeline.RunAnalytics(ctx, chunkPayload(t, "chunk-1", env.studyID)))

	_, err := env.objects.Get(ctx, fmt.Sprintf("analytics/pending/%s/chunk-1.json", env.studyID))
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestMalformedPayloadIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.pipeline.ProcessChunk(ctx, []byte("\xc1not msgpack"))
	require.Error(t, err)
	assert.True(t, tasks.IsPermanent(err))
}

func TestBuildRegistryRegistersAllHandlers(t *testing.T) {
	env := newTestEnv(t)

	registry := env.pipeline.BuildRegistry()
	assert.Equal(t, 3, registry.Count())

	for _, name := range []string{HandlerProcessChunk, HandlerSendNotification, HandlerRunAnalytics} {
		_, err := registry.Resolve(name)
		assert.NoError(t, err)
	}

	// The registry is frozen after wiring.
	err := registry.Register("late_handler", func(ctx context.Context, payload []byte) error { return nil })
	assert.Error(t, err)
}
