// Package pipeline implements the per-queue business logic: the data
// processing handler that decrypts chunks, the push notification
// handler, and the analytics hand-off. BuildRegistry wires all three
// into the task registry at process start.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/reyvababtista/beiwe-backend-fork/internal/crypto"
	"github.com/reyvababtista/beiwe-backend-fork/internal/notify"
	"github.com/reyvababtista/beiwe-backend-fork/internal/objstore"
	"github.com/reyvababtista/beiwe-backend-fork/internal/study"
	"github.com/reyvababtista/beiwe-backend-fork/internal/tasks"
)

// Handler names. Task rows reference handlers by these strings; they
// are part of the broker database contents and must stay stable.
const (
	HandlerProcessChunk     = "process_chunk"
	HandlerSendNotification = "send_new_data_notification"
	HandlerRunAnalytics     = "run_analytics"
)

// ChunkTaskArgs is the payload of data processing and analytics tasks.
type ChunkTaskArgs struct {
	ChunkID string `msgpack:"chunk_id"`
	StudyID string `msgpack:"study_id"`
}

// NotificationTaskArgs is the payload of push notification tasks.
type NotificationTaskArgs struct {
	ParticipantID string `msgpack:"participant_id"`
	DataType      string `msgpack:"data_type"`
}

// Pipeline holds the dependencies shared by the queue handlers.
type Pipeline struct {
	store   *study.Store
	objects objstore.Store
	engine  *crypto.Engine
	keys    *KeyCache
	sender  notify.Sender
	log     zerolog.Logger
}

// New creates the pipeline.
func New(store *study.Store, objects objstore.Store, engine *crypto.Engine, keys *KeyCache, sender notify.Sender, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:   store,
		objects: objects,
		engine:  engine,
		keys:    keys,
		sender:  sender,
		log:     log.With().Str("component", "pipeline").Logger(),
	}
}

// BuildRegistry registers every handler and freezes the registry. This
// runs once at process start, before any queue begins pulling.
func (p *Pipeline) BuildRegistry() *tasks.Registry {
	registry := tasks.NewRegistry()
	registry.MustRegister(HandlerProcessChunk, p.ProcessChunk)
	registry.MustRegister(HandlerSendNotification, p.SendNotification)
	registry.MustRegister(HandlerRunAnalytics, p.RunAnalytics)
	registry.Freeze()
	return registry
}

// ProcessChunk decrypts a claimed chunk and stores the plaintext
// artifact. The handler is idempotent: it is a no-op unless the chunk
// is in the claimed state, so re-delivery of an already-processed
// chunk has no downstream side effect. A decryption failure
// quarantines the chunk and completes the task - corrupted uploads are
// an operator problem, not a retry candidate.
func (p *Pipeline) ProcessChunk(ctx context.Context, payload []byte) error {
	var args ChunkTaskArgs
	if err := tasks.Decode(HandlerProcessChunk, payload, &args); err != nil {
		return err
	}

	chunk, err := p.store.Chunk(ctx, args.ChunkID)
	if err != nil {
		return fmt.Errorf("failed to load chunk %s: %w", args.ChunkID, err)
	}
	if chunk.State != study.ChunkClaimed {
		p.log.Debug().
			Str("chunk_id", chunk.ID).
			Str("state", string(chunk.State)).
			Msg("Chunk not claimed, skipping")
		return nil
	}

	st, err := p.store.Study(ctx, args.StudyID)
	if err != nil {
		return fmt.Errorf("failed to load study for chunk %s: %w", chunk.ID, err)
	}

	km, err := p.keys.Get(ctx, st)
	if err != nil {
		return fmt.Errorf("failed to load key material: %w", err)
	}

	ciphertext, err := p.objects.Get(ctx, chunk.ObjectKey)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			// The upload vanished from the object store; no retry can
			// bring it back.
			return tasks.Permanent(err)
		}
		return fmt.Errorf("failed to fetch ciphertext: %w", err)
	}

	plaintext, err := p.engine.Decrypt(km, chunk.WrappedKey, chunk.IV, ciphertext)
	if err != nil {
		var dErr *crypto.DecryptionError
		if errors.As(err, &dErr) {
			if qErr := p.store.Quarantine(ctx, chunk.ID, string(dErr.Kind)); qErr != nil {
				return fmt.Errorf("failed to quarantine chunk %s: %w", chunk.ID, qErr)
			}
			// Quarantine is the terminal outcome for this chunk; the
			// task itself succeeded.
			return nil
		}
		return fmt.Errorf("decryption failed unexpectedly: %w", err)
	}

	processedKey := fmt.Sprintf("processed/%s/%s/%s.csv", st.ID, chunk.ParticipantID, chunk.ID)
	if err := p.objects.Put(ctx, processedKey, plaintext); err != nil {
		return fmt.Errorf("failed to store processed artifact: %w", err)
	}

	if _, err := p.store.MarkProcessed(ctx, chunk.ID); err != nil {
		return fmt.Errorf("failed to mark chunk %s processed: %w", chunk.ID, err)
	}

	p.log.Info().
		Str("chunk_id", chunk.ID).
		Str("data_type", chunk.DataType).
		Int("plaintext_bytes", len(plaintext)).
		Msg("Chunk processed")
	return nil
}

// SendNotification delivers a new-data push notification to a
// participant's device. A missing token is a quiet no-op; an
// unregistered token is a permanent failure.
func (p *Pipeline) SendNotification(ctx context.Context, payload []byte) error {
	var args NotificationTaskArgs
	if err := tasks.Decode(HandlerSendNotification, payload, &args); err != nil {
		return err
	}

	participant, err := p.store.Participant(ctx, args.ParticipantID)
	if err != nil {
		return fmt.Errorf("failed to load participant %s: %w", args.ParticipantID, err)
	}
	if participant.FCMToken == "" {
		p.log.Debug().Str("participant_id", participant.ID).Msg("No device token, skipping notification")
		return nil
	}

	err = p.sender.Send(ctx, participant.FCMToken, map[string]string{
		"type":      "new_data_processed",
		"data_type": args.DataType,
	})
	if err != nil {
		if errors.Is(err, notify.ErrUnregisteredToken) {
			return tasks.Permanent(err)
		}
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

// RunAnalytics hands a processed chunk to the external analytics
// runner by writing a job manifest into the object store. The
// statistical work itself is out of scope; this is only the contract
// by which the runner receives work.
func (p *Pipeline) RunAnalytics(ctx context.Context, payload []byte) error {
	var args ChunkTaskArgs
	if err := tasks.Decode(HandlerRunAnalytics, payload, &args); err != nil {
		return err
	}

	chunk, err := p.store.Chunk(ctx, args.ChunkID)
	if err != nil {
		return fmt.Errorf("failed to load chunk %s: %w", args.ChunkID, err)
	}
	if chunk.State == study.ChunkQuarantined {
		// Quarantined uploads never reach analytics.
		return nil
	}

	manifest, err := json.Marshal(map[string]string{
		"study_id":  args.StudyID,
		"chunk_id":  chunk.ID,
		"data_type": chunk.DataType,
		"artifact":  fmt.Sprintf("processed/%s/%s/%s.csv", args.StudyID, chunk.ParticipantID, chunk.ID),
	})
	if err != nil {
		return tasks.Permanent(fmt.Errorf("failed to encode analytics manifest: %w", err))
	}

	manifestKey := fmt.Sprintf("analytics/pending/%s/%s.json", args.StudyID, chunk.ID)
	if err := p.objects.Put(ctx, manifestKey, manifest); err != nil {
		return fmt.Errorf("failed to store analytics manifest: %w", err)
	}
	return nil
}
