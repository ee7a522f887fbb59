package study

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Store handles study database operations.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStore creates a store on the study database.
func NewStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "study_store").Logger(),
	}
}

// CreateStudy inserts a study record.
func (s *Store) CreateStudy(ctx context.Context, study *Study) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO studies (id, name, active, key_object_key, push_enabled, analytics_types, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		study.ID, study.Name, study.Active, study.KeyObjectKey, study.PushEnabled,
		encodeAnalyticsTypes(study.AnalyticsTypes), study.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create study %s: %w", study.ID, err)
	}
	return nil
}

// CreateParticipant inserts a participant record.
func (s *Store) CreateParticipant(ctx context.Context, p *Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (id, study_id, retired, fcm_token, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.StudyID, p.Retired, p.FCMToken, p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create participant %s: %w", p.ID, err)
	}
	return nil
}

// CreateChunk inserts an uploaded chunk record.
func (s *Store) CreateChunk(ctx context.Context, c *Chunk) error {
	state := c.State
	if state == "" {
		state = ChunkUploaded
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (id, participant_id, state, data_type, object_key, wrapped_key, iv, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ParticipantID, string(state), c.DataType, c.ObjectKey, c.WrappedKey, c.IV,
		c.UploadedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to create chunk %s: %w", c.ID, err)
	}
	return nil
}

// ActiveStudies returns all studies that are currently active.
func (s *Store) ActiveStudies(ctx context.Context) ([]*Study, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, active, key_object_key, push_enabled, analytics_types, created_at
		FROM studies WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active studies: %w", err)
	}
	defer rows.Close()

	var studies []*Study
	for rows.Next() {
		var (
			study     Study
			types     string
			createdAt int64
		)
		if err := rows.Scan(&study.ID, &study.Name, &study.Active, &study.KeyObjectKey,
			&study.PushEnabled, &types, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan study: %w", err)
		}
		study.AnalyticsTypes = decodeAnalyticsTypes(types)
		study.CreatedAt = time.UnixMilli(createdAt).UTC()
		studies = append(studies, &study)
	}
	return studies, rows.Err()
}

// Study returns a single study by ID.
func (s *Store) Study(ctx context.Context, studyID string) (*Study, error) {
	var (
		study     Study
		types     string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, active, key_object_key, push_enabled, analytics_types, created_at
		FROM studies WHERE id = ?`, studyID).
		Scan(&study.ID, &study.Name, &study.Active, &study.KeyObjectKey,
			&study.PushEnabled, &types, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("study %s not found", studyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get study %s: %w", studyID, err)
	}
	study.AnalyticsTypes = decodeAnalyticsTypes(types)
	study.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &study, nil
}

// ActiveParticipants returns the non-retired participants of a study.
func (s *Store) ActiveParticipants(ctx context.Context, studyID string) ([]*Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, study_id, retired, fcm_token, created_at
		FROM participants WHERE study_id = ? AND retired = 0 ORDER BY id`, studyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants of study %s: %w", studyID, err)
	}
	defer rows.Close()

	var participants []*Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// Participant returns a single participant by ID.
func (s *Store) Participant(ctx context.Context, participantID string) (*Participant, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, study_id, retired, fcm_token, created_at
		FROM participants WHERE id = ?`, participantID)

	var (
		p         Participant
		createdAt int64
	)
	err := row.Scan(&p.ID, &p.StudyID, &p.Retired, &p.FCMToken, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("participant %s not found", participantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant %s: %w", participantID, err)
	}
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &p, nil
}

func scanParticipant(rows *sql.Rows) (*Participant, error) {
	var (
		p         Participant
		createdAt int64
	)
	if err := rows.Scan(&p.ID, &p.StudyID, &p.Retired, &p.FCMToken, &createdAt); err != nil {
		return nil, fmt.Errorf("failed to scan participant: %w", err)
	}
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &p, nil
}

// UploadedChunks returns a participant's chunks still in the uploaded
// state, oldest first.
func (s *Store) UploadedChunks(ctx context.Context, participantID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_id, state, data_type, object_key, wrapped_key, iv, uploaded_at, processed_at, quarantine_reason
		FROM chunks WHERE participant_id = ? AND state = ? ORDER BY uploaded_at`,
		participantID, string(ChunkUploaded))
	if err != nil {
		return nil, fmt.Errorf("failed to list uploaded chunks of %s: %w", participantID, err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Chunk returns a single chunk by ID.
func (s *Store) Chunk(ctx context.Context, chunkID string) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, participant_id, state, data_type, object_key, wrapped_key, iv, uploaded_at, processed_at, quarantine_reason
		FROM chunks WHERE id = ?`, chunkID)

	c, err := scanChunkRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chunk %s not found", chunkID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %s: %w", chunkID, err)
	}
	return c, nil
}

// Claim atomically transitions a chunk from uploaded to claimed.
// Returns true only for the single caller that wins the transition;
// every concurrent or repeated attempt sees false. This compare-and-
// swap is the sole synchronization point between dispatch cycles and
// between workers.
func (s *Store) Claim(ctx context.Context, chunkID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET state = ? WHERE id = ? AND state = ?`,
		string(ChunkClaimed), chunkID, string(ChunkUploaded),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim chunk %s: %w", chunkID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for chunk %s: %w", chunkID, err)
	}
	return affected == 1, nil
}

// MarkProcessed transitions a claimed chunk to processed. Returns
// false if the chunk was not in the claimed state (already processed,
// quarantined, or never claimed); callers treat that as a no-op.
func (s *Store) MarkProcessed(ctx context.Context, chunkID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET state = ?, processed_at = ? WHERE id = ? AND state = ?`,
		string(ChunkProcessed), time.Now().UTC().UnixMilli(), chunkID, string(ChunkClaimed),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark chunk %s processed: %w", chunkID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read processed result for chunk %s: %w", chunkID, err)
	}
	return affected == 1, nil
}

// Quarantine transitions a claimed chunk to quarantined with a reason.
// Quarantined chunks are never retried automatically; they wait for
// operator review.
func (s *Store) Quarantine(ctx context.Context, chunkID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chunks SET state = ?, quarantine_reason = ? WHERE id = ? AND state = ?`,
		string(ChunkQuarantined), reason, chunkID, string(ChunkClaimed),
	)
	if err != nil {
		return fmt.Errorf("failed to quarantine chunk %s: %w", chunkID, err)
	}
	s.log.Warn().Str("chunk_id", chunkID).Str("reason", reason).Msg("Chunk quarantined")
	return nil
}

// QuarantinedChunks returns the most recently quarantined chunks for
// the operator report.
func (s *Store) QuarantinedChunks(ctx context.Context, limit int) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, participant_id, state, data_type, object_key, wrapped_key, iv, uploaded_at, processed_at, quarantine_reason
		FROM chunks WHERE state = ? ORDER BY uploaded_at DESC LIMIT ?`,
		string(ChunkQuarantined), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantined chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunksByState returns chunk counts per state for the operator
// report.
func (s *Store) CountChunksByState(ctx context.Context) (map[ChunkState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM chunks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	defer rows.Close()

	counts := make(map[ChunkState]int)
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan chunk count: %w", err)
		}
		counts[ChunkState(state)] = count
	}
	return counts, rows.Err()
}

func scanChunk(rows *sql.Rows) (*Chunk, error) {
	c, err := scanChunkFields(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}
	return c, nil
}

func scanChunkRow(row *sql.Row) (*Chunk, error) {
	return scanChunkFields(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChunkFields(s rowScanner) (*Chunk, error) {
	var (
		c           Chunk
		state       string
		uploadedAt  int64
		processedAt sql.NullInt64
	)
	err := s.Scan(&c.ID, &c.ParticipantID, &state, &c.DataType, &c.ObjectKey,
		&c.WrappedKey, &c.IV, &uploadedAt, &processedAt, &c.QuarantineReason)
	if err != nil {
		return nil, err
	}
	c.State = ChunkState(state)
	c.UploadedAt = time.UnixMilli(uploadedAt).UTC()
	if processedAt.Valid {
		t := time.UnixMilli(processedAt.Int64).UTC()
		c.ProcessedAt = &t
	}
	return &c, nil
}
