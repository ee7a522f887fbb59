// Package study holds the study/participant/chunk domain model and its
// SQLite-backed store, including the atomic chunk claim that the
// dispatcher and workers synchronize on.
package study

import (
	"strings"
	"time"

	"github.com/reyvababtista/beiwe-backend-fork/internal/utils"
)

// Study identifies a research study. Each study owns an RSA key pair;
// the private half lives in the object store under KeyObjectKey.
type Study struct {
	ID             string
	Name           string
	Active         bool
	KeyObjectKey   string
	PushEnabled    bool
	AnalyticsTypes []string // data types routed to the analytics queue
	CreatedAt      time.Time
}

// WantsAnalytics reports whether a chunk of the given data type should
// produce an analytics task for this study.
func (s *Study) WantsAnalytics(dataType string) bool {
	for _, t := range s.AnalyticsTypes {
		if t == dataType {
			return true
		}
	}
	return false
}

// encodeAnalyticsTypes flattens the list for storage; types never
// contain commas.
func encodeAnalyticsTypes(types []string) string {
	return strings.Join(types, ",")
}

func decodeAnalyticsTypes(s string) []string {
	return utils.ParseCSV(s)
}

// Participant belongs to exactly one study. Participants are never
// deleted while the study is active; Retired soft-disables them.
type Participant struct {
	ID        string
	StudyID   string
	Retired   bool
	FCMToken  string
	CreatedAt time.Time
}

// ChunkState is the lifecycle state of an uploaded chunk.
type ChunkState string

const (
	ChunkUploaded    ChunkState = "uploaded"
	ChunkClaimed     ChunkState = "claimed"
	ChunkProcessed   ChunkState = "processed"
	ChunkQuarantined ChunkState = "quarantined"
)

// Chunk is one immutable upload unit of encrypted sensor data. The
// ciphertext itself lives in the object store under ObjectKey; the
// wrapped symmetric key and IV ride along in the row.
type Chunk struct {
	ID               string
	ParticipantID    string
	State            ChunkState
	DataType         string
	ObjectKey        string
	WrappedKey       []byte
	IV               []byte
	UploadedAt       time.Time
	ProcessedAt      *time.Time
	QuarantineReason string
}
