package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/reyvababtista/beiwe-backend-fork/internal/tasks"
)

// handleHealth reports liveness of the process and its databases.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	databases := map[string]string{}
	healthy := true

	if err := s.studyDB.QuickCheck(ctx); err != nil {
		databases["study"] = err.Error()
		healthy = false
	} else {
		databases["study"] = "ok"
	}

	if s.brokerDB != nil {
		if err := s.brokerDB.QuickCheck(ctx); err != nil {
			databases["broker"] = err.Error()
			healthy = false
		} else {
			databases["broker"] = "ok"
		}
	}

	status := http.StatusOK
	statusText := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		statusText = "unhealthy"
	}

	s.writeJSON(w, status, map[string]interface{}{
		"status":    statusText,
		"service":   "processor",
		"databases": databases,
	})
}

// handleSystemStats reports host CPU and memory usage.
func (s *Server) handleSystemStats(w http.ResponseWriter, r *http.Request) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	stats := map[string]interface{}{
		"cpu_percent": cpuPercent[0],
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		stats["memory_percent"] = memStat.UsedPercent
		stats["memory_used_mb"] = memStat.Used / 1024 / 1024
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// handleQueueDepths reports the live depth of each queue. In inline
// mode there is no broker and nothing queued.
func (s *Server) handleQueueDepths(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"mode":   "inline",
			"depths": map[string]int{},
		})
		return
	}

	depths := make(map[string]int, len(s.queues))
	for _, q := range s.queues {
		depth, err := s.broker.Depth(r.Context(), q)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		depths[q] = depth
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":   "broker",
		"depths": depths,
	})
}

// handleChunkStates reports chunk counts per lifecycle state.
func (s *Server) handleChunkStates(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountChunksByState(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, counts)
}

// handleQuarantineReport lists recently quarantined chunks with their
// reasons for operator review.
func (s *Server) handleQuarantineReport(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)

	chunks, err := s.store.QuarantinedChunks(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	type entry struct {
		ChunkID       string    `json:"chunk_id"`
		ParticipantID string    `json:"participant_id"`
		DataType      string    `json:"data_type"`
		Reason        string    `json:"reason"`
		UploadedAt    time.Time `json:"uploaded_at"`
	}
	entries := make([]entry, 0, len(chunks))
	for _, c := range chunks {
		entries = append(entries, entry{
			ChunkID:       c.ID,
			ParticipantID: c.ParticipantID,
			DataType:      c.DataType,
			Reason:        c.QuarantineReason,
			UploadedAt:    c.UploadedAt,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(entries),
		"chunks": entries,
	})
}

// handleDeadLetterReport lists recently dead-lettered tasks.
func (s *Server) handleDeadLetterReport(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"mode":  "inline",
			"count": 0,
			"tasks": []interface{}{},
		})
		return
	}

	limit := queryLimit(r, 50)

	letters, err := s.broker.DeadLetters(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	type entry struct {
		TaskID    string    `json:"task_id"`
		Queue     string    `json:"queue"`
		Handler   string    `json:"handler"`
		Attempts  int       `json:"attempts"`
		LastError string    `json:"last_error"`
		CreatedAt time.Time `json:"created_at"`
	}
	entries := make([]entry, 0, len(letters))
	for _, t := range letters {
		entries = append(entries, entry{
			TaskID:    t.ID,
			Queue:     t.Queue,
			Handler:   t.Handler,
			Attempts:  t.Attempts,
			LastError: t.LastError,
			CreatedAt: t.CreatedAt,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode":  "broker",
		"count": len(entries),
		"tasks": entries,
	})
}

func queryLimit(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.log.Error().Err(err).Msg("Request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// queueNames is the default set reported when none are configured.
var queueNames = []string{
	tasks.QueueDataProcessing,
	tasks.QueuePushNotifications,
	tasks.QueueAnalytics,
}

// DefaultQueues returns the standard queue set.
func DefaultQueues() []string {
	return queueNames
}
