package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

// Purger deletes refresh tokens that expired, or were revoked before the
// retention window.
type Purger interface {
	PurgeStaleTokens(ctx context.Context, retention time.Duration, batchSize int) (int64, error)
}

type Logger interface {
	Info(message string, fields map[string]any)
	Error(message string, fields map[string]any)
}

type CleanupHandler struct {
	purger           Purger
	logger           Logger
	cronSecret       string
	refreshRetention time.Duration
	batchSize        int
}

func NewCleanupHandler(
	purger Purger,
	logger Logger,
	cronSecret string,
	refreshRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		purger:           purger,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		refreshRetention: refreshRetention,
		batchSize:        batchSize,
	}
}

// Handle answers 404 while no cron secret is configured.
func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if !h.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	deleted, err := h.purger.PurgeStaleTokens(r.Context(), h.refreshRetention, h.batchSize)
	if err != nil {
		sentry.CaptureException(err)
		h.logger.Error("auth_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{"deleted_refresh_tokens": deleted})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": map[string]int64{"deleted_refresh_tokens": deleted},
	})
}

func (h *CleanupHandler) authorized(r *http.Request) bool {
	parts := strings.SplitN(strings.TrimSpace(r.Header.Get("Authorization")), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return false
	}
	presented := strings.TrimSpace(parts[1])
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.cronSecret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
