package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/DevChiJay/API-Key-Management-Platform/internal/gateway/apierror"
	"github.com/DevChiJay/API-Key-Management-Platform/internal/shared/store"
)

const defaultUsageRange = 30 * 24 * time.Hour

// UsageHandler reports usage of the calling key
type UsageHandler struct {
	reader store.UsageReader
	now    func() time.Time
	logger *zap.Logger
}

func NewUsageHandler(reader store.UsageReader, logger *zap.Logger) *UsageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsageHandler{reader: reader, now: time.Now, logger: logger}
}

// Summary handles GET /usage?from=&to= (RFC3339, defaults to the last 30 days)
func (h *UsageHandler) Summary(w http.ResponseWriter, r *http.Request) {
	auth := AuthFromContext(r.Context())
	if auth == nil {
		apierror.Write(w, apierror.Unauthorized("missing API key"))
		return
	}

	to := h.now()
	from := to.Add(-defaultUsageRange)
	var err error
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(w, "'to' must be an RFC3339 timestamp")
			return
		}
		if r.URL.Query().Get("from") == "" {
			from = to.Add(-defaultUsageRange)
		}
	}
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(w, "'from' must be an RFC3339 timestamp")
			return
		}
	}
	if !from.Before(to) {
		badRequest(w, "'from' must be before 'to'")
		return
	}

	summary, err := h.reader.SummarizeUsage(r.Context(), auth.KeyID, from, to)
	if err != nil {
		h.logger.Error("failed to summarize usage", zap.String("key_id", auth.KeyID), zap.Error(err))
		apierror.Write(w, apierror.Internal(err))
		return
	}
	apierror.WriteJSON(w, http.StatusOK, summary)
}

func badRequest(w http.ResponseWriter, msg string) {
	apierror.WriteJSON(w, http.StatusBadRequest, apierror.Body{
		Error:   http.StatusText(http.StatusBadRequest),
		Message: msg,
	})
}
