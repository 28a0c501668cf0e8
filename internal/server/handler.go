package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/malbeclabs/kinesis-aggregator/internal/aggregator"
	"github.com/malbeclabs/kinesis-aggregator/internal/metrics"
	"github.com/malbeclabs/kinesis-aggregator/pkg/types"
)

type Handler struct {
	log      *slog.Logger
	cfg      Config
	draining func() bool
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

// NewHandler returns the ingestion endpoint handler. draining reports whether shutdown has begun
// and may be nil.
func NewHandler(log *slog.Logger, cfg Config, draining func() bool) (*Handler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("handler config validation failed: %w", err)
	}
	if draining == nil {
		draining = func() bool { return false }
	}
	return &Handler{
		log:      log,
		cfg:      cfg,
		draining: draining,
	}, nil
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(types.RootPath, h.rootHandler)
	mux.HandleFunc(types.AddPath, h.addHandler)
	mux.HandleFunc(types.HealthzPath, h.healthzHandler)
	mux.HandleFunc(types.ReadyzPath, h.readyzHandler)
}

func (h *Handler) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != types.RootPath {
		h.writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = io.WriteString(w, "OK")
}

func (h *Handler) addHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		metrics.IngestRequests.WithLabelValues("method_not_allowed").Inc()
		return
	}

	declaredSize, err := parseRequestSize(r.Header.Get(types.RequestSizeHeader))
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
		metrics.IngestRequests.WithLabelValues("invalid_request_size").Inc()
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
			metrics.IngestRequests.WithLabelValues("request_body_too_large").Inc()
			return
		}
		h.writeJSONError(w, http.StatusBadRequest, "failed to read body")
		metrics.IngestRequests.WithLabelValues("failed_to_read_body").Inc()
		return
	}

	var req types.PutRecordRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "invalid json")
		metrics.IngestRequests.WithLabelValues("invalid_json").Inc()
		return
	}
	if strings.TrimSpace(req.StreamName) == "" {
		h.writeJSONError(w, http.StatusBadRequest, "stream_name is required")
		metrics.IngestRequests.WithLabelValues("missing_fields").Inc()
		return
	}
	if req.PartitionKey == "" {
		h.writeJSONError(w, http.StatusBadRequest, "partition_key is required")
		metrics.IngestRequests.WithLabelValues("missing_fields").Inc()
		return
	}

	h.cfg.Engine.Insert(r.Context(), req.StreamName, aggregator.Record{
		PartitionKey:    req.PartitionKey,
		ExplicitHashKey: req.ExplicitHashKey,
		Data:            req.Data,
	}, declaredSize)

	metrics.IngestRequests.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) healthzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
	})
}

func (h *Handler) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	status, body := http.StatusOK, "ready"
	if h.draining() {
		status, body = http.StatusServiceUnavailable, "draining"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": body,
	})
}

func parseRequestSize(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("missing %s header", types.RequestSizeHeader)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s header", types.RequestSizeHeader)
	}
	return n, nil
}
