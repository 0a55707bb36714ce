package orchestrator

import (
	"context"
	"encoding/json"
	stdliberrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	bterrors "github.com/odvcencio/bigtest/pkg/errors"
	"github.com/odvcencio/bigtest/pkg/state"
	"github.com/odvcencio/bigtest/pkg/telemetry"
)

const (
	maxBodyBytesRun int64 = 8 << 20

	resetTimeout = 30 * time.Second
)

func (o *Orchestrator) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", o.handleHealthz)
	if o.cfg.Telemetry.Metrics {
		router.Handle("/metrics", telemetry.Handler())
	}
	router.Handle("/agent", o.agents)
	router.Handle("/query", o.gateway)

	router.Route("/api", func(r chi.Router) {
		r.Get("/state", o.gateway.HandleState)
		r.Post("/runs", o.handleStartRun)
		r.Get("/runs/{id}", o.handleGetRun)
		r.Post("/reset", o.handleReset)
	})
	return router
}

func (o *Orchestrator) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"agents":  len(o.agents.IDs()),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (o *Orchestrator) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesRun, true); err != nil {
		respondError(w, status, bterrors.Wrap(err, bterrors.ErrCodeInvalidInput, "invalid run request"))
		return
	}
	id, err := o.StartRun(req)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"testRunId": id})
}

func (o *Orchestrator) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("wait") == "true" {
		run, err := o.WaitRun(r.Context(), id)
		if err != nil {
			respondError(w, statusFor(err), err)
			return
		}
		respondJSON(w, http.StatusOK, run)
		return
	}
	run, ok, err := state.GetRun(o.state, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, bterrors.New(bterrors.ErrCodeRunNotFound, "no such test run").
			WithContext("test_run_id", id))
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (o *Orchestrator) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), resetTimeout)
	defer cancel()
	if err := o.Reset(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func statusFor(err error) int {
	switch bterrors.GetCode(err) {
	case bterrors.ErrCodeInvalidInput, bterrors.ErrCodeManifestInvalid:
		return http.StatusBadRequest
	case bterrors.ErrCodeRunNotFound:
		return http.StatusNotFound
	case bterrors.ErrCodeAgentNotFound:
		return http.StatusConflict
	}
	if stdliberrors.Is(err, context.Canceled) || stdliberrors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func setHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, status int, payload any) {
	setHeaders(w)
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// ErrorResponse is the body of every failed API request.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Status    int            `json:"status"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message"`
	Details   string         `json:"details,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// respondError sends a structured JSON error response.
func respondError(w http.ResponseWriter, status int, err error) {
	setHeaders(w)
	w.WriteHeader(status)

	response := ErrorResponse{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if btErr, ok := bterrors.As(err); ok {
		response.Code = string(btErr.Code)
		if btErr.Message != "" {
			response.Message = btErr.Message
		}
		if len(btErr.Context) > 0 {
			response.Context = btErr.Context
		}
		response.Details = btErr.Error()
	} else if err != nil {
		response.Message = err.Error()
		response.Details = fmt.Sprintf("%v", err)
	}
	response.Error = response.Message
	_ = json.NewEncoder(w).Encode(response)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64, allowEOF bool) (int, error) {
	if r == nil || r.Body == nil {
		if allowEOF {
			return 0, nil
		}
		return http.StatusBadRequest, fmt.Errorf("request body required")
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEOF && stdliberrors.Is(err, io.EOF) {
			return 0, nil
		}
		var maxErr *http.MaxBytesError
		if stdliberrors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large (max %d bytes)", maxBytes)
		}
		return http.StatusBadRequest, err
	}
	return 0, nil
}
