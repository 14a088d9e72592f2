// Package statusapi exposes the link state on a local HTTP port for supervisors and debugging.
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"provlink/internal/lifecycle"
	"provlink/internal/realtime"
)

// Link is the realtime manager surface the API reads and drives
type Link interface {
	State() realtime.State
	Status() realtime.Status
	IsConnected() bool
	Attempts() int
	SendStatus(status realtime.Status) bool
}

// Lifecycle lets the API publish lifecycle transitions
type Lifecycle interface {
	Publish(state lifecycle.AppState)
	Current() lifecycle.AppState
}

// OriginSource reports the resolved backend origin
type OriginSource interface {
	Resolved() string
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	State     realtime.State     `json:"state"`
	Status    realtime.Status    `json:"status"`
	Connected bool               `json:"connected"`
	Attempts  int                `json:"reconnectAttempts"`
	Origin    string             `json:"origin,omitempty"`
	Lifecycle lifecycle.AppState `json:"lifecycle"`
	Presence  *bool              `json:"presenceConnected,omitempty"`
}

// StatusRequest is the body of POST /status
type StatusRequest struct {
	Status string `json:"status"`
}

type handlers struct {
	link      Link
	lifecycle Lifecycle
	origins   OriginSource
	presence  func() bool
	logger    zerolog.Logger
}

// Options carries the optional collaborators of the router
type Options struct {
	Origins  OriginSource
	Presence func() bool
}

// NewRouter builds the status API routes
func NewRouter(link Link, lc Lifecycle, opts Options, logger zerolog.Logger) *mux.Router {
	h := &handlers{
		link:      link,
		lifecycle: lc,
		origins:   opts.Origins,
		presence:  opts.Presence,
		logger:    logger.With().Str("component", "statusapi").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", h.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/status", h.postStatus).Methods(http.MethodPost)
	r.HandleFunc("/lifecycle/{state}", h.postLifecycle).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		State:     h.link.State(),
		Status:    h.link.Status(),
		Connected: h.link.IsConnected(),
		Attempts:  h.link.Attempts(),
		Lifecycle: h.lifecycle.Current(),
	}
	if h.origins != nil {
		resp.Origin = h.origins.Resolved()
	}
	if h.presence != nil {
		p := h.presence()
		resp.Presence = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) postStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	status, err := realtime.ParseStatus(req.Status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sent := h.link.SendStatus(status)
	h.logger.Info().Str("status", string(status)).Bool("sent", sent).Msg("status update requested")
	code := http.StatusOK
	if !sent {
		code = http.StatusAccepted
	}
	writeJSON(w, code, map[string]any{"status": status, "sent": sent})
}

func (h *handlers) postLifecycle(w http.ResponseWriter, r *http.Request) {
	state, err := lifecycle.ParseState(mux.Vars(r)["state"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.logger.Info().Str("state", string(state)).Msg("lifecycle transition requested")
	h.lifecycle.Publish(state)
	writeJSON(w, http.StatusOK, map[string]any{"lifecycle": state})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
