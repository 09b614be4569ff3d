// Package api provides the HTTP status and register API of the master.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/nexus-edge/ecat-master/internal/domain"
	"github.com/nexus-edge/ecat-master/internal/ecat"
	"github.com/nexus-edge/ecat-master/internal/registry"
	"github.com/rs/zerolog"
)

// Master is the part of the fieldbus master the API exposes.
type Master interface {
	Session() string
	Config() domain.MasterConfig
	IsRunning() bool
	ConnectionState() domain.ConnectionState
	SlaveStates() []domain.SlaveState
	SlaveState(position uint16) (domain.SlaveState, error)
	Statistics() domain.NetworkStatistics
	BusStats() ecat.BusStatsSnapshot
	ResetStatistics()
	TargetCycleTime() time.Duration
	CurrentCycleTime() time.Duration
	LastCycleDuration() time.Duration
	SetTargetCycleTime(d time.Duration) error
	Reactions() []domain.AutoReaction
}

// RegisterStore is the register store the API reads and writes.
type RegisterStore interface {
	Read(a registry.Address) (domain.Value, error)
	Write(a registry.Address, v domain.Value) error
}

// Handler serves the /api endpoints.
type Handler struct {
	master   Master
	store    RegisterStore
	exporter Exporter
	logger   zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(master Master, store RegisterStore, logger zerolog.Logger) *Handler {
	return &Handler{
		master: master,
		store:  store,
		logger: logger.With().Str("component", "api").Logger(),
	}
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Name             string                 `json:"name"`
	Session          string                 `json:"session"`
	State            domain.ConnectionState `json:"state"`
	Running          bool                   `json:"running"`
	Slaves           int                    `json:"slaves"`
	Operational      int                    `json:"operational"`
	TargetCycleUs    int64                  `json:"target_cycle_us"`
	CurrentCycleUs   int64                  `json:"current_cycle_us"`
	LastCycleUs      int64                  `json:"last_cycle_us"`
	AdaptiveCycle    bool                   `json:"adaptive_cycle"`
	ErrorRate        float64                `json:"error_rate"`
	TotalCycles      uint64                 `json:"total_cycles"`
	LastStatsUpdated time.Time              `json:"last_stats_update"`
}

// SlaveResponse is one device in GET /api/slaves.
type SlaveResponse struct {
	domain.SlaveState
	StateName string `json:"state_name"`
	HasError  bool   `json:"has_error"`
}

// RegisterResponse is the body of the register endpoints.
type RegisterResponse struct {
	Address string          `json:"address"`
	Type    domain.DataType `json:"type"`
	Value   interface{}     `json:"value"`
}

// Status returns the connection and cycle overview.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	states := h.master.SlaveStates()
	operational := 0
	for _, s := range states {
		if s.Operational {
			operational++
		}
	}
	stats := h.master.Statistics()
	cfg := h.master.Config()

	writeJSON(w, http.StatusOK, StatusResponse{
		Name:             cfg.Name,
		Session:          h.master.Session(),
		State:            h.master.ConnectionState(),
		Running:          h.master.IsRunning(),
		Slaves:           len(states),
		Operational:      operational,
		TargetCycleUs:    h.master.TargetCycleTime().Microseconds(),
		CurrentCycleUs:   h.master.CurrentCycleTime().Microseconds(),
		LastCycleUs:      h.master.LastCycleDuration().Microseconds(),
		AdaptiveCycle:    cfg.Cycle.Adaptive,
		ErrorRate:        stats.ErrorRate(),
		TotalCycles:      stats.TotalCycles,
		LastStatsUpdated: stats.LastUpdate,
	})
}

// Slaves lists every configured device.
func (h *Handler) Slaves(w http.ResponseWriter, r *http.Request) {
	states := h.master.SlaveStates()
	out := make([]SlaveResponse, len(states))
	for i, s := range states {
		out[i] = slaveResponse(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// Slave returns one device by ring position.
func (h *Handler) Slave(w http.ResponseWriter, r *http.Request) {
	position, err := strconv.ParseUint(mux.Vars(r)["position"], 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, "position must be a number between 0 and 65535")
		return
	}
	s, err := h.master.SlaveState(uint16(position))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, slaveResponse(s))
}

func slaveResponse(s domain.SlaveState) SlaveResponse {
	return SlaveResponse{SlaveState: s, StateName: s.State.String(), HasError: s.State.HasError()}
}

// Statistics returns the network statistics.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.master.Statistics())
}

// FrameStatistics returns the frame level counters of the link.
func (h *Handler) FrameStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.master.BusStats())
}

// ResetStatistics clears the network statistics.
func (h *Handler) ResetStatistics(w http.ResponseWriter, r *http.Request) {
	h.master.ResetStatistics()
	w.WriteHeader(http.StatusNoContent)
}

// Reactions lists the installed auto-reactions.
func (h *Handler) Reactions(w http.ResponseWriter, r *http.Request) {
	reactions := h.master.Reactions()
	if reactions == nil {
		reactions = []domain.AutoReaction{}
	}
	writeJSON(w, http.StatusOK, reactions)
}

// ReadRegister returns one register value.
func (h *Handler) ReadRegister(w http.ResponseWriter, r *http.Request) {
	addr, err := registry.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := h.store.Read(addr)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RegisterResponse{Address: addr.String(), Type: v.Type(), Value: v.Interface()})
}

// WriteRegister sets one output or marker register. The body is
// {"value": <number|bool|string>}.
func (h *Handler) WriteRegister(w http.ResponseWriter, r *http.Request) {
	addr, err := registry.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !addr.Writable() {
		h.fail(w, r, fmt.Errorf("%w: %s is read-only", domain.ErrInvalidOperation, addr))
		return
	}

	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	text, err := rawText(body.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := domain.ParseValue(addr.DataType(), text)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.store.Write(addr, v); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info().Str("register", addr.String()).Str("value", v.String()).Msg("Register written over HTTP")
	writeJSON(w, http.StatusOK, RegisterResponse{Address: addr.String(), Type: v.Type(), Value: v.Interface()})
}

// SetCycleTarget changes the target cycle time. The body is
// {"cycle_time": "750us"}.
func (h *Handler) SetCycleTarget(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CycleTime string `json:"cycle_time"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d, err := time.ParseDuration(body.CycleTime)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cycle_time must be a duration such as 750us or 1ms")
		return
	}
	if err := h.master.SetTargetCycleTime(d); err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.Info().Dur("cycle_time", d).Msg("Target cycle time changed over HTTP")
	writeJSON(w, http.StatusOK, map[string]int64{"target_cycle_us": h.master.TargetCycleTime().Microseconds()})
}

// fail maps an error to its HTTP status and writes it.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSlave):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidOperation):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidAddress),
		errors.Is(err, domain.ErrInvalidParameter),
		errors.Is(err, domain.ErrDataTypeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

// rawText turns a JSON scalar into the text ParseValue expects.
func rawText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("value is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	if raw[0] == '{' || raw[0] == '[' {
		return "", errors.New("value must be a number, bool or string")
	}
	return string(raw), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
