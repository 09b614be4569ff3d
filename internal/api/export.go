package api

import (
	"net/http"
	"strconv"

	"github.com/nexus-edge/ecat-master/internal/adapter/mqtt"
)

// Exporter is the MQTT publisher as seen by the API.
type Exporter interface {
	IsConnected() bool
	Stats() map[string]uint64
	BufferSize() int
	ActiveTopics(limit int) []mqtt.TopicStat
}

// ExportResponse is the body of GET /api/export/mqtt.
type ExportResponse struct {
	Enabled   bool              `json:"enabled"`
	Connected bool              `json:"connected"`
	Buffered  int               `json:"buffered"`
	Counters  map[string]uint64 `json:"counters,omitempty"`
	Topics    []mqtt.TopicStat  `json:"topics"`
}

// SetExporter attaches the MQTT publisher. Without one the export endpoint
// reports the export as disabled.
func (h *Handler) SetExporter(e Exporter) {
	h.exporter = e
}

// Export returns the MQTT publisher counters and the most recently published
// topics. The optional limit query parameter caps the topic list.
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		writeJSON(w, http.StatusOK, ExportResponse{Topics: []mqtt.TopicStat{}})
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit: "+s)
			return
		}
		limit = n
	}

	topics := h.exporter.ActiveTopics(limit)
	if topics == nil {
		topics = []mqtt.TopicStat{}
	}
	writeJSON(w, http.StatusOK, ExportResponse{
		Enabled:   true,
		Connected: h.exporter.IsConnected(),
		Buffered:  h.exporter.BufferSize(),
		Counters:  h.exporter.Stats(),
		Topics:    topics,
	})
}
