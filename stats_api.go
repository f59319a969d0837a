package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzhttp"

	"github.com/cwsl/ccsds_downlink/ccsds/pipeline"
)

// StatsResponse is served on /api/stats
type StatsResponse struct {
	Version          string         `json:"version"`
	Timestamp        int64          `json:"timestamp"`
	Pipeline         pipeline.Stats `json:"pipeline"`
	Input            InputStats     `json:"input"`
	WebSocketClients int            `json:"websocket_clients"`
}

// StatsHandler serves pipeline and input statistics as JSON
type StatsHandler struct {
	pipeline *pipeline.Pipeline
	source   SymbolSource
	ws       *PacketWebSocketHandler
	logger   *log.Logger
}

func NewStatsHandler(p *pipeline.Pipeline, source SymbolSource, ws *PacketWebSocketHandler, logger *log.Logger) *StatsHandler {
	return &StatsHandler{pipeline: p, source: source, ws: ws, logger: logger}
}

// Snapshot collects the current statistics
func (h *StatsHandler) Snapshot() StatsResponse {
	resp := StatsResponse{
		Version:   Version,
		Timestamp: time.Now().Unix(),
		Pipeline:  h.pipeline.Stats(),
	}
	if h.source != nil {
		resp.Input = h.source.Stats()
	}
	if h.ws != nil {
		resp.WebSocketClients = h.ws.ClientCount()
	}
	return resp
}

func (h *StatsHandler) serveStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if err := json.NewEncoder(w).Encode(h.Snapshot()); err != nil {
		h.logger.Error("failed to encode statistics", "error", err)
	}
}

// Handler returns the gzip-wrapped /api/stats handler
func (h *StatsHandler) Handler() http.Handler {
	return gzhttp.GzipHandler(http.HandlerFunc(h.serveStats))
}

// StartStatsLogger logs a one-line summary every interval until done closes
func (h *StatsHandler) StartStatsLogger(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				h.logSummary()
			}
		}
	}()
}

func (h *StatsHandler) logSummary() {
	st := h.pipeline.Stats()
	kv := []any{
		"state", st.State,
		"frames", st.Deframer.Frames,
		"sync_errors", st.Deframer.SyncErrors,
		"lock_losses", st.Deframer.LockLosses,
		"packets", st.Demux.Packets,
		"lost_frames", st.Demux.LostFrames,
		"dropped", st.Demux.Dropped(),
	}
	if st.Viterbi != nil {
		kv = append(kv, "ber", st.Viterbi.LastBER)
	}
	if st.ReedSolomon != nil {
		kv = append(kv, "rs_uncorrectable", st.ReedSolomon.Uncorrectable)
	}
	h.logger.Info("statistics", kv...)
}
