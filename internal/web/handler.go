// Package web serves the listener-facing HTTP surface: the live Ogg/Opus
// stream, a statistics snapshot, and route registration for the probe and
// metrics endpoints.
package web

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mvarrel/voxcast/internal/observe"
	"github.com/mvarrel/voxcast/internal/pipeline"
)

// PipelineSource hands out the live pipeline generation. The pipeline
// supervisor implements it; handlers re-fetch per request and never retain
// a generation across requests.
type PipelineSource interface {
	Current() *pipeline.Pipeline
	Restarts() uint64
}

// Handler serves the public HTTP endpoints.
type Handler struct {
	pipelines PipelineSource
	metrics   *observe.Metrics
}

// NewHandler creates a Handler reading from src. metrics may be nil in
// tests that do not assert on instrumentation.
func NewHandler(src PipelineSource, metrics *observe.Metrics) *Handler {
	return &Handler{pipelines: src, metrics: metrics}
}

// Register adds the stream, stats and Prometheus routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream", h.Stream)
	mux.HandleFunc("GET /stats", h.Stats)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// Stream attaches the caller as a broadcast listener: it writes the cached
// container header, then relays encoded chunks until the client disconnects
// or the pipeline generation is torn down. A slow client only ever loses its
// own chunks; its tap drops oldest-first and delivery to other listeners is
// unaffected.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	p := h.pipelines.Current()
	if p == nil {
		http.Error(w, "no pipeline available", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/ogg")
	w.Header().Set("Cache-Control", "no-cache, no-store")

	tap := p.Encoder.Subscribe()
	defer p.Encoder.Unsubscribe(tap)

	ctx := r.Context()

	// Bootstrap the new listener with the header pages every Ogg/Opus
	// stream must open with.
	if hdr := p.Encoder.HeaderBytes(); len(hdr) > 0 {
		if _, err := w.Write(hdr); err != nil {
			return
		}
		if h.metrics != nil {
			h.metrics.RecordStreamBytes(ctx, len(hdr))
		}
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, open := <-tap.Chunks():
			if !open {
				// Pipeline generation torn down.
				return
			}
			if _, err := w.Write(chunk); err != nil {
				return
			}
			if h.metrics != nil {
				h.metrics.RecordStreamBytes(ctx, len(chunk))
			}
			flusher.Flush()
		}
	}
}

// statsResponse is the JSON body served by /stats.
type statsResponse struct {
	Pipeline pipelineStats `json:"pipeline"`
	Mixer    mixerStats    `json:"mixer"`
	Encoder  encoderStats  `json:"encoder"`
}

type pipelineStats struct {
	Live     bool   `json:"live"`
	Restarts uint64 `json:"restarts"`
}

type mixerStats struct {
	Ticks              uint64  `json:"ticks"`
	ConcealmentFrames  uint64  `json:"concealment_frames"`
	BackpressurePauses uint64  `json:"backpressure_pauses"`
	ActiveSpeakers     float64 `json:"active_speakers"`
	Sources            int     `json:"sources"`
	DroppedBytes       uint64  `json:"dropped_bytes"`
}

type encoderStats struct {
	State       string `json:"state"`
	Pid         int    `json:"pid"`
	Restarts    uint64 `json:"restarts"`
	Listeners   int    `json:"listeners"`
	HeaderBytes int    `json:"header_bytes"`
}

// Stats reports a point-in-time snapshot of the live pipeline.
func (h *Handler) Stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{
		Pipeline: pipelineStats{Restarts: h.pipelines.Restarts()},
	}

	if p := h.pipelines.Current(); p != nil {
		resp.Pipeline.Live = true

		ms := p.Mixer.Stats()
		resp.Mixer = mixerStats{
			Ticks:              ms.Ticks,
			ConcealmentFrames:  ms.ConcealmentFrames,
			BackpressurePauses: ms.BackpressurePauses,
			ActiveSpeakers:     ms.ActiveSpeakers,
			Sources:            ms.Sources,
			DroppedBytes:       ms.DroppedBytes,
		}
		resp.Encoder = encoderStats{
			State:       p.Encoder.State().String(),
			Pid:         p.Encoder.Pid(),
			Restarts:    p.Encoder.Restarts(),
			Listeners:   p.Encoder.Listeners(),
			HeaderBytes: len(p.Encoder.HeaderBytes()),
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
