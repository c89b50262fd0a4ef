package web

import (
	"context"
	"io/fs"
	"net/http"
	"time"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/logic/motion"
)

// StatusView is the JSON form of a control loop snapshot.
type StatusView struct {
	Time         time.Time `json:"time"`
	Mode         string    `json:"mode"`
	Health       string    `json:"health"`
	Azimuth      float64   `json:"azimuth"`
	Moving       bool      `json:"moving"`
	Homing       bool      `json:"homing"`
	AtHome       bool      `json:"at_home"`
	Parked       bool      `json:"parked"`
	Target       *float64  `json:"target,omitempty"`
	Predicted    float64   `json:"predicted"`
	Source       string    `json:"source"`
	MountUp      bool      `json:"mount_up"`
	MotorUp      bool      `json:"motor_up"`
	VisionUp     bool      `json:"vision_up"`
	ParkPending  bool      `json:"park_pending,omitempty"`
	Samples      int       `json:"calibration_samples,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	LastMotorMsg time.Time `json:"last_motor_reply"`
}

// NewStatusView flattens s.
func NewStatusView(s motion.Snapshot) StatusView {
	v := StatusView{
		Time:         s.Time,
		Mode:         s.Mode.String(),
		Health:       s.Health.String(),
		Azimuth:      s.Dome.Azimuth,
		Moving:       s.Dome.Moving,
		Homing:       s.Dome.Homing,
		AtHome:       s.Dome.AtHome,
		Parked:       s.Parked,
		Predicted:    s.Predicted,
		Source:       s.Source.String(),
		MountUp:      s.MountUp,
		MotorUp:      s.MotorUp,
		VisionUp:     s.VisionUp,
		ParkPending:  s.ParkPending,
		Samples:      s.Samples,
		LastError:    s.LastError,
		LastMotorMsg: s.Dome.LastGood,
	}
	if s.HasTarget {
		t := s.Target
		v.Target = &t
	}
	return v
}

// Handlers holds dependencies for the non-Alpaca HTTP handlers.
type Handlers struct {
	Control     DomeControl
	Broadcaster *StatusBroadcaster
	Hub         *TelemetryHub
	staticFS    fs.FS
}

func NewHandlers(ctl DomeControl, broadcaster *StatusBroadcaster, hub *TelemetryHub, staticFS fs.FS) *Handlers {
	return &Handlers{
		Control:     ctl,
		Broadcaster: broadcaster,
		Hub:         hub,
		staticFS:    staticFS,
	}
}

// HandleStatus returns the current snapshot as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, NewStatusView(h.Control.Snapshot()))
}

// ServeIndex serves the dashboard page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// RunTelemetry samples the controller every period, pushes the snapshot to
// websocket clients and announces mode and health transitions on the status
// stream.
func (h *Handlers) RunTelemetry(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var last StatusView
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v := NewStatusView(h.Control.Snapshot())
			if h.Hub != nil {
				h.Hub.Send(v)
			}
			if !first && (v.Mode != last.Mode || v.Health != last.Health) {
				level := "info"
				if v.Health != motion.Healthy.String() {
					level = "warn"
				}
				msg := "mode " + v.Mode + ", health " + v.Health
				if v.LastError != "" {
					msg += ": " + v.LastError
				}
				h.Broadcaster.ModeChanged(level, msg)
				debug.Trace("telemetry: %s", msg)
			}
			last, first = v, false
		}
	}
}
