// Package observability exposes the control loop through Prometheus.
package observability

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the control loop metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	TickDuration     prometheus.Histogram
	Mode             *prometheus.GaugeVec
	Health           prometheus.Gauge
	DomeAzimuth      prometheus.Gauge
	TargetAzimuth    prometheus.Gauge
	AzimuthError     prometheus.Gauge
	Commands         *prometheus.CounterVec
	MissedChecks     *prometheus.CounterVec
	DriftOutliers    prometheus.Counter
	Indeterminate    prometheus.Counter
	CriticalStops    prometheus.Counter
	Calibrations     *prometheus.CounterVec
	MalformedReplies prometheus.Gauge

	mu   sync.Mutex
	mode string
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice returns the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.TickDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "domego_tick_duration_seconds",
		Help:    "Time spent in one control loop tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
	})); err != nil {
		return nil, err
	}
	if c.Mode, err = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "domego_operating_mode",
		Help: "1 for the current operating mode, 0 for the others.",
	}, []string{"mode"})); err != nil {
		return nil, err
	}
	if c.Health, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "domego_health_level",
		Help: "0 healthy, 1 degraded (vision down), 2 critical (mount or motor down).",
	})); err != nil {
		return nil, err
	}
	if c.DomeAzimuth, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "domego_dome_azimuth_degrees",
		Help: "Dome azimuth as tracked by the driver.",
	})); err != nil {
		return nil, err
	}
	if c.TargetAzimuth, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "domego_target_azimuth_degrees",
		Help: "Corrected azimuth the dome is slaved to.",
	})); err != nil {
		return nil, err
	}
	if c.AzimuthError, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "domego_azimuth_error_degrees",
		Help: "Signed shortest-path error between target and dome azimuth.",
	})); err != nil {
		return nil, err
	}
	if c.Commands, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "domego_driver_commands_total",
		Help: "Commands sent to the dome driver, labeled by kind and origin.",
	}, []string{"kind", "origin"})); err != nil {
		return nil, err
	}
	if c.MissedChecks, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "domego_link_missed_checks_total",
		Help: "Liveness checks a link failed, labeled by link.",
	}, []string{"link"})); err != nil {
		return nil, err
	}
	if c.DriftOutliers, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "domego_drift_outliers_total",
		Help: "Vision offsets rejected by the plausibility gate.",
	})); err != nil {
		return nil, err
	}
	if c.Indeterminate, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "domego_geometry_indeterminate_total",
		Help: "Ticks where the target was too close to the zenith to slave.",
	})); err != nil {
		return nil, err
	}
	if c.CriticalStops, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "domego_critical_stops_total",
		Help: "Transitions into CRITICAL_STOP.",
	})); err != nil {
		return nil, err
	}
	if c.Calibrations, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "domego_calibrations_total",
		Help: "Calibration solves, labeled by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if c.MalformedReplies, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "domego_motor_malformed_replies",
		Help: "Unparseable lines received from the motor controller since start.",
	})); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveTick records the duration of one tick.
func (c *Collector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

// SetMode flips the mode gauge from the previous mode to mode.
func (c *Collector) SetMode(mode string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == mode {
		return
	}
	if c.mode != "" {
		c.Mode.WithLabelValues(c.mode).Set(0)
	}
	c.Mode.WithLabelValues(mode).Set(1)
	c.mode = mode
}

func (c *Collector) SetHealth(level int) {
	if c == nil {
		return
	}
	c.Health.Set(float64(level))
}

// SetAzimuths records the dome position, the slaving target and their error.
func (c *Collector) SetAzimuths(dome, target, errDeg float64) {
	if c == nil {
		return
	}
	c.DomeAzimuth.Set(dome)
	c.TargetAzimuth.Set(target)
	c.AzimuthError.Set(errDeg)
}

func (c *Collector) IncCommand(kind, origin string) {
	if c == nil {
		return
	}
	c.Commands.WithLabelValues(kind, origin).Inc()
}

func (c *Collector) IncMissedCheck(link string) {
	if c == nil {
		return
	}
	c.MissedChecks.WithLabelValues(link).Inc()
}

func (c *Collector) IncDriftOutlier() {
	if c == nil {
		return
	}
	c.DriftOutliers.Inc()
}

func (c *Collector) IncIndeterminate() {
	if c == nil {
		return
	}
	c.Indeterminate.Inc()
}

func (c *Collector) IncCriticalStop() {
	if c == nil {
		return
	}
	c.CriticalStops.Inc()
}

// IncCalibration counts a solve; outcome is "converged" or "diverged".
func (c *Collector) IncCalibration(outcome string) {
	if c == nil {
		return
	}
	c.Calibrations.WithLabelValues(outcome).Inc()
}

func (c *Collector) SetMalformed(n int) {
	if c == nil {
		return
	}
	c.MalformedReplies.Set(float64(n))
}

// register adds col to reg, or returns the collector already registered
// under the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero T
		return zero, err
	}
	return col, nil
}
