package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/DomeGo/internal/hw/dome"
	"github.com/cjeanneret/DomeGo/internal/logic/geometry"
)

// MaxConfigFileBytes bounds the size of a configuration document.
const MaxConfigFileBytes = 1 << 20

// EnvPrefix prefixes every environment override (e.g. DOMEGO_SERIAL_PORT).
const EnvPrefix = "DOMEGO_"

// Motor types (position tracking strategies).
const (
	MotorStepper = "stepper"
	MotorEncoder = "encoder"
	MotorTimed   = "timed"
)

// Wire protocols.
const (
	ProtocolNative = "native"
	ProtocolLegacy = "legacy"
	ProtocolRelay  = "relay"
)

// Motor links.
const (
	LinkSerial = "serial"
	LinkTCP    = "tcp"
	LinkGPIO   = "gpio"
	LinkSim    = "sim"
)

// ObservatoryConfig is the observer location.
type ObservatoryConfig struct {
	Latitude  float64 `yaml:"latitude"`  // degrees, north positive
	Longitude float64 `yaml:"longitude"` // degrees, east positive
	Elevation float64 `yaml:"elevation"` // meters
}

// DomeConfig describes the dome itself.
type DomeConfig struct {
	Radius      float64 `yaml:"radius"`       // meters
	SlitWidth   float64 `yaml:"slit_width"`   // meters
	AzMin       float64 `yaml:"az_min"`       // rotation limit (degrees). az_min == az_max = no limit
	AzMax       float64 `yaml:"az_max"`       // rotation limit (degrees)
	HomeAzimuth float64 `yaml:"home_azimuth"` // azimuth of the home switch
	ParkAzimuth float64 `yaml:"park_azimuth"` // target of the park command (default 0 = north)
}

// MountConfig holds the telescope geometry and the mount link.
type MountConfig struct {
	PierHeight  float64 `yaml:"pier_height"`  // aperture height above the dome center plane (m)
	OffsetEast  float64 `yaml:"offset_east"`  // GEM offset (m)
	OffsetNorth float64 `yaml:"offset_north"` // GEM offset (m)
	URL         string  `yaml:"url" env:"MOUNT_URL"` // Alpaca server, e.g. http://localhost:11112
	Device      int     `yaml:"device"`              // Alpaca telescope device number
	PollMs      int     `yaml:"poll_ms"`
	TimeoutMs   int     `yaml:"timeout_ms"` // per-request timeout
	Mock        bool    `yaml:"mock" env:"MOUNT_MOCK"` // simulated mount
}

// VisionConfig points at the external drift detector.
type VisionConfig struct {
	Enabled      bool   `yaml:"enabled"`
	FeedURL      string `yaml:"feed_url" env:"VISION_FEED_URL"` // websocket, e.g. ws://localhost:8765/drift
	StaleAfterMs int    `yaml:"stale_after_ms"`
}

// GPIOConfig holds the BCM pins for the gpio motor link.
type GPIOConfig struct {
	Mock          bool `yaml:"mock" env:"MOCK_GPIO"` // use mock GPIO (true=dev/test, false=real Raspberry Pi)
	RelayCWPin    int  `yaml:"relay_cw_pin"`
	RelayCCWPin   int  `yaml:"relay_ccw_pin"`
	HomeSwitchPin int  `yaml:"home_switch_pin"` // 0 = no switch
	StepPin       int  `yaml:"step_pin"`
	DirPin        int  `yaml:"dir_pin"`
	EnablePin     int  `yaml:"enable_pin"`    // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	StepDelayUs   int  `yaml:"step_delay_us"` // half-cycle of the STEP pulse
}

// DriverConfig selects and tunes the dome motor driver.
type DriverConfig struct {
	MotorType          string     `yaml:"motor_type"` // stepper | encoder | timed
	Protocol           string     `yaml:"protocol"`   // native | legacy | relay
	Link               string     `yaml:"link"`       // serial | tcp | gpio | sim
	Port               string     `yaml:"port" env:"SERIAL_PORT"`
	Baud               int        `yaml:"baud"`
	Address            string     `yaml:"address" env:"MOTOR_ADDRESS"` // host:port for the tcp link
	StepsPerDegree     float64    `yaml:"steps_per_degree"`
	StepsPerRev        int        `yaml:"steps_per_rev"` // used when steps_per_degree is 0
	Microstepping      int        `yaml:"microstepping"`
	GearRatio          float64    `yaml:"gear_ratio"` // motor turns per dome turn
	TicksPerDegree     float64    `yaml:"ticks_per_degree"`
	ToleranceDeg       float64    `yaml:"tolerance_deg"`
	DegreesPerSecond   float64    `yaml:"degrees_per_second"`
	HomeTimeoutMs      int        `yaml:"home_timeout_ms"`
	WatchdogIntervalMs int        `yaml:"watchdog_interval_ms"` // PING period while idle, native protocol
	WriteTimeoutMs     int        `yaml:"write_timeout_ms"`
	GPIO               GPIOConfig `yaml:"gpio"`
}

// SafetyConfig is the protruding-telescope policy.
type SafetyConfig struct {
	TelescopeProtrudes      bool    `yaml:"telescope_protrudes"`
	MaxNudgeWhileProtruding float64 `yaml:"max_nudge_while_protruding"` // degrees
	SafeAltitude            float64 `yaml:"safe_altitude"`              // degrees
	ParkTimeoutMs           int     `yaml:"park_timeout_ms"`
	DriftPlausibilityDeg    float64 `yaml:"drift_plausibility_deg"` // 0 = slit half-width
}

// ControlConfig tunes the control loop.
type ControlConfig struct {
	TickRateHz             float64 `yaml:"tick_rate_hz"`
	CorrectionThresholdDeg float64 `yaml:"correction_threshold_deg"`
	MaxSpeed               int     `yaml:"max_speed"`        // 0-100
	SpeedGain              float64 `yaml:"speed_gain"`       // speed units per degree of error
	DriftCorrectionEnabled *bool   `yaml:"drift_correction_enabled"`
	LinkTimeoutMs          int     `yaml:"link_timeout_ms"`
	MaxMissedChecks        int     `yaml:"max_missed_checks"`
	LatencyCompensationMs  int     `yaml:"latency_compensation_ms"`
	ZenithGuardDeg         float64 `yaml:"zenith_guard_deg"`
	CommandTimeoutMs       int     `yaml:"command_timeout_ms"` // bounded wait for a command acknowledgment
}

// AlpacaConfig is the remote control surface.
type AlpacaConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port" env:"ALPACA_PORT"`
}

// StorageConfig locates the event journal.
type StorageConfig struct {
	Path string `yaml:"path" env:"STORAGE_PATH"` // empty = no journal
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int `yaml:"debug_level" env:"DEBUG_LEVEL"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
}

// Config aggregates all application configuration. A *Config is treated as
// immutable once published through a Holder.
type Config struct {
	Observatory ObservatoryConfig `yaml:"observatory"`
	Dome        DomeConfig        `yaml:"dome"`
	Mount       MountConfig       `yaml:"mount"`
	Vision      VisionConfig      `yaml:"vision"`
	Driver      DriverConfig      `yaml:"driver"`
	Safety      SafetyConfig      `yaml:"safety"`
	Control     ControlConfig     `yaml:"control"`
	Alpaca      AlpacaConfig      `yaml:"alpaca"`
	Storage     StorageConfig     `yaml:"storage"`
	Defaults    DefaultsConfig    `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file inside a configs/
// directory, without traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("config path %q must not contain '..'", path)
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file, applies environment overrides and defaults, and
// returns the validated configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}
	return Parse(data)
}

// Parse decodes a YAML document the same way Load does.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mount.PollMs <= 0 {
		c.Mount.PollMs = 500
	}
	if c.Mount.TimeoutMs <= 0 {
		c.Mount.TimeoutMs = 2000
	}
	if c.Vision.StaleAfterMs <= 0 {
		c.Vision.StaleAfterMs = 2000
	}

	d := &c.Driver
	if d.MotorType == "" {
		d.MotorType = MotorStepper
	}
	if d.Protocol == "" {
		d.Protocol = ProtocolNative
	}
	if d.Link == "" {
		d.Link = LinkSim
	}
	if d.Baud <= 0 {
		d.Baud = 9600
	}
	if d.StepsPerDegree <= 0 && d.StepsPerRev > 0 {
		d.StepsPerDegree = geometry.UnitsPerDegree(d.StepsPerRev, d.Microstepping, d.GearRatio)
	}
	if d.StepsPerDegree <= 0 {
		d.StepsPerDegree = 100
	}
	if d.TicksPerDegree <= 0 {
		d.TicksPerDegree = 10
	}
	if d.ToleranceDeg <= 0 {
		d.ToleranceDeg = 0.5
	}
	if d.DegreesPerSecond <= 0 {
		d.DegreesPerSecond = 5
	}
	if d.HomeTimeoutMs <= 0 {
		d.HomeTimeoutMs = 120000
	}
	if d.WatchdogIntervalMs <= 0 {
		d.WatchdogIntervalMs = 5000
	}
	if d.WriteTimeoutMs <= 0 {
		d.WriteTimeoutMs = 500
	}
	if d.GPIO.StepDelayUs <= 0 {
		d.GPIO.StepDelayUs = 500
	}

	if c.Safety.MaxNudgeWhileProtruding <= 0 {
		c.Safety.MaxNudgeWhileProtruding = 5
	}
	if c.Safety.SafeAltitude == 0 {
		c.Safety.SafeAltitude = 60
	}
	if c.Safety.ParkTimeoutMs <= 0 {
		c.Safety.ParkTimeoutMs = 60000
	}

	ctl := &c.Control
	if ctl.TickRateHz <= 0 {
		ctl.TickRateHz = 10
	}
	if ctl.CorrectionThresholdDeg <= 0 {
		ctl.CorrectionThresholdDeg = 2
	}
	if ctl.MaxSpeed <= 0 {
		ctl.MaxSpeed = 100
	}
	if ctl.SpeedGain <= 0 {
		ctl.SpeedGain = 10
	}
	if ctl.LinkTimeoutMs <= 0 {
		ctl.LinkTimeoutMs = 2000
	}
	if ctl.MaxMissedChecks <= 0 {
		ctl.MaxMissedChecks = 3
	}
	if ctl.LatencyCompensationMs < 0 {
		ctl.LatencyCompensationMs = 0
	}
	if ctl.ZenithGuardDeg <= 0 {
		ctl.ZenithGuardDeg = geometry.DefaultZenithGuard
	}
	if ctl.CommandTimeoutMs <= 0 {
		ctl.CommandTimeoutMs = 2000
	}

	if c.Alpaca.Port <= 0 {
		c.Alpaca.Port = 11111
	}
}

// Validate checks the invariants the control loop relies on.
func (c *Config) Validate() error {
	if c.Observatory.Latitude < -90 || c.Observatory.Latitude > 90 {
		return fmt.Errorf("observatory.latitude must be in [-90, 90], got %.4f", c.Observatory.Latitude)
	}
	if c.Observatory.Longitude < -180 || c.Observatory.Longitude > 180 {
		return fmt.Errorf("observatory.longitude must be in [-180, 180], got %.4f", c.Observatory.Longitude)
	}
	if c.Dome.Radius <= 0 {
		return fmt.Errorf("dome.radius must be > 0")
	}
	if c.Dome.SlitWidth < 0 || c.Dome.SlitWidth >= 2*c.Dome.Radius {
		return fmt.Errorf("dome.slit_width must be in [0, 2*radius), got %.3f", c.Dome.SlitWidth)
	}
	if math.Hypot(math.Hypot(c.Mount.OffsetEast, c.Mount.OffsetNorth), c.Mount.PierHeight) >= c.Dome.Radius {
		return fmt.Errorf("telescope aperture must lie inside the dome (radius %.3f)", c.Dome.Radius)
	}
	if c.Mount.PierHeight < 0 {
		return fmt.Errorf("mount.pier_height must be >= 0, got %.3f", c.Mount.PierHeight)
	}
	for name, az := range map[string]float64{
		"dome.az_min":       c.Dome.AzMin,
		"dome.az_max":       c.Dome.AzMax,
		"dome.home_azimuth": c.Dome.HomeAzimuth,
		"dome.park_azimuth": c.Dome.ParkAzimuth,
	} {
		if az < 0 || az >= 360 {
			return fmt.Errorf("%s must be in [0, 360), got %.2f", name, az)
		}
	}
	if !c.Mount.Mock && c.Mount.URL == "" {
		return fmt.Errorf("mount.url is required unless mount.mock is set")
	}
	if c.Vision.Enabled && c.Vision.FeedURL == "" {
		return fmt.Errorf("vision.feed_url is required when vision is enabled")
	}

	switch c.Driver.MotorType {
	case MotorStepper, MotorEncoder, MotorTimed:
	default:
		return fmt.Errorf("driver.motor_type must be stepper, encoder or timed, got %q", c.Driver.MotorType)
	}
	switch c.Driver.Protocol {
	case ProtocolNative, ProtocolLegacy, ProtocolRelay:
	default:
		return fmt.Errorf("driver.protocol must be native, legacy or relay, got %q", c.Driver.Protocol)
	}
	if err := dome.CheckPairing(c.Driver.MotorType, c.Driver.Protocol); err != nil {
		return fmt.Errorf("driver: %w", err)
	}
	switch c.Driver.Link {
	case LinkSerial:
		if c.Driver.Port == "" {
			return fmt.Errorf("driver.port is required for the serial link")
		}
	case LinkTCP:
		if c.Driver.Address == "" {
			return fmt.Errorf("driver.address is required for the tcp link")
		}
	case LinkGPIO:
		if err := c.validateGPIO(); err != nil {
			return err
		}
	case LinkSim:
	default:
		return fmt.Errorf("driver.link must be serial, tcp, gpio or sim, got %q", c.Driver.Link)
	}

	if c.Safety.SafeAltitude < 0 || c.Safety.SafeAltitude > 90 {
		return fmt.Errorf("safety.safe_altitude must be in [0, 90], got %.2f", c.Safety.SafeAltitude)
	}
	if c.Control.MaxSpeed > 100 {
		return fmt.Errorf("control.max_speed must be <= 100, got %d", c.Control.MaxSpeed)
	}
	if c.Control.TickRateHz > 100 {
		return fmt.Errorf("control.tick_rate_hz must be <= 100, got %.1f", c.Control.TickRateHz)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

func (c *Config) validateGPIO() error {
	g := c.Driver.GPIO
	if c.Driver.Protocol == ProtocolRelay {
		if g.RelayCWPin <= 0 || g.RelayCCWPin <= 0 {
			return fmt.Errorf("driver.gpio.relay_cw_pin and relay_ccw_pin are required for the relay protocol")
		}
		if g.RelayCWPin == g.RelayCCWPin {
			return fmt.Errorf("driver.gpio relay pins must differ")
		}
		return nil
	}
	if g.StepPin <= 0 || g.DirPin <= 0 {
		return fmt.Errorf("driver.gpio.step_pin and dir_pin are required for the gpio link")
	}
	if c.Driver.MotorType != MotorStepper {
		return fmt.Errorf("the gpio step/dir link only supports motor_type stepper")
	}
	return nil
}

// Observatory returns the geometry the azimuth engine works with.
func (c *Config) Observatory() geometry.Observatory {
	return geometry.Observatory{
		Latitude:    c.Observatory.Latitude,
		Longitude:   c.Observatory.Longitude,
		Elevation:   c.Observatory.Elevation,
		DomeRadius:  c.Dome.Radius,
		SlitWidth:   c.Dome.SlitWidth,
		PierHeight:  c.Mount.PierHeight,
		OffsetEast:  c.Mount.OffsetEast,
		OffsetNorth: c.Mount.OffsetNorth,
	}
}

// WithGeometry returns a copy of c carrying new calibrated mount offsets.
// c itself is left untouched.
func (c *Config) WithGeometry(offsetEast, offsetNorth, pierHeight float64) *Config {
	next := *c
	next.Mount.OffsetEast = offsetEast
	next.Mount.OffsetNorth = offsetNorth
	next.Mount.PierHeight = pierHeight
	return &next
}

// DriftCorrection reports whether vision offsets are applied (default true).
func (c *Config) DriftCorrection() bool {
	return c.Control.DriftCorrectionEnabled == nil || *c.Control.DriftCorrectionEnabled
}

// HasAzimuthLimits reports whether the dome rotation is restricted.
func (c *Config) HasAzimuthLimits() bool {
	return c.Dome.AzMin != c.Dome.AzMax
}

// TickInterval returns the control loop period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.Control.TickRateHz)
}

// MountPoll returns the mount polling period.
func (c *Config) MountPoll() time.Duration {
	return time.Duration(c.Mount.PollMs) * time.Millisecond
}

// MountTimeout returns the per-request mount timeout.
func (c *Config) MountTimeout() time.Duration {
	return time.Duration(c.Mount.TimeoutMs) * time.Millisecond
}

// VisionStaleAfter returns the vision staleness bound.
func (c *Config) VisionStaleAfter() time.Duration {
	return time.Duration(c.Vision.StaleAfterMs) * time.Millisecond
}

// LinkTimeout returns the liveness bound for every external link.
func (c *Config) LinkTimeout() time.Duration {
	return time.Duration(c.Control.LinkTimeoutMs) * time.Millisecond
}

// LatencyCompensation returns the azimuth look-ahead.
func (c *Config) LatencyCompensation() time.Duration {
	return time.Duration(c.Control.LatencyCompensationMs) * time.Millisecond
}

// CommandTimeout returns how long a remote request waits for acknowledgment.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Control.CommandTimeoutMs) * time.Millisecond
}

// ParkTimeout returns how long a deferred move waits for the mount to park.
func (c *Config) ParkTimeout() time.Duration {
	return time.Duration(c.Safety.ParkTimeoutMs) * time.Millisecond
}

// HomeTimeout returns the homing deadline.
func (c *Config) HomeTimeout() time.Duration {
	return time.Duration(c.Driver.HomeTimeoutMs) * time.Millisecond
}

// WatchdogInterval returns the heartbeat period of the motor link.
func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Driver.WatchdogIntervalMs) * time.Millisecond
}

// WriteTimeout returns the deadline for one line written to the motor link.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Driver.WriteTimeoutMs) * time.Millisecond
}

// StepDelay returns the half-cycle of the STEP pulse for the gpio link.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Driver.GPIO.StepDelayUs) * time.Microsecond
}
