package link

import (
	"context"
	"fmt"
	"io"

	"github.com/cjeanneret/DomeGo/internal/config"
	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/hw/gpio"
	"github.com/cjeanneret/DomeGo/internal/hw/stepper"
)

// Open builds the motor link selected by cfg.Driver.Link. Nothing is
// connected until Run.
func Open(cfg *config.Config) (Link, error) {
	d := cfg.Driver
	switch d.Link {
	case config.LinkSerial:
		debug.Info("Motor link: serial %s @ %d baud", d.Port, d.Baud)
		return NewReconnecting("serial "+d.Port, SerialDialer(d.Port, d.Baud), cfg.WriteTimeout()), nil
	case config.LinkTCP:
		debug.Info("Motor link: tcp %s", d.Address)
		return NewReconnecting("tcp "+d.Address, TCPDialer(d.Address, cfg.LinkTimeout()), cfg.WriteTimeout()), nil
	case config.LinkSim:
		return NewSim(SimConfig{
			DegreesPerSecond: d.DegreesPerSecond,
			HomeAzimuth:      cfg.Dome.HomeAzimuth,
			TicksPerDegree:   d.TicksPerDegree,
			StartAzimuth:     cfg.Dome.HomeAzimuth,
			Legacy:           d.Protocol == config.ProtocolLegacy,
		}), nil
	case config.LinkGPIO:
		return openGPIO(cfg)
	}
	return nil, fmt.Errorf("unknown motor link %q", d.Link)
}

func openGPIO(cfg *config.Config) (Link, error) {
	d := cfg.Driver
	g, err := gpio.NewDriver(d.GPIO.Mock)
	if err != nil {
		return nil, err
	}

	var l Link
	if d.Protocol == config.ProtocolRelay {
		debug.Info("Motor link: gpio relay board (cw=%d ccw=%d)", d.GPIO.RelayCWPin, d.GPIO.RelayCCWPin)
		l, err = NewGPIORelay(g, d.GPIO.RelayCWPin, d.GPIO.RelayCCWPin, d.GPIO.HomeSwitchPin)
	} else {
		debug.Info("Motor link: gpio step/dir (step=%d dir=%d)", d.GPIO.StepPin, d.GPIO.DirPin)
		motor := stepper.NewStepper(g, stepper.Config{
			StepPin:   d.GPIO.StepPin,
			DirPin:    d.GPIO.DirPin,
			EnablePin: d.GPIO.EnablePin,
			StepDelay: cfg.StepDelay(),
		})
		l, err = NewGPIOStepper(g, motor, d.StepsPerDegree, cfg.Dome.HomeAzimuth, d.GPIO.HomeSwitchPin)
	}
	if err != nil {
		_ = g.Close()
		return nil, err
	}
	return &closingLink{Link: l, closer: g}, nil
}

// closingLink releases the GPIO driver when the link stops.
type closingLink struct {
	Link
	closer io.Closer
}

func (c *closingLink) Run(ctx context.Context) error {
	err := c.Link.Run(ctx)
	if cerr := c.closer.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
