package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gorilla/mux"

	"github.com/cjeanneret/DomeGo/internal/debug"
	"github.com/cjeanneret/DomeGo/internal/hw/dome"
	"github.com/cjeanneret/DomeGo/internal/logic/motion"
)

// Alpaca error numbers.
const (
	alpacaOK               = 0
	alpacaNotImplemented   = 0x400
	alpacaInvalidValue     = 0x401
	alpacaNotConnected     = 0x407
	alpacaInvalidOperation = 0x40C
	alpacaDriverError      = 0x500
)

const (
	deviceName     = "DomeGo"
	deviceUniqueID = "domego-dome-0"
	devicePrefix   = "/api/v1/dome/0"
	interfaceVer   = 1
	alpacaAPIVer   = 1
	shutterOpen    = 0
	actionAck      = "acknowledge"
)

// DomeControl is the command surface of the control loop.
type DomeControl interface {
	Snapshot() motion.Snapshot
	Slew(ctx context.Context, az float64) error
	Park(ctx context.Context) error
	Abort(ctx context.Context) error
	FindHome(ctx context.Context, dir dome.Direction) error
	SetSlaved(ctx context.Context, slaved bool) error
	Acknowledge(ctx context.Context) error
}

type methodResponse struct {
	ClientTransactionID uint32
	ServerTransactionID uint32
	ErrorNumber         int
	ErrorMessage        string
}

type valueResponse struct {
	Value any
	methodResponse
}

type configuredDevice struct {
	DeviceName   string
	DeviceType   string
	DeviceNumber int
	UniqueID     string
}

// Alpaca serves the ASCOM Alpaca dome device 0 on top of a DomeControl.
type Alpaca struct {
	ctl     DomeControl
	version string
	tid     atomic.Uint32
}

func NewAlpaca(ctl DomeControl, version string) *Alpaca {
	return &Alpaca{ctl: ctl, version: version}
}

// Register mounts the device and management routes on r.
func (a *Alpaca) Register(r *mux.Router) {
	r.HandleFunc("/management/apiversions", a.handleAPIVersions).Methods(http.MethodGet)
	r.HandleFunc("/management/v1/description", a.handleServerDescription).Methods(http.MethodGet)
	r.HandleFunc("/management/v1/configureddevices", a.handleConfiguredDevices).Methods(http.MethodGet)

	d := r.PathPrefix(devicePrefix).Subrouter()

	get := func(name string, value func(motion.Snapshot) any) {
		d.HandleFunc("/"+name, func(w http.ResponseWriter, r *http.Request) {
			a.value(w, r, value(a.ctl.Snapshot()))
		}).Methods(http.MethodGet)
	}
	constant := func(name string, v any) {
		get(name, func(motion.Snapshot) any { return v })
	}

	get("connected", func(s motion.Snapshot) any { return s.MotorUp })
	constant("name", deviceName)
	constant("description", "Dome slaving controller")
	constant("driverinfo", deviceName+" "+a.version)
	constant("driverversion", a.version)
	constant("interfaceversion", interfaceVer)
	constant("supportedactions", []string{actionAck})
	get("azimuth", func(s motion.Snapshot) any { return s.Dome.Azimuth })
	get("slewing", func(s motion.Snapshot) any { return s.Dome.Moving })
	get("slaved", func(s motion.Snapshot) any { return s.Mode.Slaving() })
	get("athome", func(s motion.Snapshot) any { return s.Dome.AtHome })
	get("atpark", func(s motion.Snapshot) any { return s.Parked })
	// no shutter control: reported open
	constant("shutterstatus", shutterOpen)
	constant("canfindhome", true)
	constant("canpark", true)
	constant("cansetazimuth", true)
	constant("canslave", true)
	constant("cansyncazimuth", false)
	constant("cansetaltitude", false)
	constant("cansetpark", false)
	constant("cansetshutter", false)

	d.HandleFunc("/connected", a.handleSetConnected).Methods(http.MethodPut)
	d.HandleFunc("/slaved", a.handleSetSlaved).Methods(http.MethodPut)
	d.HandleFunc("/slewtoazimuth", a.handleSlewToAzimuth).Methods(http.MethodPut)
	d.HandleFunc("/park", a.command(a.ctl.Park)).Methods(http.MethodPut)
	d.HandleFunc("/abortslew", a.command(a.ctl.Abort)).Methods(http.MethodPut)
	d.HandleFunc("/findhome", a.command(func(ctx context.Context) error {
		return a.ctl.FindHome(ctx, dome.CW)
	})).Methods(http.MethodPut)
	d.HandleFunc("/action", a.handleAction).Methods(http.MethodPut)

	for _, name := range []string{
		"altitude", "synctoazimuth", "setpark", "openshutter", "closeshutter",
		"slewtoaltitude", "commandblind", "commandbool", "commandstring",
	} {
		d.HandleFunc("/"+name, a.notImplemented(name))
	}
}

func (a *Alpaca) handleAPIVersions(w http.ResponseWriter, r *http.Request) {
	a.value(w, r, []int{alpacaAPIVer})
}

func (a *Alpaca) handleServerDescription(w http.ResponseWriter, r *http.Request) {
	a.value(w, r, map[string]string{
		"ServerName":          deviceName,
		"Manufacturer":        deviceName,
		"ManufacturerVersion": a.version,
		"Location":            "",
	})
}

func (a *Alpaca) handleConfiguredDevices(w http.ResponseWriter, r *http.Request) {
	a.value(w, r, []configuredDevice{{
		DeviceName:   deviceName,
		DeviceType:   "Dome",
		DeviceNumber: 0,
		UniqueID:     deviceUniqueID,
	}})
}

// the hardware link is owned by the daemon, clients cannot drop it
func (a *Alpaca) handleSetConnected(w http.ResponseWriter, r *http.Request) {
	if _, ok := a.boolParam(w, r, "Connected"); !ok {
		return
	}
	a.method(w, r, nil)
}

func (a *Alpaca) handleSetSlaved(w http.ResponseWriter, r *http.Request) {
	slaved, ok := a.boolParam(w, r, "Slaved")
	if !ok {
		return
	}
	debug.Info("Alpaca: slaved set to %v", slaved)
	a.method(w, r, a.ctl.SetSlaved(r.Context(), slaved))
}

func (a *Alpaca) handleSlewToAzimuth(w http.ResponseWriter, r *http.Request) {
	raw, ok := param(r, "Azimuth")
	if !ok {
		http.Error(w, "missing Azimuth parameter", http.StatusBadRequest)
		return
	}
	az, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid Azimuth %q", raw), http.StatusBadRequest)
		return
	}
	if math.IsNaN(az) || az < 0 || az >= 360 {
		a.fail(w, r, alpacaInvalidValue, fmt.Sprintf("azimuth %.2f outside [0, 360)", az))
		return
	}
	if a.ctl.Snapshot().Mode.Slaving() {
		a.fail(w, r, alpacaInvalidOperation, "dome is slaved, manual slew rejected")
		return
	}
	a.method(w, r, a.ctl.Slew(r.Context(), az))
}

func (a *Alpaca) handleAction(w http.ResponseWriter, r *http.Request) {
	name, _ := param(r, "Action")
	if !strings.EqualFold(strings.TrimSpace(name), actionAck) {
		a.fail(w, r, alpacaInvalidOperation, fmt.Sprintf("action %q is not supported", name))
		return
	}
	if err := a.ctl.Acknowledge(r.Context()); err != nil {
		a.method(w, r, err)
		return
	}
	a.value(w, r, "ok")
}

func (a *Alpaca) notImplemented(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.fail(w, r, alpacaNotImplemented, name+" is not implemented")
	}
}

// command adapts a parameterless control call to a PUT handler.
func (a *Alpaca) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.method(w, r, fn(r.Context()))
	}
}

func (a *Alpaca) boolParam(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw, ok := param(r, name)
	if !ok {
		http.Error(w, "missing "+name+" parameter", http.StatusBadRequest)
		return false, false
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid %s %q", name, raw), http.StatusBadRequest)
		return false, false
	}
	return v, true
}

// param looks name up case-insensitively in the query and form body.
func param(r *http.Request, name string) (string, bool) {
	if err := r.ParseForm(); err != nil {
		return "", false
	}
	for k, vs := range r.Form {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0], true
		}
	}
	return "", false
}

func (a *Alpaca) envelope(r *http.Request) methodResponse {
	var client uint32
	if raw, ok := param(r, "ClientTransactionID"); ok {
		if v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32); err == nil {
			client = uint32(v)
		}
	}
	return methodResponse{
		ClientTransactionID: client,
		ServerTransactionID: a.tid.Add(1),
	}
}

func (a *Alpaca) value(w http.ResponseWriter, r *http.Request, v any) {
	writeJSON(w, valueResponse{Value: v, methodResponse: a.envelope(r)})
}

// method answers a PUT; err is mapped onto an Alpaca error number.
func (a *Alpaca) method(w http.ResponseWriter, r *http.Request, err error) {
	resp := a.envelope(r)
	if err != nil {
		resp.ErrorNumber, resp.ErrorMessage = errorNumber(err), err.Error()
		debug.Verbose("Alpaca %s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, resp)
}

func (a *Alpaca) fail(w http.ResponseWriter, r *http.Request, code int, msg string) {
	resp := a.envelope(r)
	resp.ErrorNumber, resp.ErrorMessage = code, msg
	writeJSON(w, resp)
}

func errorNumber(err error) int {
	switch {
	case err == nil:
		return alpacaOK
	case errors.Is(err, motion.ErrInvalidOperation):
		return alpacaInvalidOperation
	case errors.Is(err, motion.ErrLinkLost):
		return alpacaNotConnected
	default:
		return alpacaDriverError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debug.Verbose("write response: %v", err)
	}
}
