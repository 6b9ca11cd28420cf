package acquire

import (
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"time"

	"goji.io/pat"

	"github.jpl.nasa.gov/bdube/photel/dcam"
	"github.jpl.nasa.gov/bdube/photel/roi"
	"github.jpl.nasa.gov/bdube/photel/server"
)

// HTTPWrapper provides an HTTP interface to a controller and its region
// registry.
type HTTPWrapper struct {
	// Controller is the controller being wrapped
	*Controller

	// Registry is the region registry served alongside the controller
	Registry *roi.Registry

	// RouteTable maps the control surface routes
	RouteTable server.RouteTable
}

// NewHTTPWrapper returns a new wrapper with the route table populated.
func NewHTTPWrapper(c *Controller, reg *roi.Registry) HTTPWrapper {
	w := HTTPWrapper{Controller: c, Registry: reg}
	w.RouteTable = server.RouteTable{
		// session configuration
		pat.Get("/exposure-time"):     w.GetExposureTime,
		pat.Post("/exposure-time"):    w.SetExposureTime,
		pat.Get("/scan-mode"):         w.GetScanMode,
		pat.Post("/scan-mode"):        w.SetScanMode,
		pat.Get("/trigger"):           w.GetTrigger,
		pat.Post("/trigger"):          w.SetTrigger,
		pat.Get("/crop"):              w.GetCrop,
		pat.Post("/crop"):             w.SetCrop,
		pat.Get("/frames-per-chunk"):  w.GetFramesPerChunk,
		pat.Post("/frames-per-chunk"): w.SetFramesPerChunk,

		// status
		pat.Get("/state"):      w.GetState,
		pat.Get("/last-error"): w.GetLastError,
		pat.Get("/fps"):        w.GetFPS,
		pat.Get("/stats"):      w.GetStats,

		// regions
		pat.Get("/region"):                w.ListRegions,
		pat.Post("/region"):               w.AddRegion,
		pat.Post("/region/:name"):         w.UpdateRegion,
		pat.Delete("/region/:name"):       w.DeleteRegion,
		pat.Post("/region/:name/enabled"): w.SetRegionEnabled,
		pat.Post("/regions/save"):         w.SaveRegions,
		pat.Post("/regions/load"):         w.LoadRegions,

		// lifecycle
		pat.Post("/acquisition/start"): w.StartAcquisition,
		pat.Post("/acquisition/stop"):  w.StopAcquisition,
		pat.Post("/measurement/start"): w.StartMeasurementHTTP,
		pat.Post("/measurement/stop"):  w.StopMeasurementHTTP,
	}
	return w
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		ve roi.ValidationError
		nf roi.ErrNotFound
		ce ConfigurationError
		se InvalidStateError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &ce), errors.As(err, &se):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// allNumbers returns true if every rune of s is a digit or decimal point
func allNumbers(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

// SetExposureTime sets the exposure time on a POST request.
// it can be provided either as a query parameter exposureTime, formatted
// in a way that is parseable by golang/time.ParseDuration, or a json
// payload with key f64, holding the exposure time in seconds.
func (h HTTPWrapper) SetExposureTime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	texp := q.Get("exposureTime")
	var d time.Duration
	var err error
	if texp == "" {
		f := server.FloatT{}
		err = json.NewDecoder(r.Body).Decode(&f)
		d = time.Duration(f.F64*1e9) * time.Nanosecond // 1e9 s => ns
	} else {
		if allNumbers(texp) {
			texp = texp + "s"
		}
		d, err = time.ParseDuration(texp)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = h.Controller.SetExposure(d)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetExposureTime gets the exposure time in seconds on a GET request
func (h HTTPWrapper) GetExposureTime(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Float64, Float: h.Session().Exposure.Seconds()}
	hp.EncodeAndRespond(w, r)
}

// GetScanMode gets the scan mode as a string
func (h HTTPWrapper) GetScanMode(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.String, String: string(h.Session().ScanMode)}
	hp.EncodeAndRespond(w, r)
}

// SetScanMode sets the scan mode from a json {'str': mode} payload
func (h HTTPWrapper) SetScanMode(w http.ResponseWriter, r *http.Request) {
	s := server.StrT{}
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Controller.SetScanMode(dcam.ScanMode(s.Str)); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetTrigger gets the trigger configuration as json
func (h HTTPWrapper) GetTrigger(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Session().Trigger)
}

// SetTrigger sets the trigger configuration from json
func (h HTTPWrapper) SetTrigger(w http.ResponseWriter, r *http.Request) {
	t := dcam.Trigger{}
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Controller.SetTrigger(t); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// cropT is the over-the-wire shape of the crop percentages
type cropT struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
}

// GetCrop gets the crop percentages as json
func (h HTTPWrapper) GetCrop(w http.ResponseWriter, r *http.Request) {
	s := h.Session()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cropT{Top: s.TopCropPercent, Bottom: s.BottomCropPercent})
}

// SetCrop sets the crop percentages from json
func (h HTTPWrapper) SetCrop(w http.ResponseWriter, r *http.Request) {
	c := cropT{}
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Controller.SetCrop(c.Top, c.Bottom); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetFramesPerChunk gets the sequence batch size
func (h HTTPWrapper) GetFramesPerChunk(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Int, Int: h.Session().FramesPerChunk}
	hp.EncodeAndRespond(w, r)
}

// SetFramesPerChunk sets the sequence batch size from json {'int': n}
func (h HTTPWrapper) SetFramesPerChunk(w http.ResponseWriter, r *http.Request) {
	i := server.IntT{}
	if err := json.NewDecoder(r.Body).Decode(&i); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Controller.SetFramesPerChunk(i.Int); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetState gets the lifecycle state as a string
func (h HTTPWrapper) GetState(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.String, String: h.State().String()}
	hp.EncodeAndRespond(w, r)
}

// GetLastError gets the retained fault, or the empty string
func (h HTTPWrapper) GetLastError(w http.ResponseWriter, r *http.Request) {
	s := ""
	if err := h.LastError(); err != nil {
		s = err.Error()
	}
	hp := server.HumanPayload{T: types.String, String: s}
	hp.EncodeAndRespond(w, r)
}

// GetFPS gets the rolling frames-per-second estimate
func (h HTTPWrapper) GetFPS(w http.ResponseWriter, r *http.Request) {
	hp := server.HumanPayload{T: types.Float64, Float: h.FPS()}
	hp.EncodeAndRespond(w, r)
}

// statsT is the over-the-wire shape of the whole-frame statistics
type statsT struct {
	PhotoelectronCount   float64 `json:"photoelectronCount"`
	PhotoelectronCountPP float64 `json:"photoelectronCountPP"`
	FrameIndex           int64   `json:"frameIndex"`
	Logging              bool    `json:"logging"`
}

// GetStats gets the whole-frame statistics of the latest frame as json
func (h HTTPWrapper) GetStats(w http.ResponseWriter, r *http.Request) {
	st := h.FrameStats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statsT{
		PhotoelectronCount:   st.Total,
		PhotoelectronCountPP: st.MeanPerPixel,
		FrameIndex:           h.FrameCount(),
		Logging:              h.Logging(),
	})
}

// ListRegions gets every region, including derived statistics, as json
func (h HTTPWrapper) ListRegions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.Registry.Snapshot())
}

// AddRegion creates a region with a default rectangle and returns its
// name as json {'str': name}
func (h HTTPWrapper) AddRegion(w http.ResponseWriter, r *http.Request) {
	name, err := h.Registry.Add()
	if err != nil {
		// the region exists in memory; report the persistence problem
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	hp := server.HumanPayload{T: types.String, String: name}
	hp.EncodeAndRespond(w, r)
}

// UpdateRegion updates the named region's rectangle from json
func (h HTTPWrapper) UpdateRegion(w http.ResponseWriter, r *http.Request) {
	rect := roi.Rect{}
	if err := json.NewDecoder(r.Body).Decode(&rect); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := pat.Param(r, "name")
	if err := h.Registry.Update(name, rect); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// DeleteRegion removes the named region
func (h HTTPWrapper) DeleteRegion(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "name")
	if err := h.Registry.Remove(name); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SetRegionEnabled flips the named region's enabled flag from json
// {'bool': enabled}
func (h HTTPWrapper) SetRegionEnabled(w http.ResponseWriter, r *http.Request) {
	b := server.BoolT{}
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	name := pat.Param(r, "name")
	if err := h.Registry.SetEnabled(name, b.Bool); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SaveRegions persists the region list to the backing store
func (h HTTPWrapper) SaveRegions(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Save(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// LoadRegions replaces the region list from the backing store
func (h HTTPWrapper) LoadRegions(w http.ResponseWriter, r *http.Request) {
	if err := h.Registry.Load(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// StartAcquisition starts the acquisition loop
func (h HTTPWrapper) StartAcquisition(w http.ResponseWriter, r *http.Request) {
	if err := h.Controller.Start(); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// StopAcquisition stops the acquisition loop; a no-op when idle
func (h HTTPWrapper) StopAcquisition(w http.ResponseWriter, r *http.Request) {
	if err := h.Controller.Stop(); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// StartMeasurementHTTP opens the measurement log
func (h HTTPWrapper) StartMeasurementHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.Controller.StartMeasurement(); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// StopMeasurementHTTP closes the measurement log
func (h HTTPWrapper) StopMeasurementHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.Controller.StopMeasurement(); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}
