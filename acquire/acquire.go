/*Package acquire owns the acquisition lifecycle.

A Controller is a small state machine (Idle, Starting, Running,
Stopping) around a single background worker.  The worker drives the
camera: it waits for a frame with a bounded timeout, reads the newest
buffered frame, converts it to photoelectrons, reduces it over the
region registry, and fans the result out to the measurement log and the
preview publisher.

Configuration edits never race the worker.  The session is an
atomically-swapped value snapshot; any field that affects hardware state
forces a stop/apply/restart cycle that serializes with the in-flight
iteration.  Stop returns only after the worker has exited, the log is
closed, and the camera session is released.
*/
package acquire

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.jpl.nasa.gov/bdube/photel/dcam"
	"github.jpl.nasa.gov/bdube/photel/mlog"
	"github.jpl.nasa.gov/bdube/photel/photon"
	"github.jpl.nasa.gov/bdube/photel/preview"
	"github.jpl.nasa.gov/bdube/photel/roi"
)

// State is a lifecycle state of the controller.
type State int32

// The lifecycle states.  Any unrecoverable fault transitions directly
// to Idle with the error retained for inspection.
const (
	Idle State = iota
	Starting
	Running
	Stopping
)

// String satisfies fmt.Stringer
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// InvalidStateError is generated when an operation is requested from a
// state it is not valid in.
type InvalidStateError struct {
	// Op is the rejected operation
	Op string

	// State is the state the controller was in
	State State
}

// Error satisfies the error interface
func (e InvalidStateError) Error() string {
	return fmt.Sprintf("acquire: cannot %s while %s", e.Op, e.State)
}

// ConfigurationError is generated when a proposed session value is
// rejected before application; the prior value is retained.
type ConfigurationError struct {
	// Field is the offending session field
	Field string

	// Reason describes the violated constraint
	Reason string
}

// Error satisfies the error interface
func (e ConfigurationError) Error() string {
	return fmt.Sprintf("acquire: invalid %s: %s", e.Field, e.Reason)
}

// Session is the acquisition configuration, applied to the camera at
// start.  It is held as an atomically-swapped value snapshot; the worker
// never observes a half-edited session.
type Session struct {
	// Exposure is the exposure time
	Exposure time.Duration `json:"exposure"`

	// ScanMode is the sensor readout mode
	ScanMode dcam.ScanMode `json:"scanMode"`

	// Trigger is the trigger source and polarity
	Trigger dcam.Trigger `json:"trigger"`

	// TopCropPercent and BottomCropPercent derive the subarray window
	TopCropPercent    float64 `json:"topCropPercent"`
	BottomCropPercent float64 `json:"bottomCropPercent"`

	// FramesPerChunk is the sequence-mode batch size
	FramesPerChunk int `json:"framesPerChunk"`
}

// ExposureBounds is the legal exposure range of one scan mode.  The
// bounds are instrument data and arrive via configuration, not
// constants.
type ExposureBounds struct {
	Min time.Duration
	Max time.Duration
}

// Limits maps scan modes to their exposure bounds.  Modes absent from
// the map are unconstrained.
type Limits map[dcam.ScanMode]ExposureBounds

// Options tunes a Controller.
type Options struct {
	// FrameTimeout bounds each wait for a frame so the loop stays
	// responsive to stop requests.  Default 100ms.
	FrameTimeout time.Duration

	// TimeoutLimit is the number of consecutive frame timeouts that
	// forces a fault transition to Idle.  Default 50.
	TimeoutLimit int

	// LogPath is where the measurement log is created.  Default
	// measurements.fits.
	LogPath string

	// Limits holds the per-scan-mode exposure bounds.
	Limits Limits
}

// measurement couples an open log with the frame counter value at the
// moment logging began.  The worker derives the logged index from the
// same snapshot it loads the log from, so a measurement's indices start
// at 1 no matter where the frame counter stood when it was started.
type measurement struct {
	log  *mlog.Log
	base int64
}

// Controller sequences acquisition.  All exported methods are safe for
// concurrent use; the control path is serialized on an internal mutex
// and never races the worker.
type Controller struct {
	mu sync.Mutex

	drv  dcam.Driver
	reg  *roi.Registry
	pub  *preview.Publisher
	opts Options

	session atomic.Value // Session

	state atomic.Int32

	errMu   sync.Mutex
	lastErr error

	// meas is the active measurement, nil when not measuring.  The
	// control path swaps it; the worker loads it once per iteration.
	meas atomic.Pointer[measurement]

	fpsBits    atomic.Uint64
	frameCount atomic.Int64
	fullStats  atomic.Value // photon.Stats

	// worker plumbing, touched by the control path under mu
	stopc    chan struct{}
	done     chan struct{}
	teardown *sync.Once

	// worker-owned scratch; workers never overlap because Stop joins
	scratch photon.Scratch
	frame   dcam.Frame
	statbuf map[string]photon.Stats
}

// New returns an Idle controller.  pub may be nil to disable the
// preview.
func New(drv dcam.Driver, reg *roi.Registry, pub *preview.Publisher, opts Options) *Controller {
	if opts.FrameTimeout == 0 {
		opts.FrameTimeout = 100 * time.Millisecond
	}
	if opts.TimeoutLimit == 0 {
		opts.TimeoutLimit = 50
	}
	if opts.LogPath == "" {
		opts.LogPath = "measurements.fits"
	}
	c := &Controller{
		drv:     drv,
		reg:     reg,
		pub:     pub,
		opts:    opts,
		statbuf: make(map[string]photon.Stats),
	}
	c.session.Store(Session{
		Exposure:       200 * time.Millisecond,
		ScanMode:       dcam.ScanModeUltraQuiet,
		FramesPerChunk: 20,
	})
	c.fullStats.Store(photon.Stats{})
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// LastError returns the most recent fault, or nil.
func (c *Controller) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

func (c *Controller) record(err error) {
	log.Printf("%v", err)
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

// FPS returns the rolling frames-per-second estimate.
func (c *Controller) FPS() float64 {
	return math.Float64frombits(c.fpsBits.Load())
}

func (c *Controller) storeFPS(f float64) {
	c.fpsBits.Store(math.Float64bits(f))
}

// FrameCount returns the number of frames processed over the life of
// the controller.  Measurement records carry their own index, starting
// at 1 when the measurement begins.
func (c *Controller) FrameCount() int64 {
	return c.frameCount.Load()
}

// FrameStats returns the whole-frame statistics of the most recent
// frame.
func (c *Controller) FrameStats() photon.Stats {
	return c.fullStats.Load().(photon.Stats)
}

// Session returns the current configuration snapshot.
func (c *Controller) Session() Session {
	return c.session.Load().(Session)
}

// Logging reports whether a measurement log is open.
func (c *Controller) Logging() bool {
	return c.meas.Load() != nil
}

// Start opens the camera session, applies the session configuration,
// and begins the background loop.  Valid only from Idle.  The state is
// Starting when Start returns and becomes Running once the first frame
// wait succeeds.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startLocked()
}

func (c *Controller) startLocked() error {
	if st := c.State(); st != Idle {
		return InvalidStateError{Op: "start", State: st}
	}
	c.state.Store(int32(Starting))

	fail := func(err error) error {
		c.drv.Close()
		c.state.Store(int32(Idle))
		c.record(err)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	if err := backoff.Retry(c.drv.Open, backoff.WithMaxRetries(bo, 2)); err != nil {
		c.state.Store(int32(Idle))
		c.record(fmt.Errorf("acquire: opening camera session: %w", err))
		return err
	}

	sess := c.Session()
	w, h, err := c.drv.SensorSize()
	if err != nil {
		return fail(fmt.Errorf("acquire: reading sensor size: %w", err))
	}
	if err := c.drv.SetScanMode(sess.ScanMode); err != nil {
		return fail(fmt.Errorf("acquire: setting scan mode: %w", err))
	}
	if err := c.drv.SetTrigger(sess.Trigger); err != nil {
		return fail(fmt.Errorf("acquire: setting trigger: %w", err))
	}
	if err := c.drv.SetExposure(sess.Exposure); err != nil {
		return fail(fmt.Errorf("acquire: setting exposure: %w", err))
	}
	sub := dcam.ComputeSubarray(w, h, sess.TopCropPercent, sess.BottomCropPercent)
	if err := c.drv.SetSubarray(sub); err != nil {
		return fail(fmt.Errorf("acquire: setting subarray: %w", err))
	}
	coeff, offset, err := c.drv.ConversionFactors()
	if err != nil {
		log.Printf("acquire: conversion factors unavailable, using defaults: %v", err)
		coeff, offset = dcam.DefaultConversionCoeff, dcam.DefaultConversionOffset
	}
	if err := c.drv.SetupSequence(sess.FramesPerChunk); err != nil {
		return fail(fmt.Errorf("acquire: setting up sequence acquisition: %w", err))
	}
	if err := c.drv.StartAcquisition(); err != nil {
		return fail(fmt.Errorf("acquire: starting acquisition: %w", err))
	}
	c.reg.SetBounds(sub.HPos, sub.VPos, sub.HSize, sub.VSize)

	c.stopc = make(chan struct{})
	c.done = make(chan struct{})
	c.teardown = new(sync.Once)
	go c.run(sub, coeff, offset, c.stopc, c.done, c.teardown)
	return nil
}

// Stop signals the loop to exit at the next safe boundary, waits for
// the worker to terminate, closes any open log, and releases the camera
// session.  Idempotent; a no-op from Idle.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	if c.State() == Idle {
		return nil
	}
	c.state.Store(int32(Stopping))
	if c.stopc != nil {
		close(c.stopc)
		c.stopc = nil
	}
	if c.done != nil {
		<-c.done
	}
	c.teardown.Do(c.teardownFn)
	c.state.Store(int32(Idle))
	return nil
}

// teardownFn releases everything the acquisition holds.  Run exactly
// once per acquisition, by Stop or by a faulting worker.
func (c *Controller) teardownFn() {
	if err := c.drv.StopAcquisition(); err != nil {
		log.Printf("acquire: stopping acquisition: %v", err)
	}
	if m := c.meas.Swap(nil); m != nil {
		if err := m.log.Close(); err != nil {
			log.Printf("acquire: closing measurement log: %v", err)
		}
	}
	if err := c.drv.Close(); err != nil {
		log.Printf("acquire: closing camera session: %v", err)
	}
}

// fault records err, tears down, and parks the controller in Idle.
// Only the worker calls it.
func (c *Controller) fault(err error, teardown *sync.Once) {
	c.record(err)
	teardown.Do(c.teardownFn)
	c.state.Store(int32(Idle))
}

// run is the acquisition loop.  It is the only goroutine touching the
// camera between StartAcquisition and teardown.
func (c *Controller) run(sub dcam.Subarray, coeff, offset float64, stopc <-chan struct{}, done chan<- struct{}, teardown *sync.Once) {
	defer close(done)
	timeouts := 0
	var prev time.Time
	for {
		select {
		case <-stopc:
			return
		default:
		}
		if err := c.drv.WaitFrame(c.opts.FrameTimeout); err != nil {
			if errors.Is(err, dcam.ErrTimeout) {
				// isolated timeouts are routine under external trigger
				timeouts++
				if timeouts >= c.opts.TimeoutLimit {
					select {
					case <-stopc:
						// a stop is already in flight; not a fault
						return
					default:
					}
					c.fault(fmt.Errorf("acquire: %d consecutive frame timeouts: %w", timeouts, err), teardown)
					return
				}
				continue
			}
			select {
			case <-stopc:
				// teardown racing the wait; let Stop clean up
				return
			default:
			}
			c.fault(fmt.Errorf("acquire: waiting for frame: %w", err), teardown)
			return
		}
		c.state.CompareAndSwap(int32(Starting), int32(Running))
		timeouts = 0

		if err := c.drv.ReadNewest(&c.frame); err != nil {
			log.Printf("acquire: reading newest frame: %v", err)
			continue
		}
		now := time.Now()
		if !prev.IsZero() {
			inst := 1 / now.Sub(prev).Seconds()
			fps := c.FPS()
			if fps == 0 {
				fps = inst
			} else {
				fps = 0.9*fps + 0.1*inst
			}
			c.storeFPS(fps)
		}
		prev = now

		n := c.frame.Width * c.frame.Height
		pe := c.scratch.Grab(n)
		photon.Convert(pe, c.frame.Pix, coeff, offset)
		c.fullStats.Store(photon.FrameStats(pe))
		idx := c.frameCount.Add(1)

		regions := c.reg.Snapshot()
		for k := range c.statbuf {
			delete(c.statbuf, k)
		}
		for _, r := range regions {
			if !r.Enabled {
				// disabled regions read as visibly inert, not stale
				c.reg.ClearStats(r.Name)
				continue
			}
			st, _ := photon.Aggregate(pe, c.frame.Width, c.frame.Height, r, sub.HPos, sub.VPos)
			c.reg.SetStats(r.Name, st.Total, st.MeanPerPixel)
			c.statbuf[r.Name] = st
		}

		if m := c.meas.Load(); m != nil {
			// frames numbered at or before the base predate the
			// measurement and are not logged
			if rel := idx - m.base; rel > 0 {
				err := m.log.Append(rel, c.fullStats.Load().(photon.Stats), c.statbuf)
				if err != nil && !errors.Is(err, mlog.ErrClosed) {
					// imaging does not depend on logging succeeding
					log.Printf("acquire: appending measurement: %v", err)
				}
			}
		}
		if c.pub != nil {
			c.pub.Publish(pe, c.frame.Width, c.frame.Height, sub, regions, idx)
		}
	}
}

// updateSession applies a validated mutation to the session snapshot.
// If the controller is not Idle the change is applied through a full
// stop/restart cycle; hardware state is never edited live.
func (c *Controller) updateSession(mutate func(*Session) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.Session()
	if err := mutate(&s); err != nil {
		return err
	}
	restart := c.State() != Idle
	if restart {
		if err := c.stopLocked(); err != nil {
			return err
		}
	}
	c.session.Store(s)
	if restart {
		return c.startLocked()
	}
	return nil
}

// SetExposure sets the exposure time, validated against the configured
// bounds of the active scan mode.
func (c *Controller) SetExposure(d time.Duration) error {
	return c.updateSession(func(s *Session) error {
		if b, ok := c.opts.Limits[s.ScanMode]; ok && (d < b.Min || d > b.Max) {
			return ConfigurationError{
				Field:  "exposure-time",
				Reason: fmt.Sprintf("%v outside legal range [%v, %v] for scan mode %s", d, b.Min, b.Max, s.ScanMode),
			}
		}
		s.Exposure = d
		return nil
	})
}

// SetScanMode sets the sensor readout mode.  The current exposure must
// be legal in the new mode; change the exposure first if not.
func (c *Controller) SetScanMode(m dcam.ScanMode) error {
	return c.updateSession(func(s *Session) error {
		if !m.Valid() {
			return ConfigurationError{Field: "scan-mode", Reason: fmt.Sprintf("%q is not a scan mode", string(m))}
		}
		if b, ok := c.opts.Limits[m]; ok && (s.Exposure < b.Min || s.Exposure > b.Max) {
			return ConfigurationError{
				Field:  "scan-mode",
				Reason: fmt.Sprintf("current exposure %v outside legal range [%v, %v] for %s", s.Exposure, b.Min, b.Max, m),
			}
		}
		s.ScanMode = m
		return nil
	})
}

// SetTrigger sets the trigger source and edge polarity.
func (c *Controller) SetTrigger(t dcam.Trigger) error {
	return c.updateSession(func(s *Session) error {
		s.Trigger = t
		return nil
	})
}

// SetCrop sets the top and bottom crop percentages.  Each must be in
// [0, 100] and their sum below 100.
func (c *Controller) SetCrop(top, bottom float64) error {
	return c.updateSession(func(s *Session) error {
		if top < 0 || top > 100 {
			return ConfigurationError{Field: "top-crop-percent", Reason: fmt.Sprintf("%v not in [0, 100]", top)}
		}
		if bottom < 0 || bottom > 100 {
			return ConfigurationError{Field: "bottom-crop-percent", Reason: fmt.Sprintf("%v not in [0, 100]", bottom)}
		}
		if top+bottom >= 100 {
			return ConfigurationError{Field: "crop", Reason: fmt.Sprintf("top %v + bottom %v leaves no rows", top, bottom)}
		}
		s.TopCropPercent = top
		s.BottomCropPercent = bottom
		return nil
	})
}

// SetFramesPerChunk sets the sequence-mode batch size.
func (c *Controller) SetFramesPerChunk(n int) error {
	return c.updateSession(func(s *Session) error {
		if n < 1 {
			return ConfigurationError{Field: "frames-per-chunk", Reason: fmt.Sprintf("%d < 1", n)}
		}
		s.FramesPerChunk = n
		return nil
	})
}

// StartMeasurement opens the measurement log with one channel per
// currently enabled region plus the full-frame channel.  Records are
// indexed from 1 within the measurement regardless of how many frames
// preceded it.  A no-op if already measuring.  Acquisition is
// independent of the outcome.
func (c *Controller) StartMeasurement() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meas.Load() != nil {
		return nil
	}
	var metas []mlog.ChannelMeta
	for _, r := range c.reg.Snapshot() {
		if !r.Enabled {
			continue
		}
		metas = append(metas, mlog.ChannelMeta{Name: r.Name, X: r.X, Y: r.Y, Width: r.Width, Height: r.Height})
	}
	l, err := mlog.Open(c.opts.LogPath, metas)
	if err != nil {
		return err
	}
	c.meas.Store(&measurement{log: l, base: c.frameCount.Load()})
	return nil
}

// StopMeasurement closes the measurement log.  A no-op if not
// measuring.
func (c *Controller) StopMeasurement() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m := c.meas.Swap(nil); m != nil {
		return m.log.Close()
	}
	return nil
}
