package dcam

import (
	"sync"
	"time"
)

// SimConfig holds the knobs of the simulated camera.
type SimConfig struct {
	// Width and Height are the full sensor dimensions
	Width  int
	Height int

	// FrameInterval is the wall-clock period between simulated frames
	FrameInterval time.Duration

	// Fill is the raw count every pixel takes
	Fill uint16

	// Gradient replaces the uniform fill with a horizontal ramp
	// starting at Fill, useful for eyeballing the preview
	Gradient bool
}

// Sim is a software camera.  It produces deterministic frames on a fixed
// wall-clock cadence and implements the full Driver contract, including
// freshest-wins reads and bounded waits.
type Sim struct {
	mu sync.Mutex

	cfg  SimConfig
	sub  Subarray
	scan ScanMode
	trig Trigger
	texp time.Duration

	open      bool
	acquiring bool
	stalled   bool

	// start marks the beginning of the current acquisition; frame n is
	// due at start + (n+1)*FrameInterval
	start     time.Time
	delivered int64
}

// NewSim returns a simulated camera.  Zero-valued config fields are given
// usable defaults.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Width == 0 {
		cfg.Width = 4096
	}
	if cfg.Height == 0 {
		cfg.Height = 2304
	}
	if cfg.FrameInterval == 0 {
		cfg.FrameInterval = 50 * time.Millisecond
	}
	return &Sim{
		cfg:  cfg,
		sub:  Subarray{HSize: cfg.Width, VSize: cfg.Height},
		scan: ScanModeUltraQuiet,
	}
}

// Open establishes the simulated session.  Opening an open camera is an
// error; reopening a closed one is allowed.
func (s *Sim) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return ErrAlreadyOpen
	}
	s.open = true
	return nil
}

// Close releases the session.  Idempotent.
func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.acquiring = false
	return nil
}

// SensorSize reports the full sensor dimensions.
func (s *Sim) SensorSize() (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, 0, ErrClosed
	}
	return s.cfg.Width, s.cfg.Height, nil
}

// SetScanMode programs the readout mode.
func (s *Sim) SetScanMode(m ScanMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrClosed
	}
	s.scan = m
	return nil
}

// SetTrigger programs the trigger source and polarity.
func (s *Sim) SetTrigger(t Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrClosed
	}
	s.trig = t
	return nil
}

// SetExposure programs the exposure time.
func (s *Sim) SetExposure(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrClosed
	}
	s.texp = d
	return nil
}

// SetSubarray programs the readout window.
func (s *Sim) SetSubarray(sub Subarray) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrClosed
	}
	s.sub = sub
	return nil
}

// ConversionFactors reports the calibration constants.
func (s *Sim) ConversionFactors() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return 0, 0, ErrClosed
	}
	return DefaultConversionCoeff, DefaultConversionOffset, nil
}

// SetupSequence prepares sequence acquisition.  The chunk size has no
// observable effect on the simulator.
func (s *Sim) SetupSequence(framesPerChunk int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrClosed
	}
	return nil
}

// StartAcquisition begins producing frames.
func (s *Sim) StartAcquisition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrClosed
	}
	s.acquiring = true
	s.start = time.Now()
	s.delivered = 0
	return nil
}

// StopAcquisition halts frame production.  A no-op if not acquiring.
func (s *Sim) StopAcquisition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquiring = false
	return nil
}

// WaitFrame blocks until an undelivered frame is due, or the timeout
// elapses, whichever comes first.
func (s *Sim) WaitFrame(timeout time.Duration) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.acquiring {
		s.mu.Unlock()
		return ErrNotAcquiring
	}
	if s.stalled {
		s.mu.Unlock()
		time.Sleep(timeout)
		return ErrTimeout
	}
	next := s.start.Add(time.Duration(s.delivered+1) * s.cfg.FrameInterval)
	s.mu.Unlock()

	wait := time.Until(next)
	if wait > timeout {
		time.Sleep(timeout)
		return ErrTimeout
	}
	if wait > 0 {
		time.Sleep(wait)
	}
	return nil
}

// ReadNewest copies the most recently generated frame into dst,
// discarding anything older.
func (s *Sim) ReadNewest(dst *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ErrClosed
	}
	if !s.acquiring {
		return ErrNotAcquiring
	}
	// skip the backlog; only the newest frame is ever handed out
	avail := int64(time.Since(s.start) / s.cfg.FrameInterval)
	if avail > s.delivered {
		s.delivered = avail
	}

	w, h := s.sub.HSize, s.sub.VSize
	n := w * h
	if cap(dst.Pix) < n {
		dst.Pix = make([]uint16, n)
	}
	dst.Pix = dst.Pix[:n]
	dst.Width = w
	dst.Height = h
	if s.cfg.Gradient {
		for i := 0; i < n; i++ {
			dst.Pix[i] = s.cfg.Fill + uint16(i%w)
		}
	} else {
		for i := 0; i < n; i++ {
			dst.Pix[i] = s.cfg.Fill
		}
	}
	return nil
}

// SetStalled makes WaitFrame time out until cleared, simulating an
// external trigger with no source connected.
func (s *Sim) SetStalled(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled = b
}

// IsOpen reports whether the session is currently held.
func (s *Sim) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// IsAcquiring reports whether the simulator is producing frames.
func (s *Sim) IsAcquiring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquiring
}
