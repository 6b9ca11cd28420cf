/*Package dcam describes the interface to a DCAM frame camera and provides
the pure geometry used to program its subarray readout.

The real camera binding is a cgo wrapper around the vendor SDK and lives
out of tree; everything in this repository speaks to the Driver interface.
A software-simulated camera satisfying Driver is provided in this package
for development and testing.
*/
package dcam

import (
	"errors"
	"time"
)

// Step is the readout alignment step of the sensor.  Subarray windows and
// region rectangles must have all four fields aligned to this step.
const Step = 4

// Default conversion factors, used when the camera cannot report its own.
const (
	DefaultConversionCoeff  = 0.107
	DefaultConversionOffset = 0
)

var (
	// ErrTimeout is generated when a bounded wait for a frame elapses
	// without a frame arriving.  It is expected under external trigger
	// with no trigger source connected and is not fatal in isolation.
	ErrTimeout = errors.New("dcam: timed out waiting for frame")

	// ErrNotAcquiring is generated when a frame is waited on or read
	// outside of a running acquisition.
	ErrNotAcquiring = errors.New("dcam: camera is not acquiring")

	// ErrClosed is generated when the camera is used after Close.
	ErrClosed = errors.New("dcam: camera session is closed")

	// ErrAlreadyOpen is generated when Open is called on a held session.
	ErrAlreadyOpen = errors.New("dcam: camera session is already open")
)

// ScanMode is a sensor readout mode, trading noise performance against speed.
type ScanMode string

// The scan modes of the sensor.
const (
	ScanModeStandard   ScanMode = "Standard"
	ScanModeUltraQuiet ScanMode = "UltraQuiet"
)

// Valid returns true if m is a recognized scan mode.
func (m ScanMode) Valid() bool {
	return m == ScanModeStandard || m == ScanModeUltraQuiet
}

// Trigger describes how exposures are initiated.
type Trigger struct {
	// External selects the external trigger input; false is the internal
	// free-running trigger.
	External bool `json:"external"`

	// RisingEdge selects the positive edge of the external trigger.
	// It is ignored for internal triggering.
	RisingEdge bool `json:"risingEdge"`
}

// Subarray is the active readout window in full-sensor coordinates.
type Subarray struct {
	// HPos is the left column of the window
	HPos int `json:"hpos"`

	// HSize is the width of the window in pixels
	HSize int `json:"hsize"`

	// VPos is the top row of the window
	VPos int `json:"vpos"`

	// VSize is the height of the window in rows
	VSize int `json:"vsize"`
}

// On returns true if the window is smaller than the full sensor height,
// i.e. the camera is actually reading a cropped frame.
func (s Subarray) On(fullHeight int) bool {
	return s.VSize < fullHeight
}

// ComputeSubarray converts top/bottom crop percentages into an aligned
// vertical readout window.  Crop line counts are floored to the readout
// step and the remaining height is clamped to at least one step.  The
// horizontal extent is always the full sensor width.
func ComputeSubarray(fullWidth, fullHeight int, topPercent, bottomPercent float64) Subarray {
	topLines := int(float64(fullHeight)*topPercent/100) / Step * Step
	bottomLines := int(float64(fullHeight)*bottomPercent/100) / Step * Step
	vsize := fullHeight - topLines - bottomLines
	if vsize < Step {
		vsize = Step
	}
	vsize = vsize / Step * Step
	return Subarray{HPos: 0, HSize: fullWidth, VPos: topLines, VSize: vsize}
}

// Frame is a single readout, row-major with no padding between rows.
type Frame struct {
	// Pix holds the raw counts, len == Width*Height
	Pix []uint16

	// Width is the width of the frame in pixels
	Width int

	// Height is the height of the frame in rows
	Height int
}

// Driver is the hardware contract consumed by the acquisition controller.
//
// Implementations must tolerate StopAcquisition and Close being called
// more than once; the controller leans on that during teardown from
// error states.
type Driver interface {
	// Open establishes the hardware session
	Open() error

	// Close releases the hardware session
	Close() error

	// SensorSize reports the full sensor dimensions in pixels
	SensorSize() (width, height int, err error)

	// SetScanMode programs the sensor readout mode
	SetScanMode(ScanMode) error

	// SetTrigger programs the trigger source and edge polarity
	SetTrigger(Trigger) error

	// SetExposure programs the exposure time
	SetExposure(time.Duration) error

	// SetSubarray programs the active readout window
	SetSubarray(Subarray) error

	// ConversionFactors reports the raw count -> photoelectron calibration
	ConversionFactors() (coeff, offset float64, err error)

	// SetupSequence prepares sequence-mode acquisition with the given
	// number of frames per chunk
	SetupSequence(framesPerChunk int) error

	// StartAcquisition begins free-running acquisition
	StartAcquisition() error

	// StopAcquisition halts acquisition; a no-op if not acquiring
	StopAcquisition() error

	// WaitFrame blocks until a new frame is buffered or the timeout
	// elapses, in which case it returns ErrTimeout
	WaitFrame(timeout time.Duration) error

	// ReadNewest copies the most recently buffered frame into dst,
	// discarding any backlog.  dst is resized as needed.
	ReadNewest(dst *Frame) error
}
