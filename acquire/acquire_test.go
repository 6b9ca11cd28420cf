package acquire_test

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/astrogo/fitsio"

	"github.jpl.nasa.gov/bdube/photel/acquire"
	"github.jpl.nasa.gov/bdube/photel/dcam"
	"github.jpl.nasa.gov/bdube/photel/roi"
)

// newTestController wires a small fast simulator to a fresh controller.
func newTestController(t *testing.T, opts acquire.Options) (*acquire.Controller, *dcam.Sim, *roi.Registry) {
	t.Helper()
	sim := dcam.NewSim(dcam.SimConfig{
		Width:         64,
		Height:        48,
		FrameInterval: 2 * time.Millisecond,
		Fill:          50,
	})
	reg := roi.NewRegistry(filepath.Join(t.TempDir(), "rois.json"), 64, 48)
	if opts.FrameTimeout == 0 {
		opts.FrameTimeout = 20 * time.Millisecond
	}
	if opts.LogPath == "" {
		opts.LogPath = filepath.Join(t.TempDir(), "m.fits")
	}
	c := acquire.New(sim, reg, nil, opts)
	return c, sim, reg
}

// waitState polls for the controller to reach want.
func waitState(t *testing.T, c *acquire.Controller, want acquire.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("controller never reached %s, stuck in %s", want, c.State())
}

func TestStartStopLifecycle(t *testing.T) {
	c, sim, _ := newTestController(t, acquire.Options{})
	if c.State() != acquire.Idle {
		t.Fatalf("expected Idle at rest, got %s", c.State())
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, acquire.Running)
	if !sim.IsAcquiring() {
		t.Errorf("camera should be acquiring while Running")
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if c.State() != acquire.Idle {
		t.Errorf("expected Idle after stop, got %s", c.State())
	}
	if sim.IsOpen() {
		t.Errorf("camera session should be released after stop")
	}
	if sim.IsAcquiring() {
		t.Errorf("camera should not be acquiring after stop")
	}
}

func TestFramesAdvance(t *testing.T) {
	c, _, _ := newTestController(t, acquire.Options{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	waitState(t, c, acquire.Running)

	deadline := time.Now().Add(2 * time.Second)
	for c.FrameCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.FrameCount() < 3 {
		t.Fatalf("frame counter stuck at %d", c.FrameCount())
	}
	// uniform raw 50 over 64x48: total = 3072 * 50 * 0.107
	st := c.FrameStats()
	want := 3072 * 50 * 0.107
	if math.Abs(st.Total-want) > 1 {
		t.Errorf("expected whole-frame total near %v, got %v", want, st.Total)
	}
	if c.FPS() <= 0 {
		t.Errorf("expected a positive FPS estimate, got %v", c.FPS())
	}
}

func TestDoubleStart(t *testing.T) {
	c, _, _ := newTestController(t, acquire.Options{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	err := c.Start()
	var se acquire.InvalidStateError
	if !errors.As(err, &se) {
		t.Errorf("expected InvalidStateError on double start, got %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	c, _, _ := newTestController(t, acquire.Options{})
	if err := c.Stop(); err != nil {
		t.Errorf("stop from Idle should be a no-op, got %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Errorf("second stop should be a no-op, got %v", err)
	}
}

func TestStartThenImmediateStop(t *testing.T) {
	// stop before the first frame lands; must not hang or leak the session
	c, sim, _ := newTestController(t, acquire.Options{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if c.State() != acquire.Idle {
		t.Errorf("expected Idle, got %s", c.State())
	}
	if sim.IsOpen() {
		t.Errorf("session leaked")
	}
}

func TestTimeoutFault(t *testing.T) {
	c, sim, _ := newTestController(t, acquire.Options{
		FrameTimeout: time.Millisecond,
		TimeoutLimit: 3,
	})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, acquire.Running)
	sim.SetStalled(true)

	waitState(t, c, acquire.Idle)
	if c.LastError() == nil {
		t.Errorf("expected a retained fault after repeated timeouts")
	}
	if sim.IsOpen() {
		t.Errorf("faulting worker should release the session")
	}
	// a fresh start after the fault must work
	sim.SetStalled(false)
	if err := c.Start(); err != nil {
		t.Fatalf("restart after fault: %v", err)
	}
	c.Stop()
}

func TestStopDuringTimeoutLimitNotAFault(t *testing.T) {
	// a stop arriving while the worker sleeps out its final allowed
	// timeout must win over the timeout-limit fault
	c, sim, _ := newTestController(t, acquire.Options{
		FrameTimeout: 200 * time.Millisecond,
		TimeoutLimit: 1,
	})
	sim.SetStalled(true)
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	// let the worker enter its frame wait
	time.Sleep(50 * time.Millisecond)
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := c.LastError(); err != nil {
		t.Errorf("stop during the final timeout recorded a spurious fault: %v", err)
	}
	if c.State() != acquire.Idle {
		t.Errorf("expected Idle, got %s", c.State())
	}
	if sim.IsOpen() {
		t.Errorf("session leaked")
	}
}

func TestIsolatedTimeoutsTolerated(t *testing.T) {
	// frame interval longer than the wait timeout produces routine
	// timeouts, but below the limit they must not fault
	sim := dcam.NewSim(dcam.SimConfig{Width: 64, Height: 48, FrameInterval: 30 * time.Millisecond, Fill: 50})
	reg := roi.NewRegistry("", 64, 48)
	c := acquire.New(sim, reg, nil, acquire.Options{
		FrameTimeout: 10 * time.Millisecond,
		TimeoutLimit: 50,
		LogPath:      filepath.Join(t.TempDir(), "m.fits"),
	})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	waitState(t, c, acquire.Running)
	time.Sleep(100 * time.Millisecond)
	if c.State() != acquire.Running {
		t.Errorf("isolated timeouts should not fault, state is %s", c.State())
	}
}

func TestSetExposureBounds(t *testing.T) {
	c, _, _ := newTestController(t, acquire.Options{
		Limits: acquire.Limits{
			dcam.ScanModeUltraQuiet: {Min: time.Millisecond, Max: 10 * time.Second},
			dcam.ScanModeStandard:   {Min: 10 * time.Microsecond, Max: 10 * time.Second},
		},
	})
	var ce acquire.ConfigurationError
	if err := c.SetExposure(time.Microsecond); !errors.As(err, &ce) {
		t.Errorf("expected ConfigurationError below the floor, got %v", err)
	}
	if err := c.SetExposure(time.Minute); !errors.As(err, &ce) {
		t.Errorf("expected ConfigurationError above the ceiling, got %v", err)
	}
	if got := c.Session().Exposure; got != 200*time.Millisecond {
		t.Errorf("rejected edits must retain the prior value, got %v", got)
	}
	if err := c.SetExposure(time.Second); err != nil {
		t.Fatal(err)
	}
	if got := c.Session().Exposure; got != time.Second {
		t.Errorf("expected 1s exposure, got %v", got)
	}
	// 100us is legal in Standard but not UltraQuiet: the mode change gate
	if err := c.SetScanMode(dcam.ScanModeStandard); err != nil {
		t.Fatal(err)
	}
	if err := c.SetExposure(100 * time.Microsecond); err != nil {
		t.Fatal(err)
	}
	if err := c.SetScanMode(dcam.ScanModeUltraQuiet); !errors.As(err, &ce) {
		t.Errorf("expected ConfigurationError when current exposure is illegal in the new mode, got %v", err)
	}
}

func TestSetScanModeInvalid(t *testing.T) {
	c, _, _ := newTestController(t, acquire.Options{})
	var ce acquire.ConfigurationError
	if err := c.SetScanMode("Turbo"); !errors.As(err, &ce) {
		t.Errorf("expected ConfigurationError for unknown mode, got %v", err)
	}
}

func TestSetCropValidation(t *testing.T) {
	c, _, _ := newTestController(t, acquire.Options{})
	var ce acquire.ConfigurationError
	cases := [][2]float64{{-1, 0}, {0, -1}, {101, 0}, {0, 101}, {50, 50}, {60, 45}}
	for _, pair := range cases {
		if err := c.SetCrop(pair[0], pair[1]); !errors.As(err, &ce) {
			t.Errorf("crop %v/%v: expected ConfigurationError, got %v", pair[0], pair[1], err)
		}
	}
	if err := c.SetCrop(25, 25); err != nil {
		t.Fatal(err)
	}
	s := c.Session()
	if s.TopCropPercent != 25 || s.BottomCropPercent != 25 {
		t.Errorf("expected 25/25, got %v/%v", s.TopCropPercent, s.BottomCropPercent)
	}
}

func TestSetFramesPerChunk(t *testing.T) {
	c, _, _ := newTestController(t, acquire.Options{})
	var ce acquire.ConfigurationError
	if err := c.SetFramesPerChunk(0); !errors.As(err, &ce) {
		t.Errorf("expected ConfigurationError for 0, got %v", err)
	}
	if err := c.SetFramesPerChunk(32); err != nil {
		t.Fatal(err)
	}
	if got := c.Session().FramesPerChunk; got != 32 {
		t.Errorf("expected 32, got %d", got)
	}
}

func TestHardwareEditRestartsAcquisition(t *testing.T) {
	c, sim, _ := newTestController(t, acquire.Options{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	waitState(t, c, acquire.Running)

	if err := c.SetCrop(25, 25); err != nil {
		t.Fatal(err)
	}
	// the controller restarted itself; it should be live again
	waitState(t, c, acquire.Running)
	if !sim.IsAcquiring() {
		t.Errorf("camera should be acquiring after the restart")
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.FrameCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.FrameCount() < 1 {
		t.Errorf("no frames after the restart")
	}
}

func TestCroppedBoundsPropagate(t *testing.T) {
	c, _, reg := newTestController(t, acquire.Options{})
	if err := c.SetCrop(25, 25); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	waitState(t, c, acquire.Running)
	b := reg.Bounds()
	want := dcam.ComputeSubarray(64, 48, 25, 25)
	if b.Y != want.VPos || b.Height != want.VSize {
		t.Errorf("expected bounds vpos/vsize %d/%d, got %d/%d", want.VPos, want.VSize, b.Y, b.Height)
	}
}

func TestRegionStatsWhileRunning(t *testing.T) {
	c, _, reg := newTestController(t, acquire.Options{})
	name, err := reg.Add()
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Update(name, roi.Rect{X: 8, Y: 8, Width: 16, Height: 16}); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	waitState(t, c, acquire.Running)

	// 256 px * raw 50 * 0.107 = 1369.6
	deadline := time.Now().Add(2 * time.Second)
	var r roi.Region
	for time.Now().Before(deadline) {
		r, _ = reg.Get(name)
		if r.TotalPE > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if math.Abs(r.TotalPE-1369.6) > 0.1 {
		t.Errorf("expected region total 1369.6, got %v", r.TotalPE)
	}
	if math.Abs(r.MeanPEPerPixel-5.35) > 1e-3 {
		t.Errorf("expected region mean 5.35, got %v", r.MeanPEPerPixel)
	}
}

func TestDisabledRegionStatsCleared(t *testing.T) {
	c, _, reg := newTestController(t, acquire.Options{})
	name, err := reg.Add()
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Update(name, roi.Rect{X: 8, Y: 8, Width: 16, Height: 16}); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	waitState(t, c, acquire.Running)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, _ := reg.Get(name); r.TotalPE > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := reg.SetEnabled(name, false); err != nil {
		t.Fatal(err)
	}
	// the next worker iteration clears the stale statistics
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r, _ := reg.Get(name); r.TotalPE == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	r, _ := reg.Get(name)
	if r.TotalPE != 0 || r.MeanPEPerPixel != 0 {
		t.Errorf("disabled region retained stale stats: %v/%v", r.TotalPE, r.MeanPEPerPixel)
	}
}

func TestMeasurementLifecycle(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "m.fits")
	c, _, reg := newTestController(t, acquire.Options{LogPath: logPath})
	if _, err := reg.Add(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()
	waitState(t, c, acquire.Running)

	if c.Logging() {
		t.Fatal("should not be logging before StartMeasurement")
	}
	if err := c.StartMeasurement(); err != nil {
		t.Fatal(err)
	}
	if !c.Logging() {
		t.Fatal("should be logging after StartMeasurement")
	}
	if err := c.StartMeasurement(); err != nil {
		t.Errorf("repeated StartMeasurement should be a no-op, got %v", err)
	}
	// let a few frames land in the log
	deadline := time.Now().Add(2 * time.Second)
	for c.FrameCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := c.StopMeasurement(); err != nil {
		t.Fatal(err)
	}
	if c.Logging() {
		t.Errorf("should not be logging after StopMeasurement")
	}
	fi, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	if fi.Size() == 0 {
		t.Errorf("log file is empty")
	}
	if err := c.StopMeasurement(); err != nil {
		t.Errorf("repeated StopMeasurement should be a no-op, got %v", err)
	}
}

func TestMeasurementMidRunIndexing(t *testing.T) {
	// starting a measurement against a long-running acquisition must not
	// disturb the frame counter, and the logged series must be indexed
	// 1..n with no rejected appends
	logPath := filepath.Join(t.TempDir(), "m.fits")
	c, _, _ := newTestController(t, acquire.Options{LogPath: logPath})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, acquire.Running)
	deadline := time.Now().Add(2 * time.Second)
	for c.FrameCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	pre := c.FrameCount()
	if pre < 5 {
		t.Fatalf("frame counter stuck at %d", pre)
	}

	if err := c.StartMeasurement(); err != nil {
		t.Fatal(err)
	}
	if got := c.FrameCount(); got < pre {
		t.Fatalf("frame counter regressed from %d to %d when the measurement started", pre, got)
	}
	deadline = time.Now().Add(2 * time.Second)
	for c.FrameCount() < pre+3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := c.StopMeasurement(); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	fits, err := fitsio.Open(f)
	if err != nil {
		t.Fatal(err)
	}
	defer fits.Close()
	tbl, ok := fits.HDU(1).(*fitsio.Table)
	if !ok {
		t.Fatalf("HDU 1 is not a table")
	}
	if tbl.Name() != "full_frame" {
		t.Fatalf("expected full_frame channel first, got %s", tbl.Name())
	}
	n := tbl.NumRows()
	if n < 3 {
		t.Fatalf("expected at least 3 records, got %d", n)
	}
	rows, err := tbl.Read(0, n)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var rec struct {
		FrameIndex int64   `fits:"frame_index"`
		PECount    float64 `fits:"pe_count"`
		PEPP       float64 `fits:"pe_pp"`
	}
	want := int64(1)
	for rows.Next() {
		if err := rows.Scan(&rec); err != nil {
			t.Fatal(err)
		}
		if rec.FrameIndex != want {
			t.Fatalf("expected record index %d, got %d", want, rec.FrameIndex)
		}
		if rec.PECount <= 0 {
			t.Errorf("record %d has non-positive count %v", want, rec.PECount)
		}
		want++
	}
	if err := rows.Err(); err != nil {
		t.Fatal(err)
	}
	if want != n+1 {
		t.Errorf("read %d records, table holds %d", want-1, n)
	}
}

func TestStopClosesOpenLog(t *testing.T) {
	c, _, _ := newTestController(t, acquire.Options{})
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	waitState(t, c, acquire.Running)
	if err := c.StartMeasurement(); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(); err != nil {
		t.Fatal(err)
	}
	if c.Logging() {
		t.Errorf("stop should close the measurement log")
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[acquire.State]string{
		acquire.Idle:     "Idle",
		acquire.Starting: "Starting",
		acquire.Running:  "Running",
		acquire.Stopping: "Stopping",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}
}
