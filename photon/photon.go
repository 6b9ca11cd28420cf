/*Package photon converts raw sensor counts to calibrated photoelectrons
and reduces frames over rectangular regions.

Everything here is a pure function over a caller-owned strided buffer.
The acquisition loop reuses one Scratch per worker so steady-state
allocation is constant regardless of how long the loop runs.
*/
package photon

import "github.jpl.nasa.gov/bdube/photel/roi"

// Stats is the reduction of a block of photoelectron values.
type Stats struct {
	// Total is the photoelectron sum over the block
	Total float64 `json:"total"`

	// MeanPerPixel is Total divided by the block's pixel count
	MeanPerPixel float64 `json:"meanPerPixel"`
}

// Convert maps raw counts to photoelectrons, elementwise
// max(0, (raw-offset)*coeff).  A photoelectron count cannot be negative;
// values below the offset clip to zero.  dst and raw must be the same
// length.
func Convert(dst []float32, raw []uint16, coeff, offset float64) {
	if len(dst) != len(raw) {
		panic("photon: Convert dst and raw length mismatch")
	}
	c := float32(coeff)
	o := float32(offset)
	for i, v := range raw {
		pe := (float32(v) - o) * c
		if pe < 0 {
			pe = 0
		}
		dst[i] = pe
	}
}

// FrameStats reduces a full photoelectron frame.
func FrameStats(pe []float32) Stats {
	var total float64
	for _, v := range pe {
		total += float64(v)
	}
	mean := 0.0
	if len(pe) > 0 {
		mean = total / float64(len(pe))
	}
	return Stats{Total: total, MeanPerPixel: mean}
}

// Aggregate reduces the photoelectron frame over one region.  The region
// rectangle is in full-sensor coordinates; hpos and vpos locate the
// active frame on the sensor, so a rectangle defined against the full
// sensor indexes correctly into a cropped frame.  The rectangle is
// clipped to the frame; an empty intersection yields zero statistics and
// ok == false.
func Aggregate(pe []float32, width, height int, r roi.Region, hpos, vpos int) (Stats, bool) {
	relX := r.X - hpos
	relY := r.Y - vpos
	startX := relX
	if startX < 0 {
		startX = 0
	}
	startY := relY
	if startY < 0 {
		startY = 0
	}
	endX := relX + r.Width
	if endX > width {
		endX = width
	}
	endY := relY + r.Height
	if endY > height {
		endY = height
	}
	if endX <= startX || endY <= startY {
		return Stats{}, false
	}
	var total float64
	for y := startY; y < endY; y++ {
		row := pe[y*width : y*width+width]
		for x := startX; x < endX; x++ {
			total += float64(row[x])
		}
	}
	area := float64((endX - startX) * (endY - startY))
	return Stats{Total: total, MeanPerPixel: total / area}, true
}

// Scratch is a reusable photoelectron buffer.  It only ever grows,
// so the acquisition loop settles into zero allocation.
type Scratch struct {
	buf []float32
}

// Grab returns a buffer of exactly n elements, reusing the prior
// allocation when it is large enough.
func (s *Scratch) Grab(n int) []float32 {
	if cap(s.buf) < n {
		s.buf = make([]float32, n)
	}
	s.buf = s.buf[:n]
	return s.buf
}
