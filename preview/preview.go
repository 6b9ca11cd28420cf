/*Package preview generates the throttled live view.

The renderer normalizes a photoelectron frame to 8 bits, embeds it into
a full-sensor canvas at the subarray offset, overlays the subarray
boundary and the enabled region rectangles with labels, downsamples, and
JPEG-encodes the result.  The publisher gates rendering on a wall-clock
rate limit; frames inside the throttle window are dropped, never queued,
so the acquisition loop is never held up by the view.
*/
package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"github.com/disintegration/gift"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/photel/dcam"
	"github.jpl.nasa.gov/bdube/photel/roi"
)

// Downsample is the spatial reduction factor of the encoded view.
const Downsample = 4

// Quality is the JPEG quality of the encoded view.
const Quality = 50

// overlayGray is the pixel value of lines, rectangles and labels.
const overlayGray = 255

// Payload is one encoded preview ready for transport.  JPEG bytes
// marshal to base64 under encoding/json.
type Payload struct {
	// JPEG is the encoded image
	JPEG []byte `json:"jpeg"`

	// Width and Height are the encoded image dimensions
	Width  int `json:"width"`
	Height int `json:"height"`

	// FrameIndex is the acquisition frame the view was rendered from
	FrameIndex int64 `json:"frameIndex"`
}

// Sink receives encoded previews.  Implementations must not block.
type Sink interface {
	Publish(Payload)
}

// Renderer converts photoelectron frames to encoded previews.  It owns
// reusable canvases and is not safe for concurrent use; the acquisition
// worker is its only caller.
type Renderer struct {
	fullW, fullH int

	canvas *image.Gray
	small  *image.Gray
	g      *gift.GIFT
	buf    bytes.Buffer
}

// NewRenderer returns a renderer for a sensor of the given full
// dimensions.
func NewRenderer(fullWidth, fullHeight int) *Renderer {
	r := &Renderer{
		fullW:  fullWidth,
		fullH:  fullHeight,
		canvas: image.NewGray(image.Rect(0, 0, fullWidth, fullHeight)),
		g:      gift.New(gift.Resize(fullWidth/Downsample, fullHeight/Downsample, gift.LinearResampling)),
	}
	r.small = image.NewGray(r.g.Bounds(r.canvas.Bounds()))
	return r
}

// Render produces a preview payload from the photoelectron frame.  The
// frame is width x height and sits at the subarray position on the
// sensor; regions are drawn in full-sensor coordinates.
func (r *Renderer) Render(pe []float32, width, height int, sub dcam.Subarray, regions []roi.Region, frameIndex int64) (Payload, error) {
	r.clear()
	r.embed(pe, width, height, sub)

	if sub.On(r.fullH) {
		r.hline(sub.VPos, 2)
		r.hline(sub.VPos+sub.VSize, 2)
	}
	for i, reg := range regions {
		if !reg.Enabled {
			continue
		}
		r.rect(reg.X, reg.Y, reg.Width, reg.Height, 2)
		r.label(fmt.Sprintf("%s (%d)", reg.Name, i+1), reg.X, reg.Y-6)
	}

	r.g.Draw(r.small, r.canvas)

	r.buf.Reset()
	err := jpeg.Encode(&r.buf, r.small, &jpeg.Options{Quality: Quality})
	if err != nil {
		return Payload{}, fmt.Errorf("preview: encoding frame %d: %w", frameIndex, err)
	}
	out := make([]byte, r.buf.Len())
	copy(out, r.buf.Bytes())
	b := r.small.Bounds()
	return Payload{JPEG: out, Width: b.Dx(), Height: b.Dy(), FrameIndex: frameIndex}, nil
}

func (r *Renderer) clear() {
	pix := r.canvas.Pix
	for i := range pix {
		pix[i] = 0
	}
}

// embed normalizes pe by its maximum and writes it into the canvas at
// the subarray offset.  An all-dark frame stays all dark.
func (r *Renderer) embed(pe []float32, width, height int, sub dcam.Subarray) {
	var max float32
	for _, v := range pe {
		if v > max {
			max = v
		}
	}
	if max == 0 {
		return
	}
	scale := 255 / max
	for y := 0; y < height; y++ {
		src := pe[y*width : (y+1)*width]
		dst := r.canvas.Pix[(y+sub.VPos)*r.canvas.Stride+sub.HPos:]
		for x := 0; x < width; x++ {
			dst[x] = uint8(src[x] * scale)
		}
	}
}

// hline draws a full-width horizontal line of the given thickness.
func (r *Renderer) hline(y, thickness int) {
	for dy := 0; dy < thickness; dy++ {
		yy := y + dy
		if yy < 0 || yy >= r.fullH {
			continue
		}
		row := r.canvas.Pix[yy*r.canvas.Stride : yy*r.canvas.Stride+r.fullW]
		for x := range row {
			row[x] = overlayGray
		}
	}
}

// rect outlines a rectangle of the given edge thickness, clipped to the
// canvas.
func (r *Renderer) rect(x, y, w, h, thickness int) {
	set := func(px, py int) {
		if px < 0 || px >= r.fullW || py < 0 || py >= r.fullH {
			return
		}
		r.canvas.Pix[py*r.canvas.Stride+px] = overlayGray
	}
	for t := 0; t < thickness; t++ {
		for px := x; px <= x+w; px++ {
			set(px, y+t)
			set(px, y+h-t)
		}
		for py := y; py <= y+h; py++ {
			set(x+t, py)
			set(x+w-t, py)
		}
	}
}

// label draws s with its baseline at (x, y).
func (r *Renderer) label(s string, x, y int) {
	d := font.Drawer{
		Dst:  r.canvas,
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// Publisher gates a renderer behind a wall-clock throttle and hands the
// result to a sink.  At most one preview is produced per interval
// regardless of the underlying frame rate.
type Publisher struct {
	ren  *Renderer
	sink Sink
	lim  *rate.Limiter
}

// NewPublisher returns a publisher producing at most one preview per
// interval.
func NewPublisher(ren *Renderer, sink Sink, interval time.Duration) *Publisher {
	return &Publisher{
		ren:  ren,
		sink: sink,
		lim:  rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Publish renders and publishes the frame if the throttle window has
// elapsed.  It returns false when the frame was dropped, either by the
// throttle or a render failure; dropped frames are never queued.
func (p *Publisher) Publish(pe []float32, width, height int, sub dcam.Subarray, regions []roi.Region, frameIndex int64) bool {
	if !p.lim.Allow() {
		return false
	}
	payload, err := p.ren.Render(pe, width, height, sub, regions, frameIndex)
	if err != nil {
		return false
	}
	p.sink.Publish(payload)
	return true
}
