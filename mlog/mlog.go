/*Package mlog is the append-only measurement log.

One log holds one channel per enabled region at open time plus one
full-frame channel.  Each channel is a time series of
(frame_index, pe_count, pe_pp) records; region channels also carry their
rectangle as static metadata.  The on-disk container is a FITS file with
one binary-table HDU per channel, so the result is self-describing and
readable by any FITS tool.

Appends accumulate rows in memory with amortized geometric growth and
Close writes the container in one pass.  Nothing reaches disk before
Close: a measurement's full series is resident until then, so memory
grows with run length (roughly 24 bytes per record per channel) and a
crash mid-run loses the series.  Split very long runs into multiple
measurements to bound both.  The channel set is fixed once the log is
open: adding or removing regions while logging does not alter open
channels.
*/
package mlog

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/astrogo/fitsio"
	"github.jpl.nasa.gov/bdube/photel/photon"
)

// FullFrameChannel is the name of the whole-frame channel present in
// every log.
const FullFrameChannel = "full_frame"

// ErrClosed is generated when a closed log is appended to.  The log is
// not reopened.
var ErrClosed = errors.New("mlog: log is closed")

// OrderError is generated when an append would break the strictly
// increasing frame index invariant of a channel.
type OrderError struct {
	// Channel is the offending channel
	Channel string

	// Last is the cursor of the channel
	Last int64

	// Got is the rejected frame index
	Got int64
}

// Error satisfies the error interface
func (e OrderError) Error() string {
	return fmt.Sprintf("mlog: frame index %d not greater than cursor %d on channel %s", e.Got, e.Last, e.Channel)
}

// ChannelMeta is the static description of a region channel.
type ChannelMeta struct {
	// Name is the region name
	Name string

	// X, Y, Width, Height are the region rectangle in full-sensor
	// coordinates at log-open time
	X      int
	Y      int
	Width  int
	Height int
}

// record is one row of a channel's table.
type record struct {
	FrameIndex int64   `fits:"frame_index"`
	PECount    float64 `fits:"pe_count"`
	PEPP       float64 `fits:"pe_pp"`
}

// channel is one open record stream.
type channel struct {
	name string
	tbl  *fitsio.Table
	last int64
	rows int
}

func (c *channel) append(idx int64, s photon.Stats) error {
	if idx <= c.last {
		return OrderError{Channel: c.name, Last: c.last, Got: idx}
	}
	err := c.tbl.Write(&record{FrameIndex: idx, PECount: s.Total, PEPP: s.MeanPerPixel})
	if err != nil {
		return fmt.Errorf("mlog: appending to channel %s: %w", c.name, err)
	}
	c.last = idx
	c.rows++
	return nil
}

// Log is an open measurement log.  Safe for concurrent use; in practice
// the control path opens and closes it while the acquisition worker
// appends.
type Log struct {
	mu sync.Mutex

	f      *os.File
	fits   *fitsio.File
	full   *channel
	roi    map[string]*channel
	order  []string
	closed bool
}

func newChannel(name string) (*channel, error) {
	tbl, err := fitsio.NewTable(name, []fitsio.Column{
		{Name: "frame_index", Format: "K"},
		{Name: "pe_count", Format: "D"},
		{Name: "pe_pp", Format: "D"},
	}, fitsio.BINARY_TBL)
	if err != nil {
		return nil, fmt.Errorf("mlog: creating channel %s: %w", name, err)
	}
	return &channel{name: name, tbl: tbl}, nil
}

// Open creates or truncates the log at path with one channel per region
// in regions plus the full-frame channel.  It fails if the target is not
// writable.
func Open(path string, regions []ChannelMeta) (*Log, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("mlog: creating log file: %w", err)
	}
	fits, err := fitsio.Create(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mlog: creating FITS container: %w", err)
	}
	phdu, err := fitsio.NewPrimaryHDU(nil)
	if err != nil {
		fits.Close()
		f.Close()
		return nil, fmt.Errorf("mlog: creating primary HDU: %w", err)
	}
	if err := fits.Write(phdu); err != nil {
		fits.Close()
		f.Close()
		return nil, fmt.Errorf("mlog: writing primary HDU: %w", err)
	}

	l := &Log{f: f, fits: fits, roi: make(map[string]*channel)}
	l.full, err = newChannel(FullFrameChannel)
	if err != nil {
		fits.Close()
		f.Close()
		return nil, err
	}
	for _, m := range regions {
		ch, err := newChannel("roi_" + m.Name)
		if err != nil {
			fits.Close()
			f.Close()
			return nil, err
		}
		err = ch.tbl.Header().Append(
			fitsio.Card{Name: "ROINAME", Value: m.Name, Comment: "region name"},
			fitsio.Card{Name: "ROIX", Value: m.X, Comment: "region left, full-sensor px"},
			fitsio.Card{Name: "ROIY", Value: m.Y, Comment: "region top, full-sensor px"},
			fitsio.Card{Name: "ROIW", Value: m.Width, Comment: "region width, px"},
			fitsio.Card{Name: "ROIH", Value: m.Height, Comment: "region height, px"},
		)
		if err != nil {
			fits.Close()
			f.Close()
			return nil, fmt.Errorf("mlog: writing metadata for channel %s: %w", m.Name, err)
		}
		l.roi[m.Name] = ch
		l.order = append(l.order, m.Name)
	}
	return l, nil
}

// Append extends every open channel by exactly one record at frameIndex.
// The full-frame channel takes full; each region channel takes its entry
// from regionStats, or zero statistics if the region has no entry (it
// was disabled or removed after the log was opened).
//
// Appends are atomic per channel, not transactional across channels: a
// failure on one channel does not roll back or stop the others.  The
// first error is returned.
func (l *Log) Append(frameIndex int64, full photon.Stats, regionStats map[string]photon.Stats) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	var first error
	if err := l.full.append(frameIndex, full); err != nil && first == nil {
		first = err
	}
	for _, name := range l.order {
		if err := l.roi[name].append(frameIndex, regionStats[name]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Channels returns the channel names in write order, full-frame first.
func (l *Log) Channels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.order)+1)
	out = append(out, FullFrameChannel)
	out = append(out, l.order...)
	return out
}

// Records returns the number of records held by the named channel, or -1
// for an unknown channel.  Use FullFrameChannel for the full-frame
// stream and the region name for region streams.
func (l *Log) Records(channel string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if channel == FullFrameChannel {
		return l.full.rows
	}
	if ch, ok := l.roi[channel]; ok {
		return ch.rows
	}
	return -1
}

// Close flushes every channel to the container and finalizes the file.
// Idempotent; append after close fails with ErrClosed and does not
// reopen any stream.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var first error
	flush := func(ch *channel) {
		if err := l.fits.Write(ch.tbl); err != nil && first == nil {
			first = fmt.Errorf("mlog: flushing channel %s: %w", ch.name, err)
		}
		if err := ch.tbl.Close(); err != nil && first == nil {
			first = fmt.Errorf("mlog: closing channel %s: %w", ch.name, err)
		}
	}
	flush(l.full)
	for _, name := range l.order {
		flush(l.roi[name])
	}
	if err := l.fits.Close(); err != nil && first == nil {
		first = fmt.Errorf("mlog: closing FITS container: %w", err)
	}
	if err := l.f.Close(); err != nil && first == nil {
		first = fmt.Errorf("mlog: closing log file: %w", err)
	}
	return first
}
