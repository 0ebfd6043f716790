package impl

import (
	"bytes"
	"image/jpeg"
	"io"

	"github.com/rs/zerolog"
	"go.dedis.ch/framerelay/metrics"
	"go.dedis.ch/framerelay/types"
)

const (
	// DefaultMaxBuffer caps the bytes a ScanDecoder holds while waiting for
	// an end marker. It is a few times the size of a large camera frame.
	DefaultMaxBuffer = 4 << 20

	// ReadChunkSize is how many bytes a FrameReader asks for per read.
	ReadChunkSize = 1024
)

var (
	startMarker = []byte{0xFF, 0xD8}
	endMarker   = []byte{0xFF, 0xD9}
)

// Codec inspects a frame payload before it is emitted.
type Codec interface {
	// DecodeConfig returns the image dimensions, or an error if the payload
	// can't be decoded.
	DecodeConfig(data []byte) (width, height int, err error)
}

// JPEGCodec validates payloads as JPEG images.
type JPEGCodec struct{}

// DecodeConfig implements impl.Codec
func (JPEGCodec) DecodeConfig(data []byte) (int, int, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// DecoderStats are the counters of a ScanDecoder.
type DecoderStats struct {
	Bytes    uint64
	Frames   uint64
	Rejected uint64
	Resets   uint64
}

// DecoderOption configures a ScanDecoder.
type DecoderOption func(*ScanDecoder)

// WithMaxBuffer sets the buffer cap. Values below the size of both markers are
// ignored.
func WithMaxBuffer(n int) DecoderOption {
	return func(d *ScanDecoder) {
		if n >= len(startMarker)+len(endMarker) {
			d.max = n
		}
	}
}

// WithCodec makes the decoder drop frames the codec can't decode.
func WithCodec(c Codec) DecoderOption {
	return func(d *ScanDecoder) {
		d.codec = c
	}
}

// WithDecoderLogger sets the logger.
func WithDecoderLogger(l zerolog.Logger) DecoderOption {
	return func(d *ScanDecoder) {
		d.logger = l
	}
}

// WithDecoderMetrics records buffer resets.
func WithDecoderMetrics(m *metrics.Relay) DecoderOption {
	return func(d *ScanDecoder) {
		d.metrics = m
	}
}

// NewScanDecoder returns a decoder for one stream. It must not be reused for
// another stream.
func NewScanDecoder(opts ...DecoderOption) *ScanDecoder {
	d := &ScanDecoder{
		max:    DefaultMaxBuffer,
		logger: logger.With().Str("component", "decoder").Logger(),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// ScanDecoder extracts JPEG frames from a byte stream by looking for the
// start of image (FF D8) and end of image (FF D9) markers. It is not safe for
// concurrent use.
type ScanDecoder struct {
	buf     []byte
	max     int
	codec   Codec
	logger  zerolog.Logger
	metrics *metrics.Relay
	stats   DecoderStats

	// scanned is the offset in buf where the search for the end marker of
	// the pending frame resumes.
	scanned int
}

// Feed appends a chunk to the buffer and returns every frame completed by it,
// in stream order.
func (d *ScanDecoder) Feed(chunk []byte) []types.Frame {
	d.stats.Bytes += uint64(len(chunk))
	d.buf = append(d.buf, chunk...)

	var frames []types.Frame

	for {
		start := bytes.Index(d.buf, startMarker)
		if start < 0 {
			d.dropGarbage()
			break
		}

		if start > 0 {
			d.buf = append(d.buf[:0], d.buf[start:]...)
			d.scanned = 0
		}

		// the end marker must not overlap the start marker
		from := len(startMarker)
		if d.scanned > from {
			from = d.scanned
		}

		end := bytes.Index(d.buf[from:], endMarker)
		if end < 0 {
			// the last byte may be the first half of the end marker
			d.scanned = len(d.buf) - 1
			break
		}
		end += from + len(endMarker)
		d.scanned = 0

		data := make([]byte, end)
		copy(data, d.buf[:end])
		d.buf = append(d.buf[:0], d.buf[end:]...)

		frame, err := d.newFrame(data)
		if err != nil {
			d.stats.Rejected++
			d.logger.Debug().Err(err).Int("size", len(data)).Msg("dropping frame")
			continue
		}

		d.stats.Frames++
		frames = append(frames, frame)
	}

	if len(d.buf) > d.max {
		d.stats.Resets++
		d.metrics.DecoderReset()
		d.logger.Warn().
			Err(NewError(KindBufferOverflow, "scan", nil)).
			Int("buffered", len(d.buf)).
			Int("max", d.max).
			Msg("no end marker found, resetting scan buffer")
		d.buf = d.buf[:0]
		d.scanned = 0
	}

	return frames
}

// dropGarbage discards the buffer when it holds no start marker. A trailing
// FF is kept since it may be the first half of a marker.
func (d *ScanDecoder) dropGarbage() {
	d.scanned = 0

	n := len(d.buf)
	if n > 0 && d.buf[n-1] == startMarker[0] {
		d.buf = append(d.buf[:0], startMarker[0])
		return
	}
	d.buf = d.buf[:0]
}

func (d *ScanDecoder) newFrame(data []byte) (types.Frame, error) {
	frame := types.NewFrame(data, types.EncodingJPEG)

	if d.codec == nil {
		return frame, nil
	}

	w, h, err := d.codec.DecodeConfig(data)
	if err != nil {
		return types.Frame{}, NewError(KindMalformedData, "decode", err)
	}

	frame.Width = w
	frame.Height = h

	return frame, nil
}

// Buffered returns the number of bytes waiting for an end marker.
func (d *ScanDecoder) Buffered() int {
	return len(d.buf)
}

// Stats returns the decoder counters.
func (d *ScanDecoder) Stats() DecoderStats {
	return d.stats
}

// NewFrameReader returns a lazy sequence of the frames found in r.
func NewFrameReader(r io.Reader, opts ...DecoderOption) *FrameReader {
	return &FrameReader{
		r:       r,
		decoder: NewScanDecoder(opts...),
		chunk:   make([]byte, ReadChunkSize),
	}
}

// FrameReader reads frames out of a byte stream. It is not restartable: once
// Next returned an error, it keeps returning it.
type FrameReader struct {
	r       io.Reader
	decoder *ScanDecoder
	chunk   []byte
	pending []types.Frame
	err     error
}

// Next returns the next frame. It returns io.EOF once the stream ended;
// bytes of an incomplete trailing frame are discarded.
func (fr *FrameReader) Next() (types.Frame, error) {
	for len(fr.pending) == 0 {
		if fr.err != nil {
			return types.Frame{}, fr.err
		}

		n, err := fr.r.Read(fr.chunk)
		if n > 0 {
			fr.pending = fr.decoder.Feed(fr.chunk[:n])
		}

		if err == io.EOF {
			fr.err = io.EOF
		} else if err != nil {
			fr.err = NewError(KindTransientIO, "read stream", err)
		}
	}

	frame := fr.pending[0]
	fr.pending = fr.pending[1:]

	return frame, nil
}

// Stats returns the counters of the underlying decoder.
func (fr *FrameReader) Stats() DecoderStats {
	return fr.decoder.Stats()
}
