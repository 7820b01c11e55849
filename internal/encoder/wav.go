package encoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-recorder/internal/capture"
)

const (
	MimeWAV = "audio/wav"

	wavPCMFormat = 1
)

// WAV encodes 16-bit PCM into a streaming RIFF/WAVE container. The first
// chunk of a stream carries the header with provisional sizes; Finalize
// patches them once every chunk has been assembled.
type WAV struct{}

func (WAV) MimeType() string { return MimeWAV }

func (WAV) NewStream(f capture.Format) (capture.EncoderStream, error) {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return nil, fmt.Errorf("invalid wav format %d Hz / %d channels", f.SampleRate, f.Channels)
	}
	if f.BitDepth != 0 && f.BitDepth != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d", f.BitDepth)
	}
	sink := &chunkSink{}
	return &wavStream{
		format: f,
		sink:   sink,
		enc:    wav.NewEncoder(sink, f.SampleRate, 16, f.Channels, wavPCMFormat),
	}, nil
}

// Finalize rewrites the RIFF and data chunk sizes of an assembled WAV.
// Payloads that are not RIFF/WAVE are returned unchanged.
func (WAV) Finalize(data []byte) ([]byte, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return data, nil
	}
	out := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))

	off := 12
	for off+8 <= len(out) {
		id := string(out[off : off+4])
		if id == "data" {
			binary.LittleEndian.PutUint32(out[off+4:off+8], uint32(len(out)-off-8))
			return out, nil
		}
		size := int(binary.LittleEndian.Uint32(out[off+4 : off+8]))
		off += 8 + size + size%2
	}
	return nil, errors.New("wav: data chunk not found")
}

type wavStream struct {
	format capture.Format
	sink   *chunkSink
	enc    *wav.Encoder
	carry  []byte
}

// Encode converts whole frames of pcm; a trailing partial frame waits for
// the next call.
func (s *wavStream) Encode(pcm []byte) ([]byte, error) {
	data := make([]byte, 0, len(s.carry)+len(pcm))
	data = append(data, s.carry...)
	data = append(data, pcm...)

	frameBytes := 2 * s.format.Channels
	usable := len(data) - len(data)%frameBytes
	s.carry = append(s.carry[:0], data[usable:]...)
	if usable == 0 {
		return nil, nil
	}

	samples := make([]int, usable/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: s.format.Channels, SampleRate: s.format.SampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := s.enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	return s.sink.take(), nil
}

// chunkSink is the io.WriteSeeker the wav encoder writes into. Bytes are
// handed out with take and forgotten; only positions that have not been
// taken yet can be rewritten.
type chunkSink struct {
	buf  []byte
	base int64
	pos  int64
}

func (c *chunkSink) Write(p []byte) (int, error) {
	if c.pos < c.base {
		return 0, errors.New("wav: write into already emitted bytes")
	}
	off := int(c.pos - c.base)
	if grow := off + len(p) - len(c.buf); grow > 0 {
		c.buf = append(c.buf, make([]byte, grow)...)
	}
	copy(c.buf[off:], p)
	c.pos += int64(len(p))
	return len(p), nil
}

func (c *chunkSink) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = c.pos + offset
	case io.SeekEnd:
		next = c.base + int64(len(c.buf)) + offset
	default:
		return 0, errors.New("wav: invalid whence")
	}
	if next < 0 {
		return 0, errors.New("wav: negative position")
	}
	c.pos = next
	return next, nil
}

func (c *chunkSink) take() []byte {
	out := c.buf
	c.buf = nil
	c.base += int64(len(out))
	if c.pos < c.base {
		c.pos = c.base
	}
	return out
}
