package capture

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrCaptureUnavailable means no recorder can be built: the encoder
	// backend failed to register or the device has no usable audio input.
	ErrCaptureUnavailable = errors.New("capture unavailable")
	// ErrPermissionDenied means access to the microphone was refused.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrOverconstrained is returned by a Device that cannot satisfy the
	// requested constraints. Callers retry with default parameters.
	ErrOverconstrained = errors.New("capture constraints not satisfiable")
)

const bitDepth = 16

// Format describes the PCM layout a stream delivers. Samples are signed
// 16-bit little endian, interleaved.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Constraints are requested stream parameters. Zero fields mean "device default".
type Constraints struct {
	SampleRate int
	Channels   int
}

// Device hands out hardware audio streams.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live hardware capture. Frames are delivered to at most one
// subscriber, in capture order, from a single goroutine. After the cancel
// func returns no further frames reach that subscriber. Close stops all
// underlying tracks.
type Stream interface {
	Format() Format
	Subscribe(fn func(frame []byte)) (cancel func())
	Close() error
}

type frameSink struct {
	mu sync.Mutex
	fn func([]byte)
}

func (s *frameSink) subscribe(fn func([]byte)) func() {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.fn = nil
		s.mu.Unlock()
	}
}

func (s *frameSink) deliver(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fn != nil {
		s.fn(frame)
	}
}
