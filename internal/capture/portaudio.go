//go:build portaudio

package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioAvailable reports whether this binary was built with PortAudio.
const PortAudioAvailable = true

// PortAudioDevice captures from the default input device through PortAudio.
type PortAudioDevice struct {
	framesPerBuffer int
	log             *slog.Logger
}

func NewPortAudioDevice(framesPerBuffer int, log *slog.Logger) (Device, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 512
	}
	return &PortAudioDevice{
		framesPerBuffer: framesPerBuffer,
		log:             log.With(slog.String("component", "portaudio-device")),
	}, nil
}

func (d *PortAudioDevice) Open(_ context.Context, c Constraints) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize portaudio: %w", ErrCaptureUnavailable, err)
	}

	channels := c.Channels
	if channels <= 0 {
		channels = 1
	}
	rate := c.SampleRate
	if rate <= 0 {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			portaudio.Terminate()
			return nil, fmt.Errorf("%w: no default input device: %w", ErrCaptureUnavailable, err)
		}
		rate = int(dev.DefaultSampleRate)
	}

	buf := make([]int16, d.framesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(rate), d.framesPerBuffer, buf)
	if err != nil {
		portaudio.Terminate()
		if errors.Is(err, portaudio.InvalidSampleRate) || errors.Is(err, portaudio.InvalidChannelCount) {
			return nil, fmt.Errorf("%w: %w", ErrOverconstrained, err)
		}
		return nil, fmt.Errorf("%w: open input stream: %w", ErrCaptureUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input stream: %w", ErrCaptureUnavailable, err)
	}

	s := &portAudioStream{
		format: Format{SampleRate: rate, Channels: channels, BitDepth: bitDepth},
		stream: stream,
		buf:    buf,
		done:   make(chan struct{}),
		log:    d.log,
	}
	go s.read()
	return s, nil
}

type portAudioStream struct {
	format    Format
	stream    *portaudio.Stream
	buf       []int16
	sink      frameSink
	done      chan struct{}
	closeOnce sync.Once
	closing   bool
	mu        sync.Mutex
	log       *slog.Logger
}

func (s *portAudioStream) Format() Format { return s.format }

func (s *portAudioStream) Subscribe(fn func([]byte)) func() { return s.sink.subscribe(fn) }

func (s *portAudioStream) read() {
	defer close(s.done)
	for {
		if err := s.stream.Read(); err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing && !errors.Is(err, portaudio.InputOverflowed) {
				s.log.Warn("portaudio read failed", slog.String("error", err.Error()))
				return
			}
			if closing {
				return
			}
			continue
		}
		frame := make([]byte, len(s.buf)*2)
		for i, v := range s.buf {
			binary.LittleEndian.PutUint16(frame[i*2:], uint16(v))
		}
		s.sink.deliver(frame)
	}
}

func (s *portAudioStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		stopErr := s.stream.Stop()
		<-s.done
		err = errors.Join(stopErr, s.stream.Close(), portaudio.Terminate())
	})
	return err
}
