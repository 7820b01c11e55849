package capture

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// SyntheticDevice produces a sine tone in real time. It stands in for a
// microphone in demos and tests.
type SyntheticDevice struct {
	Frame         time.Duration
	Frequency     float64
	Default       Format
	MaxSampleRate int
}

func NewSyntheticDevice(frame time.Duration) *SyntheticDevice {
	return &SyntheticDevice{
		Frame:     frame,
		Frequency: 440,
		Default:   Format{SampleRate: 48000, Channels: 1, BitDepth: bitDepth},
	}
}

func (d *SyntheticDevice) Open(_ context.Context, c Constraints) (Stream, error) {
	f := d.Default
	f.BitDepth = bitDepth
	if c.SampleRate > 0 {
		if d.MaxSampleRate > 0 && c.SampleRate > d.MaxSampleRate {
			return nil, ErrOverconstrained
		}
		f.SampleRate = c.SampleRate
	}
	if c.Channels > 0 {
		f.Channels = c.Channels
	}
	frame := d.Frame
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}

	s := &syntheticStream{
		format:    f,
		frame:     frame,
		frequency: d.Frequency,
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.run()
	return s, nil
}

type syntheticStream struct {
	format    Format
	frame     time.Duration
	frequency float64
	sink      frameSink
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	phase     float64
}

func (s *syntheticStream) Format() Format { return s.format }

func (s *syntheticStream) Subscribe(fn func([]byte)) func() { return s.sink.subscribe(fn) }

func (s *syntheticStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.done
	})
	return nil
}

func (s *syntheticStream) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.frame)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.sink.deliver(s.next())
		}
	}
}

func (s *syntheticStream) next() []byte {
	samples := int(float64(s.format.SampleRate) * s.frame.Seconds())
	out := make([]byte, samples*s.format.Channels*2)
	step := 2 * math.Pi * s.frequency / float64(s.format.SampleRate)
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(s.phase) * 0.25 * math.MaxInt16)
		s.phase += step
		for ch := 0; ch < s.format.Channels; ch++ {
			binary.LittleEndian.PutUint16(out[(i*s.format.Channels+ch)*2:], uint16(v))
		}
	}
	s.phase = math.Mod(s.phase, 2*math.Pi)
	return out
}
