package encoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-recorder/internal/capture"
)

func pcmRamp(samples int) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(i*7-300)))
	}
	return out
}

func TestWAVStreamAssemblesDecodableFile(t *testing.T) {
	stream, err := WAV{}.NewStream(capture.Format{SampleRate: 22050, Channels: 1, BitDepth: 16})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}

	pcm := pcmRamp(1000)
	var chunks [][]byte
	// Odd split sizes exercise the partial-sample carry.
	for _, part := range [][]byte{pcm[:301], pcm[301:1200], pcm[1200:]} {
		chunk, err := stream.Encode(part)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if len(chunk) > 0 {
			chunks = append(chunks, chunk)
		}
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if string(chunks[0][:4]) != "RIFF" {
		t.Fatal("expected header in the first chunk")
	}

	assembled := bytes.Join(chunks, nil)
	final, err := WAV{}.Finalize(assembled)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if len(final) != len(assembled) {
		t.Fatalf("finalize changed length %d -> %d", len(assembled), len(final))
	}
	if got := binary.LittleEndian.Uint32(final[4:8]); int(got) != len(final)-8 {
		t.Fatalf("riff size %d, want %d", got, len(final)-8)
	}

	dec := wav.NewDecoder(bytes.NewReader(final))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 22050 || dec.NumChans != 1 {
		t.Fatalf("unexpected format %d Hz / %d channels", dec.SampleRate, dec.NumChans)
	}
	if len(buf.Data) != 1000 {
		t.Fatalf("expected 1000 samples, got %d", len(buf.Data))
	}
	if buf.Data[0] != -300 || buf.Data[999] != 999*7-300 {
		t.Fatalf("unexpected samples %d..%d", buf.Data[0], buf.Data[999])
	}
}

func TestWAVStreamHoldsPartialFrames(t *testing.T) {
	stream, err := WAV{}.NewStream(capture.Format{SampleRate: 8000, Channels: 2})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	chunk, err := stream.Encode([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(chunk) != 0 {
		t.Fatalf("expected nothing for a partial frame, got %d bytes", len(chunk))
	}
	chunk, err = stream.Encode([]byte{4})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(chunk) != 44+4 {
		t.Fatalf("expected header and one frame, got %d bytes", len(chunk))
	}
}

func TestWAVRejectsBadFormat(t *testing.T) {
	if _, err := (WAV{}).NewStream(capture.Format{SampleRate: 0, Channels: 1}); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
	if _, err := (WAV{}).NewStream(capture.Format{SampleRate: 8000, Channels: 1, BitDepth: 24}); err == nil {
		t.Fatal("expected error for 24-bit input")
	}
}

func TestWAVFinalizePassesThroughRawData(t *testing.T) {
	raw := bytes.Repeat([]byte{0xAB}, 6144)
	out, err := WAV{}.Finalize(raw)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !bytes.Equal(out, raw) {
		t.Fatal("expected raw payload unchanged")
	}
}

type countingBackend struct {
	calls atomic.Int32
	fail  atomic.Bool
}

func (b *countingBackend) Connect(context.Context) (capture.Encoder, error) {
	b.calls.Add(1)
	if b.fail.Load() {
		return nil, errors.New("backend offline")
	}
	return WAV{}, nil
}

func TestRegistrarRegistersOnce(t *testing.T) {
	backend := &countingBackend{}
	reg := capture.NewEncoderRegistry()
	r := NewRegistrar(backend, reg.Register)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Ensure(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	if got := backend.calls.Load(); got != 1 {
		t.Fatalf("expected one backend connect, got %d", got)
	}
	if _, ok := reg.Lookup(MimeWAV); !ok {
		t.Fatal("expected wav encoder registered")
	}
}

func TestRegistrarRetriesAfterFailure(t *testing.T) {
	backend := &countingBackend{}
	backend.fail.Store(true)
	reg := capture.NewEncoderRegistry()
	r := NewRegistrar(backend, reg.Register)

	err := r.Ensure(context.Background())
	if !errors.Is(err, capture.ErrCaptureUnavailable) {
		t.Fatalf("expected capture unavailable, got %v", err)
	}

	backend.fail.Store(false)
	if err := r.Ensure(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := backend.calls.Load(); got != 2 {
		t.Fatalf("expected two connects, got %d", got)
	}
}

func TestEnsureRegisteredUsesDefaultRegistry(t *testing.T) {
	if err := EnsureRegistered(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := EnsureRegistered(context.Background()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if _, ok := capture.DefaultEncoders.Lookup(MimeWAV); !ok {
		t.Fatal("expected wav in default registry")
	}
}
