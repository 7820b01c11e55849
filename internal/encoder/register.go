package encoder

import (
	"context"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-recorder/internal/capture"
)

// Backend hands out an encoder once connected.
type Backend interface {
	Connect(ctx context.Context) (capture.Encoder, error)
}

// LocalBackend is the in-process go-audio WAV encoder.
type LocalBackend struct{}

func (LocalBackend) Connect(ctx context.Context) (capture.Encoder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return WAV{}, nil
}

// Registrar connects a backend and registers its encoder exactly once.
// Failures are not remembered, so a later call tries again.
type Registrar struct {
	backend  Backend
	register func(capture.Encoder) error

	mu   sync.Mutex
	done bool
}

func NewRegistrar(backend Backend, register func(capture.Encoder) error) *Registrar {
	return &Registrar{backend: backend, register: register}
}

func (r *Registrar) Ensure(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return nil
	}
	enc, err := r.backend.Connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: connect wav encoder: %w", capture.ErrCaptureUnavailable, err)
	}
	if err := r.register(enc); err != nil {
		return fmt.Errorf("%w: register wav encoder: %w", capture.ErrCaptureUnavailable, err)
	}
	r.done = true
	return nil
}

var defaultRegistrar = NewRegistrar(LocalBackend{}, capture.RegisterEncoder)

// EnsureRegistered registers the WAV encoder with the process-wide capture
// registry. Safe to call from any goroutine, any number of times.
func EnsureRegistered(ctx context.Context) error {
	return defaultRegistrar.Ensure(ctx)
}
