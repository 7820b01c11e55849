package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// BufferInfo summarises the chunk buffer for observers.
type BufferInfo struct {
	Chunks int
	Bytes  int
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	Constraints Constraints
	Recorder    RecorderOptions
	// Prepare runs before a capture session is created, typically encoder
	// registration. Its failure aborts Start with ErrCaptureUnavailable.
	Prepare func(ctx context.Context) error
	// Observer is told about every change to the chunk buffer.
	Observer func(BufferInfo)
}

// Controller owns the microphone stream, its recorder and the chunk buffer.
type Controller struct {
	device Device
	opts   ControllerOptions
	log    *slog.Logger

	mu        sync.Mutex
	stream    Stream
	recorder  *Recorder
	recording bool

	bufMu  sync.Mutex
	chunks [][]byte
}

func NewController(device Device, opts ControllerOptions, log *slog.Logger) *Controller {
	return &Controller{
		device: device,
		opts:   opts,
		log:    log.With(slog.String("component", "capture")),
	}
}

// Start opens the session if needed and begins capture. No-op while recording.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return nil
	}

	if c.opts.Prepare != nil {
		if err := c.opts.Prepare(ctx); err != nil {
			if !errors.Is(err, ErrCaptureUnavailable) {
				err = fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
			}
			c.log.Warn("capture backend not ready", slogError(err))
			return err
		}
	}

	if c.stream == nil {
		stream, err := c.open(ctx)
		if err != nil {
			c.log.Warn("failed to open capture stream", slogError(err))
			return err
		}
		c.stream = stream
		f := stream.Format()
		c.log.Info("capture session opened",
			slog.Int("sample_rate", f.SampleRate),
			slog.Int("channels", f.Channels))
	}

	if c.recorder == nil {
		rec, err := NewRecorder(c.stream, c.opts.Recorder, c.handleChunk, c.log)
		if err != nil {
			c.closeStream()
			c.log.Warn("failed to create recorder", slogError(err))
			return err
		}
		c.recorder = rec
	}

	if err := c.recorder.Start(); err != nil {
		c.log.Warn("failed to start recorder", slogError(err))
		return err
	}
	c.recording = true
	return nil
}

func (c *Controller) open(ctx context.Context) (Stream, error) {
	stream, err := c.device.Open(ctx, c.opts.Constraints)
	if errors.Is(err, ErrOverconstrained) {
		c.log.Info("constraints not supported, using default stream parameters", slogError(err))
		stream, err = c.device.Open(ctx, Constraints{})
	}
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrCaptureUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}
	return stream, nil
}

// Stop halts capture and waits for the final chunk. The stream stays open.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return
	}
	c.recorder.Stop()
	c.recording = false
}

// RequestData asks the recorder to flush what it has buffered as a chunk.
func (c *Controller) RequestData() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		c.recorder.RequestData()
	}
}

// Reset empties the chunk buffer but keeps the session for another take.
func (c *Controller) Reset() {
	c.mu.Lock()
	if c.recording {
		c.recorder.Stop()
		c.recording = false
	}
	if c.recorder != nil {
		c.recorder.ResetEncoding()
	}
	c.mu.Unlock()

	c.bufMu.Lock()
	c.chunks = nil
	c.bufMu.Unlock()
	c.notify(BufferInfo{})
}

// Release stops every hardware track. Calling it without a session is a no-op.
func (c *Controller) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		c.recorder.Stop()
		c.recording = false
	}
	if c.stream == nil {
		return nil
	}
	err := c.closeStream()
	if err != nil {
		return fmt.Errorf("release capture stream: %w", err)
	}
	c.log.Info("capture session released")
	return nil
}

func (c *Controller) closeStream() error {
	err := c.stream.Close()
	c.stream = nil
	c.recorder = nil
	return err
}

// HasSession reports whether a hardware stream is currently held.
func (c *Controller) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Chunks returns the buffered chunks in arrival order.
func (c *Controller) Chunks() [][]byte {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	out := make([][]byte, len(c.chunks))
	copy(out, c.chunks)
	return out
}

func (c *Controller) Buffer() BufferInfo {
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	return c.bufferInfoLocked()
}

func (c *Controller) handleChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	c.bufMu.Lock()
	c.chunks = append(c.chunks, chunk)
	info := c.bufferInfoLocked()
	c.bufMu.Unlock()
	c.notify(info)
}

func (c *Controller) bufferInfoLocked() BufferInfo {
	info := BufferInfo{Chunks: len(c.chunks)}
	for _, chunk := range c.chunks {
		info.Bytes += len(chunk)
	}
	return info
}

func (c *Controller) notify(info BufferInfo) {
	if c.opts.Observer != nil {
		c.opts.Observer(info)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
