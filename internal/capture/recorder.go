package capture

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	MimeType string
	// Timeslice is how often buffered audio is flushed as a chunk while
	// recording. Zero flushes only on Stop and RequestData.
	Timeslice time.Duration
	// Encoders defaults to DefaultEncoders.
	Encoders *EncoderRegistry
}

// Recorder encodes frames from a Stream and hands encoded chunks to a
// callback. Chunks are emitted from a single goroutine per run, so the
// callback sees them in capture order.
type Recorder struct {
	stream Stream
	enc    Encoder
	opts   RecorderOptions
	onData func([]byte)
	log    *slog.Logger

	ctl         sync.Mutex
	running     bool
	unsubscribe func()
	stop        chan struct{}
	done        chan struct{}
	flushReq    chan chan struct{}

	mu      sync.Mutex
	pending []byte
	es      EncoderStream
}

// NewRecorder binds a recorder to stream. It fails with ErrCaptureUnavailable
// when no encoder is registered for the mime type.
func NewRecorder(stream Stream, opts RecorderOptions, onData func([]byte), log *slog.Logger) (*Recorder, error) {
	registry := opts.Encoders
	if registry == nil {
		registry = DefaultEncoders
	}
	enc, ok := registry.Lookup(opts.MimeType)
	if !ok {
		return nil, fmt.Errorf("%w: no encoder registered for %s", ErrCaptureUnavailable, opts.MimeType)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		stream: stream,
		enc:    enc,
		opts:   opts,
		onData: onData,
		log:    log,
	}, nil
}

// Start begins or resumes capture. Calling Start on a running recorder is a no-op.
func (r *Recorder) Start() error {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	if r.running {
		return nil
	}

	r.mu.Lock()
	if r.es == nil {
		es, err := r.enc.NewStream(r.stream.Format())
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
		}
		r.es = es
	}
	r.mu.Unlock()

	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.flushReq = make(chan chan struct{})
	r.unsubscribe = r.stream.Subscribe(r.handleFrame)
	r.running = true
	go r.run(r.stop, r.done, r.flushReq)
	return nil
}

// Stop halts capture and emits whatever was buffered before returning.
func (r *Recorder) Stop() {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	if !r.running {
		return
	}
	r.unsubscribe()
	close(r.stop)
	<-r.done
	r.running = false
}

// RequestData flushes buffered audio as a chunk now, like a timeslice tick.
func (r *Recorder) RequestData() {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	if !r.running {
		return
	}
	ack := make(chan struct{})
	r.flushReq <- ack
	<-ack
}

// ResetEncoding drops buffered audio and starts a fresh encoded stream, so
// the next chunk is a self-contained beginning again.
func (r *Recorder) ResetEncoding() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	r.es = nil
}

func (r *Recorder) handleFrame(frame []byte) {
	r.mu.Lock()
	r.pending = append(r.pending, frame...)
	r.mu.Unlock()
}

func (r *Recorder) run(stop, done chan struct{}, flushReq chan chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if r.opts.Timeslice > 0 {
		ticker := time.NewTicker(r.opts.Timeslice)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			r.flush()
		case ack := <-flushReq:
			r.flush()
			close(ack)
		case <-stop:
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	pcm := r.pending
	r.pending = nil
	if r.es == nil {
		es, err := r.enc.NewStream(r.stream.Format())
		if err != nil {
			r.mu.Unlock()
			r.log.Warn("failed to restart encoder stream", slog.String("error", err.Error()))
			return
		}
		r.es = es
	}
	es := r.es
	r.mu.Unlock()

	if len(pcm) == 0 {
		r.onData(nil)
		return
	}
	data, err := es.Encode(pcm)
	if err != nil {
		r.log.Warn("failed to encode audio", slog.String("error", err.Error()))
		return
	}
	r.onData(data)
}
