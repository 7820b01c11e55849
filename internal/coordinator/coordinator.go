package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-recorder/internal/capture"
	"github.com/loqalabs/loqa-recorder/internal/eventstore"
	"github.com/loqalabs/loqa-recorder/internal/workitem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrEmptySubmission = errors.New("nothing recorded to submit")
	ErrComplete        = errors.New("all work items complete")
	ErrBusy            = errors.New("request in flight")
	ErrNoWorkItem      = errors.New("no current work item")
)

// Capture is the part of the capture controller the coordinator drives.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	Reset()
	Release() error
	RequestData()
	HasSession() bool
	Chunks() [][]byte
	Buffer() capture.BufferInfo
}

type Fetcher interface {
	Next(ctx context.Context) (workitem.WorkItem, error)
}

type Uploader interface {
	Submit(ctx context.Context, name string, recording []byte) error
}

type Journal interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type Options struct {
	Capture  Capture
	Fetcher  Fetcher
	Uploader Uploader
	// Finalize fixes up the assembled recording before upload.
	Finalize func([]byte) ([]byte, error)
	Journal  Journal
	// Meter defaults to the global meter provider.
	Meter    metric.Meter
}

// Coordinator runs the fetch, record, submit loop for one item at a time.
type Coordinator struct {
	capture  Capture
	fetcher  Fetcher
	uploader Uploader
	finalize func([]byte) ([]byte, error)
	journal  Journal
	log      *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics

	// opMu serialises operations that touch capture. It is never held across
	// a network request.
	opMu sync.Mutex

	mu        sync.Mutex
	phase     Phase
	item      *workitem.WorkItem
	sessionID string
	buffer    capture.BufferInfo
	lastErr   string
	capOpen   bool

	lsMu      sync.Mutex
	listeners map[int]func(Snapshot)
	nextID    int
}

func New(opts Options, log *slog.Logger) *Coordinator {
	log = log.With(slog.String("component", "coordinator"))
	c := &Coordinator{
		capture:   opts.Capture,
		fetcher:   opts.Fetcher,
		uploader:  opts.Uploader,
		finalize:  opts.Finalize,
		journal:   opts.Journal,
		log:       log,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-recorder/coordinator"),
		phase:     PhaseIdle,
		listeners: make(map[int]func(Snapshot)),
	}
	m, err := newMetrics(c, opts.Meter)
	if err != nil {
		log.Warn("failed to initialize metrics", slogError(err))
	}
	c.metrics = m
	return c
}

// Snapshot returns the current observable state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	s := Snapshot{
		Phase:      c.phase,
		SessionID:  c.sessionID,
		Chunks:     c.buffer.Chunks,
		Bytes:      c.buffer.Bytes,
		Recording:  c.phase == PhaseRecording,
		Submitting: c.phase == PhaseSubmitting,
		Complete:   c.phase == PhaseComplete,
		LastError:  c.lastErr,

		CaptureOpen: c.capOpen,
	}
	if c.item != nil {
		item := *c.item
		s.Item = &item
	}
	return s
}

// Subscribe registers fn for every state change. The returned func removes it.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.lsMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.lsMu.Unlock()
	return func() {
		c.lsMu.Lock()
		delete(c.listeners, id)
		c.lsMu.Unlock()
	}
}

func (c *Coordinator) publish() {
	snap := c.Snapshot()
	c.lsMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.lsMu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

// OnBufferChanged is the capture observer. It runs on the recorder goroutine.
func (c *Coordinator) OnBufferChanged(info capture.BufferInfo) {
	c.mu.Lock()
	grew := info.Chunks > c.buffer.Chunks
	c.buffer = info
	c.mu.Unlock()
	if grew && c.metrics != nil {
		c.metrics.chunks.Add(context.Background(), 1)
	}
	c.publish()
}

func (c *Coordinator) setPhase(p Phase, lastErr string) {
	c.mu.Lock()
	c.phase = p
	c.lastErr = lastErr
	c.mu.Unlock()
	c.publish()
}

// Load performs the initial fetch.
func (c *Coordinator) Load(ctx context.Context) error {
	return c.Reload(ctx)
}

// Reload fetches the current item again, typically after a failed fetch.
// It is only allowed while nothing is recorded.
func (c *Coordinator) Reload(ctx context.Context) error {
	c.opMu.Lock()
	c.mu.Lock()
	switch {
	case c.phase == PhaseComplete:
		c.mu.Unlock()
		c.opMu.Unlock()
		return ErrComplete
	case c.phase != PhaseIdle:
		phase := c.phase
		c.mu.Unlock()
		c.opMu.Unlock()
		c.log.Warn("reload ignored", slog.String("phase", string(phase)))
		return fmt.Errorf("%w: cannot reload while %s", ErrBusy, phase)
	}
	c.phase = PhaseFetching
	c.mu.Unlock()
	c.opMu.Unlock()
	c.publish()

	return c.fetchNext(ctx)
}

// fetchNext runs with the phase set to fetching and opMu released.
func (c *Coordinator) fetchNext(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "workitem.fetch")
	defer span.End()

	item, err := c.fetcher.Next(ctx)
	switch {
	case errors.Is(err, workitem.ErrNoMoreWork):
		c.opMu.Lock()
		if rerr := c.capture.Release(); rerr != nil {
			c.log.Warn("failed to release capture", slogError(rerr))
		}
		c.mu.Lock()
		c.phase = PhaseComplete
		c.capOpen = false
		c.item = nil
		c.lastErr = ""
		sessionID := c.sessionID
		c.mu.Unlock()
		c.opMu.Unlock()

		c.countFetch(ctx, "complete")
		span.SetAttributes(attribute.Bool("recorder.complete", true))
		c.record(ctx, eventstore.Event{SessionID: sessionID, Type: eventstore.TypeWorkComplete})
		c.log.Info("all work items complete")
		c.publish()
		return nil

	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.countFetch(ctx, "error")
		c.mu.Lock()
		sessionID, prev := c.sessionID, c.item
		c.mu.Unlock()
		evt := eventstore.Event{SessionID: sessionID, Type: eventstore.TypeFetchFailed, Payload: []byte(err.Error())}
		if prev != nil {
			evt.FileName = prev.FileName
		}
		c.record(ctx, evt)
		c.setPhase(PhaseIdle, err.Error())
		return err
	}

	c.opMu.Lock()
	c.capture.Reset()
	c.mu.Lock()
	c.item = &item
	c.sessionID = uuid.NewString()
	c.phase = PhaseIdle
	c.lastErr = ""
	sessionID := c.sessionID
	c.mu.Unlock()
	c.opMu.Unlock()

	span.SetAttributes(attribute.String("recorder.file_name", item.FileName))
	c.countFetch(ctx, "item")
	c.record(ctx, eventstore.Event{
		SessionID: sessionID,
		FileName:  item.FileName,
		Type:      eventstore.TypeItemFetched,
		Payload:   []byte(item.Transcript),
	})
	c.publish()
	return nil
}

// Start begins or resumes capture for the current item.
func (c *Coordinator) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	phase, hasItem, sessionID := c.phase, c.item != nil, c.sessionID
	c.mu.Unlock()
	switch {
	case phase == PhaseComplete:
		c.log.Warn("start ignored, all work complete")
		return ErrComplete
	case phase.Busy():
		c.log.Warn("start ignored", slog.String("phase", string(phase)))
		return ErrBusy
	case phase == PhaseRecording:
		return nil
	case !hasItem:
		c.log.Warn("start ignored, no work item")
		return ErrNoWorkItem
	}

	err := c.capture.Start(ctx)
	c.syncCaptureLocked()
	if err != nil {
		c.log.Warn("capture start failed", slogError(err))
		c.record(ctx, eventstore.Event{SessionID: sessionID, Type: eventstore.TypeCaptureFailed, Payload: []byte(err.Error())})
		c.setPhase(phase, err.Error())
		return err
	}
	c.record(ctx, eventstore.Event{SessionID: sessionID, Type: eventstore.TypeRecordingStarted})
	c.setPhase(PhaseRecording, "")
	return nil
}

// Stop halts capture. Without buffered audio the loop returns to idle.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	phase, sessionID := c.phase, c.sessionID
	c.mu.Unlock()
	if phase != PhaseRecording {
		return nil
	}
	c.stopCaptureLocked(ctx, sessionID)
	return nil
}

// stopCaptureLocked must be called with opMu held while recording.
func (c *Coordinator) stopCaptureLocked(ctx context.Context, sessionID string) {
	c.capture.Stop()
	info := c.capture.Buffer()
	next := PhaseIdle
	if info.Chunks > 0 {
		next = PhaseStopped
	}
	c.mu.Lock()
	c.buffer = info
	c.mu.Unlock()
	c.record(ctx, eventstore.Event{
		SessionID: sessionID,
		Type:      eventstore.TypeRecordingStopped,
		Payload:   []byte(fmt.Sprintf(`{"chunks":%d,"bytes":%d}`, info.Chunks, info.Bytes)),
	})
	c.setPhase(next, "")
}

// Reset discards the recorded audio and keeps the capture session.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	phase, sessionID := c.phase, c.sessionID
	c.mu.Unlock()
	switch {
	case phase == PhaseComplete:
		return ErrComplete
	case phase.Busy():
		c.log.Warn("reset ignored", slog.String("phase", string(phase)))
		return ErrBusy
	}
	c.capture.Reset()
	c.record(ctx, eventstore.Event{SessionID: sessionID, Type: eventstore.TypeRecordingReset})
	c.setPhase(PhaseIdle, "")
	return nil
}

// Submit uploads the buffered recording for the current item and, on
// success, fetches the next one. A failed upload keeps the buffer and the
// capture session so the submission can be retried.
func (c *Coordinator) Submit(ctx context.Context) error {
	c.opMu.Lock()
	c.mu.Lock()
	phase, sessionID := c.phase, c.sessionID
	var item workitem.WorkItem
	if c.item != nil {
		item = *c.item
	}
	hasItem := c.item != nil
	c.mu.Unlock()

	var rejected error
	switch {
	case phase == PhaseComplete:
		rejected = ErrComplete
	case phase.Busy():
		rejected = ErrBusy
	case !hasItem:
		rejected = ErrNoWorkItem
	}
	if rejected != nil {
		c.opMu.Unlock()
		c.log.Warn("submit ignored", slog.String("phase", string(phase)), slogError(rejected))
		return rejected
	}

	if phase == PhaseRecording {
		c.stopCaptureLocked(ctx, sessionID)
	}
	chunks := c.capture.Chunks()
	if len(chunks) == 0 {
		c.opMu.Unlock()
		c.log.Warn("submit ignored, nothing recorded", slog.String("file_name", item.FileName))
		return ErrEmptySubmission
	}
	c.mu.Lock()
	c.phase = PhaseSubmitting
	c.lastErr = ""
	c.mu.Unlock()
	c.opMu.Unlock()
	c.publish()

	if err := c.upload(ctx, item.FileName, sessionID, chunks); err != nil {
		c.record(ctx, eventstore.Event{
			SessionID: sessionID,
			FileName:  item.FileName,
			Type:      eventstore.TypeSubmissionFailed,
			Payload:   []byte(err.Error()),
		})
		c.setPhase(PhaseStopped, err.Error())
		return err
	}

	c.opMu.Lock()
	c.capture.Reset()
	if err := c.capture.Release(); err != nil {
		c.log.Warn("failed to release capture", slogError(err))
	}
	c.mu.Lock()
	c.phase = PhaseFetching
	c.capOpen = false
	c.mu.Unlock()
	c.opMu.Unlock()
	c.publish()

	if err := c.fetchNext(ctx); err != nil {
		c.log.Warn("next work item unavailable after submission", slogError(err))
	}
	return nil
}

func (c *Coordinator) upload(ctx context.Context, name, sessionID string, chunks [][]byte) error {
	ctx, span := c.tracer.Start(ctx, "workitem.submit", trace.WithAttributes(
		attribute.String("recorder.file_name", name),
		attribute.Int("recorder.chunks", len(chunks)),
	))
	defer span.End()

	data := bytes.Join(chunks, nil)
	if c.finalize != nil {
		out, err := c.finalize(data)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.countSubmission(ctx, "error", len(data))
			return fmt.Errorf("finalize recording: %w", err)
		}
		data = out
	}

	if err := c.uploader.Submit(ctx, name, data); err != nil {
		if !errors.Is(err, workitem.ErrNetworkFailure) {
			err = fmt.Errorf("%w: %w", workitem.ErrNetworkFailure, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.countSubmission(ctx, "error", len(data))
		c.log.Warn("submission failed", slog.String("file_name", name), slogError(err))
		return err
	}

	c.countSubmission(ctx, "ok", len(data))
	c.record(ctx, eventstore.Event{
		SessionID: sessionID,
		FileName:  name,
		Type:      eventstore.TypeSubmitted,
		Payload:   []byte(fmt.Sprintf(`{"bytes":%d}`, len(data))),
	})
	c.log.Info("recording submitted", slog.String("file_name", name), slog.Int("bytes", len(data)))
	return nil
}

// Close releases the capture session and stops reporting metrics.
func (c *Coordinator) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.metrics.close(); err != nil {
		c.log.Warn("failed to unregister metrics", slogError(err))
	}
	err := c.capture.Release()
	c.syncCaptureLocked()
	return err
}

// Flush asks capture to emit what it has buffered as a chunk, so the
// snapshot reflects audio recorded since the last timeslice.
func (c *Coordinator) Flush() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	recording := c.phase == PhaseRecording
	c.mu.Unlock()
	if recording {
		c.capture.RequestData()
	}
}

// syncCaptureLocked must be called with opMu held.
func (c *Coordinator) syncCaptureLocked() {
	open := c.capture.HasSession()
	c.mu.Lock()
	c.capOpen = open
	c.mu.Unlock()
}

func (c *Coordinator) record(ctx context.Context, evt eventstore.Event) {
	if c.journal == nil {
		return
	}
	if evt.FileName == "" {
		c.mu.Lock()
		if c.item != nil {
			evt.FileName = c.item.FileName
		}
		c.mu.Unlock()
	}
	if err := c.journal.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		c.log.Warn("failed to journal event", slog.String("type", evt.Type), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
