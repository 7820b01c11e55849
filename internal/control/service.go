package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/coordinator"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Recorder is the coordinator surface exposed over the bus.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	Submit(ctx context.Context) error
	Reload(ctx context.Context) error
	Snapshot() coordinator.Snapshot
	Subscribe(fn func(coordinator.Snapshot)) func()
}

// Service answers control requests and broadcasts state changes.
type Service struct {
	bus    *bus.Client
	rec    Recorder
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	sub         *nats.Subscription
	unsubscribe func()
	wg          sync.WaitGroup

	mu       sync.Mutex
	lastItem string
}

func NewService(ctx context.Context, client *bus.Client, rec Recorder, log *slog.Logger) (*Service, error) {
	if client == nil {
		return nil, errors.New("control service requires a bus client")
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		bus:    client,
		rec:    rec,
		log:    log.With(slog.String("component", "control")),
		ctx:    ctx,
		cancel: cancel,
	}

	sub, err := client.Conn().Subscribe(protocol.SubjectControl, s.handleMessage)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe control subject: %w", err)
	}
	s.sub = sub
	s.unsubscribe = rec.Subscribe(s.broadcast)
	s.broadcast(rec.Snapshot())

	s.log.Info("control service started", slog.String("subject", protocol.SubjectControl))
	return s, nil
}

func (s *Service) handleMessage(msg *nats.Msg) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handle(msg)
	}()
}

func (s *Service) handle(msg *nats.Msg) {
	var req protocol.ControlRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warn("invalid control request", slog.String("error", err.Error()))
		s.reply(msg, protocol.ControlReply{Error: "invalid request: " + err.Error()})
		return
	}

	err := s.dispatch(req.Action)
	reply := protocol.ControlReply{RequestID: req.RequestID, OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
		s.log.Info("control action rejected", slog.String("action", req.Action), slog.String("error", err.Error()))
	}
	state, merr := json.Marshal(s.rec.Snapshot())
	if merr == nil {
		reply.State = state
	}
	s.reply(msg, reply)
}

func (s *Service) dispatch(action string) error {
	switch action {
	case protocol.ActionStart:
		return s.rec.Start(s.ctx)
	case protocol.ActionStop:
		return s.rec.Stop(s.ctx)
	case protocol.ActionReset:
		return s.rec.Reset(s.ctx)
	case protocol.ActionSubmit:
		return s.rec.Submit(s.ctx)
	case protocol.ActionReload:
		return s.rec.Reload(s.ctx)
	case protocol.ActionState:
		return nil
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func (s *Service) reply(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	reply.Timestamp = time.Now().UTC()
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to encode control reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send control reply", slog.String("error", err.Error()))
	}
}

func (s *Service) broadcast(snap coordinator.Snapshot) {
	conn := s.bus.Conn()
	if data, err := json.Marshal(snap); err == nil {
		if err := conn.Publish(protocol.SubjectState, data); err != nil {
			s.log.Debug("failed to publish state", slog.String("error", err.Error()))
		}
	}

	key := snap.SessionID
	if snap.Complete {
		key = "complete"
	}
	s.mu.Lock()
	changed := key != s.lastItem
	s.lastItem = key
	s.mu.Unlock()
	if !changed || key == "" {
		return
	}

	evt := protocol.ItemChanged{
		SessionID: snap.SessionID,
		Complete:  snap.Complete,
		Timestamp: time.Now().UTC(),
	}
	if snap.Item != nil {
		evt.FileName = snap.Item.FileName
		evt.Transcript = snap.Item.Transcript
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := conn.Publish(protocol.SubjectItem, data); err != nil {
		s.log.Debug("failed to publish item change", slog.String("error", err.Error()))
	}
}

// Close stops answering requests and waits for in-flight ones.
func (s *Service) Close() {
	if s == nil {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}
