package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/coordinator"
	"github.com/loqalabs/loqa-recorder/internal/natsserver"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
	"github.com/loqalabs/loqa-recorder/internal/workitem"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRecorder struct {
	mu        sync.Mutex
	actions   []string
	startErr  error
	snap      coordinator.Snapshot
	listeners []func(coordinator.Snapshot)
}

func (r *fakeRecorder) do(action string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, action)
	return err
}

func (r *fakeRecorder) Start(context.Context) error  { return r.do("start", r.startErr) }
func (r *fakeRecorder) Stop(context.Context) error   { return r.do("stop", nil) }
func (r *fakeRecorder) Reset(context.Context) error  { return r.do("reset", nil) }
func (r *fakeRecorder) Submit(context.Context) error { return r.do("submit", nil) }
func (r *fakeRecorder) Reload(context.Context) error { return r.do("reload", nil) }

func (r *fakeRecorder) Snapshot() coordinator.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

func (r *fakeRecorder) Subscribe(fn func(coordinator.Snapshot)) func() {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
	return func() {}
}

func (r *fakeRecorder) emit(snap coordinator.Snapshot) {
	r.mu.Lock()
	r.snap = snap
	fns := append([]func(coordinator.Snapshot){}, r.listeners...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func startBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, "control-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func request(t *testing.T, conn *nats.Conn, action string) protocol.ControlReply {
	t.Helper()
	data, _ := json.Marshal(protocol.ControlRequest{Action: action, RequestID: "req-1"})
	msg, err := conn.Request(protocol.SubjectControl, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request %s: %v", action, err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return reply
}

func TestServiceDispatchesActions(t *testing.T) {
	client := startBus(t)
	rec := &fakeRecorder{snap: coordinator.Snapshot{Phase: coordinator.PhaseIdle}}
	svc, err := NewService(context.Background(), client, rec, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	for _, action := range []string{"start", "stop", "reset", "submit", "reload"} {
		reply := request(t, client.Conn(), action)
		if !reply.OK || reply.RequestID != "req-1" {
			t.Fatalf("%s: unexpected reply %+v", action, reply)
		}
	}
	rec.mu.Lock()
	got := append([]string(nil), rec.actions...)
	rec.mu.Unlock()
	if len(got) != 5 || got[0] != "start" || got[4] != "reload" {
		t.Fatalf("unexpected dispatch order %v", got)
	}

	reply := request(t, client.Conn(), "state")
	var snap coordinator.Snapshot
	if err := json.Unmarshal(reply.State, &snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if snap.Phase != coordinator.PhaseIdle {
		t.Fatalf("unexpected state %+v", snap)
	}
}

func TestServiceReplyCarriesStateObject(t *testing.T) {
	client := startBus(t)
	rec := &fakeRecorder{snap: coordinator.Snapshot{
		Phase: coordinator.PhaseStopped,
		Item:  &workitem.WorkItem{FileName: "sample1"},
		Bytes: 6144,
	}}
	svc, err := NewService(context.Background(), client, rec, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	data, _ := json.Marshal(protocol.ControlRequest{Action: protocol.ActionState})
	msg, err := client.Conn().Request(protocol.SubjectControl, data, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var raw struct {
		State map[string]any `json:"state"`
	}
	if err := json.Unmarshal(msg.Data, &raw); err != nil {
		t.Fatalf("state is not a JSON object: %v (%s)", err, msg.Data)
	}
	if raw.State["phase"] != string(coordinator.PhaseStopped) || raw.State["bytes"] != float64(6144) {
		t.Fatalf("unexpected state %v", raw.State)
	}
}

func TestServiceReportsErrors(t *testing.T) {
	client := startBus(t)
	rec := &fakeRecorder{startErr: coordinator.ErrComplete}
	svc, err := NewService(context.Background(), client, rec, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	reply := request(t, client.Conn(), "start")
	if reply.OK || reply.Error != coordinator.ErrComplete.Error() {
		t.Fatalf("expected complete error, got %+v", reply)
	}
	reply = request(t, client.Conn(), "dance")
	if reply.OK || reply.Error == "" {
		t.Fatalf("expected unknown action error, got %+v", reply)
	}
}

func TestServicePublishesItemChanges(t *testing.T) {
	client := startBus(t)
	rec := &fakeRecorder{}
	svc, err := NewService(context.Background(), client, rec, newLogger())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)

	items := make(chan *nats.Msg, 8)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectItem, items)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	item := &workitem.WorkItem{FileName: "sample1", Transcript: "hello"}
	rec.emit(coordinator.Snapshot{Phase: coordinator.PhaseIdle, SessionID: "s1", Item: item})
	rec.emit(coordinator.Snapshot{Phase: coordinator.PhaseRecording, SessionID: "s1", Item: item, Recording: true})
	rec.emit(coordinator.Snapshot{Phase: coordinator.PhaseComplete, SessionID: "s1", Complete: true})

	var got []protocol.ItemChanged
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case msg := <-items:
			var evt protocol.ItemChanged
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				t.Fatalf("decode: %v", err)
			}
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("timed out, got %d item events", len(got))
		}
	}
	if got[0].FileName != "sample1" || got[0].Transcript != "hello" || got[0].Complete {
		t.Fatalf("unexpected first event %+v", got[0])
	}
	if !got[1].Complete {
		t.Fatalf("expected completion event, got %+v", got[1])
	}
	select {
	case msg := <-items:
		t.Fatalf("unexpected extra item event %s", msg.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNewServiceRequiresBus(t *testing.T) {
	if _, err := NewService(context.Background(), nil, &fakeRecorder{}, newLogger()); err == nil {
		t.Fatal("expected error without bus client")
	}
}
