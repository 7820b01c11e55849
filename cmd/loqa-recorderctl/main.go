package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-recorder/internal/bus"
	"github.com/loqalabs/loqa-recorder/internal/config"
	"github.com/loqalabs/loqa-recorder/internal/protocol"
)

var version = "0.1.0-dev"

var actions = []string{
	protocol.ActionStart,
	protocol.ActionStop,
	protocol.ActionReset,
	protocol.ActionSubmit,
	protocol.ActionReload,
	protocol.ActionState,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "expected one of %s or 'version'\n", strings.Join(actions, ", "))
		os.Exit(2)
	}

	action := os.Args[1]
	if action == "version" {
		fmt.Println(version)
		return
	}
	if !known(action) {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", action)
		os.Exit(2)
	}

	var (
		servers string
		token   string
		timeout time.Duration
	)
	cmd := flag.NewFlagSet(action, flag.ExitOnError)
	cmd.StringVar(&servers, "servers", "nats://127.0.0.1:4222", "Comma separated NATS servers")
	cmd.StringVar(&token, "token", os.Getenv("LOQA_BUS_TOKEN"), "NATS auth token")
	cmd.DurationVar(&timeout, "timeout", 35*time.Second, "How long to wait for the recorder to answer")
	_ = cmd.Parse(os.Args[2:])

	if err := run(action, servers, token, timeout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func known(action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

func run(action, servers, token string, timeout time.Duration) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{
		Servers:        strings.Split(servers, ","),
		Token:          token,
		ConnectTimeout: 2000,
	}
	client, err := bus.Connect(context.Background(), cfg, "loqa-recorderctl", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	req, err := json.Marshal(protocol.ControlRequest{Action: action, RequestID: uuid.NewString()})
	if err != nil {
		return err
	}
	msg, err := client.Conn().Request(protocol.SubjectControl, req, timeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", action, err)
	}

	var reply protocol.ControlReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if len(reply.State) > 0 {
		var state map[string]any
		if err := json.Unmarshal(reply.State, &state); err == nil {
			out, _ := json.MarshalIndent(state, "", "  ")
			fmt.Println(string(out))
		}
	}
	if !reply.OK {
		return errors.New(reply.Error)
	}
	return nil
}
