package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-recorder/internal/coordinator"
)

// Recorder is what the console drives.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	Submit(ctx context.Context) error
	Reload(ctx context.Context) error
	Flush()
	Snapshot() coordinator.Snapshot
}

// Console reads one command per line and prints the resulting state.
type Console struct {
	rec Recorder
	in  io.Reader
	out io.Writer
	log *slog.Logger
}

func New(rec Recorder, in io.Reader, out io.Writer, log *slog.Logger) *Console {
	return &Console{rec: rec, in: in, out: out, log: log.With(slog.String("component", "console"))}
}

// ErrQuit is returned by Run when the operator asks to leave.
var ErrQuit = errors.New("quit requested")

// Run processes commands until input ends, quit is entered or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	c.printHelp()
	c.printStatus(c.rec.Snapshot())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := c.Exec(ctx, line); err != nil {
				return err
			}
		}
	}
}

// Exec runs a single command line. Only ErrQuit is returned; action errors
// are printed.
func (c *Console) Exec(ctx context.Context, line string) error {
	cmd := strings.ToLower(strings.TrimSpace(line))
	var err error
	switch cmd {
	case "":
		return nil
	case "start", "s":
		err = c.rec.Start(ctx)
	case "stop", "x":
		err = c.rec.Stop(ctx)
	case "reset", "clear":
		err = c.rec.Reset(ctx)
	case "submit":
		err = c.rec.Submit(ctx)
	case "reload":
		err = c.rec.Reload(ctx)
	case "status":
		c.rec.Flush()
	case "help", "?":
		c.printHelp()
		return nil
	case "quit", "exit", "q":
		return ErrQuit
	default:
		fmt.Fprintf(c.out, "unknown command %q, type help\n", cmd)
		return nil
	}
	if err != nil {
		c.log.Debug("console command failed", slog.String("command", cmd), slog.String("error", err.Error()))
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	c.printStatus(c.rec.Snapshot())
	return nil
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, "commands: start, stop, reset, submit, reload, status, quit")
}

func (c *Console) printStatus(s coordinator.Snapshot) {
	if s.Complete {
		fmt.Fprintln(c.out, "All completed")
		return
	}
	fmt.Fprintf(c.out, "[%s] chunks=%d bytes=%d\n", s.Phase, s.Chunks, s.Bytes)
	if s.CaptureOpen {
		fmt.Fprintln(c.out, "microphone: open")
	}
	if s.Item != nil {
		fmt.Fprintf(c.out, "file: %s\n", s.Item.FileName)
		if s.Item.Transcript != "" {
			fmt.Fprintf(c.out, "read: %s\n", s.Item.Transcript)
		}
	}
	if s.LastError != "" {
		fmt.Fprintf(c.out, "last error: %s\n", s.LastError)
	}
	var next []string
	if s.Recording {
		next = append(next, "stop")
	}
	if s.CanStart() {
		next = append(next, "start")
	}
	if s.CanSubmit() {
		next = append(next, "submit", "reset")
	}
	if len(next) > 0 {
		fmt.Fprintf(c.out, "next: %s\n", strings.Join(next, ", "))
	}
}
