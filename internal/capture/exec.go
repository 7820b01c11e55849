package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecDevice captures by running an external command (arecord, sox, ffmpeg)
// that writes raw S16_LE PCM to stdout. The command may reference
// {sample_rate} and {channels}.
type ExecDevice struct {
	command string
	frame   time.Duration
	def     Format
	log     *slog.Logger
}

func NewExecDevice(command string, frame time.Duration, def Format, log *slog.Logger) *ExecDevice {
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	def.BitDepth = bitDepth
	return &ExecDevice{
		command: command,
		frame:   frame,
		def:     def,
		log:     log.With(slog.String("component", "exec-device")),
	}
}

func (d *ExecDevice) Open(_ context.Context, c Constraints) (Stream, error) {
	f := d.def
	if c.SampleRate > 0 {
		f.SampleRate = c.SampleRate
	}
	if c.Channels > 0 {
		f.Channels = c.Channels
	}

	args, err := d.args(f)
	if err != nil {
		return nil, err
	}

	// The session outlives the Open call, so the process is not bound to ctx.
	cmd := exec.Command(args[0], args[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		switch {
		case errors.Is(err, os.ErrPermission):
			return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		default:
			return nil, fmt.Errorf("%w: start capture command: %w", ErrCaptureUnavailable, err)
		}
	}

	s := &execStream{
		format: f,
		cmd:    cmd,
		stdout: stdout,
		stderr: &stderr,
		done:   make(chan struct{}),
		log:    d.log,
	}
	frameBytes := int(float64(f.SampleRate)*d.frame.Seconds()) * f.Channels * 2
	if frameBytes <= 0 {
		frameBytes = 2 * f.Channels
	}
	go s.read(frameBytes)
	return s, nil
}

func (d *ExecDevice) args(f Format) ([]string, error) {
	expanded := strings.NewReplacer(
		"{sample_rate}", strconv.Itoa(f.SampleRate),
		"{channels}", strconv.Itoa(f.Channels),
	).Replace(d.command)
	parser := shellwords.NewParser()
	args, err := parser.Parse(expanded)
	if err != nil {
		return nil, fmt.Errorf("%w: parse capture command: %w", ErrCaptureUnavailable, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: capture command is empty", ErrCaptureUnavailable)
	}
	return args, nil
}

type execStream struct {
	format    Format
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	stderr    *bytes.Buffer
	sink      frameSink
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	log       *slog.Logger
}

func (s *execStream) Format() Format { return s.format }

func (s *execStream) Subscribe(fn func([]byte)) func() { return s.sink.subscribe(fn) }

func (s *execStream) read(frameBytes int) {
	defer close(s.done)
	for {
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(s.stdout, buf)
		if n > 0 {
			s.sink.deliver(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, os.ErrClosed) {
				s.log.Warn("capture command read failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
				_ = s.cmd.Process.Kill()
			}
		}
		select {
		case <-s.done:
		case <-time.After(2 * time.Second):
			_ = s.cmd.Process.Kill()
			<-s.done
		}
		if err := s.cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				s.closeErr = err
			} else if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
				s.log.Debug("capture command exited", slog.String("stderr", msg))
			}
		}
	})
	return s.closeErr
}
