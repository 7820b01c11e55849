package capture

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-recorder/internal/config"
)

// NewDevice builds the device named by cfg.Device.
func NewDevice(cfg config.CaptureConfig, log *slog.Logger) (Device, error) {
	frame := time.Duration(cfg.FrameMS) * time.Millisecond
	switch cfg.Device {
	case "synthetic":
		return NewSyntheticDevice(frame), nil
	case "exec":
		def := Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
		return NewExecDevice(cfg.Command, frame, def, log), nil
	case "portaudio":
		frames := cfg.SampleRate * cfg.FrameMS / 1000
		return NewPortAudioDevice(frames, log)
	default:
		return nil, fmt.Errorf("unknown capture device %q", cfg.Device)
	}
}

// ControllerOptionsFromConfig maps capture config onto controller options.
func ControllerOptionsFromConfig(cfg config.CaptureConfig) ControllerOptions {
	return ControllerOptions{
		Constraints: Constraints{SampleRate: cfg.SampleRate, Channels: cfg.Channels},
		Recorder: RecorderOptions{
			MimeType:  cfg.MimeType,
			Timeslice: time.Duration(cfg.TimesliceMS) * time.Millisecond,
		},
	}
}
