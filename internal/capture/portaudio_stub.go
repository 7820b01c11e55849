//go:build !portaudio

package capture

import (
	"fmt"
	"log/slog"
)

// PortAudioAvailable reports whether this binary was built with PortAudio.
const PortAudioAvailable = false

func NewPortAudioDevice(_ int, _ *slog.Logger) (Device, error) {
	return nil, fmt.Errorf("%w: built without portaudio support (rebuild with -tags portaudio)", ErrCaptureUnavailable)
}
