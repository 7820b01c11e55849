package capture

import (
	"fmt"
	"sync"
)

// Encoder turns PCM into a container format for one mime type.
type Encoder interface {
	MimeType() string
	NewStream(f Format) (EncoderStream, error)
}

// EncoderStream encodes one continuous recording. The concatenation of
// everything Encode returns is the encoded recording.
type EncoderStream interface {
	Encode(pcm []byte) ([]byte, error)
}

// Finalizer is implemented by encoders whose streamed output needs fixing up
// once all chunks are assembled. Finalize must not change the length.
type Finalizer interface {
	Finalize(data []byte) ([]byte, error)
}

// EncoderRegistry maps mime types to encoders.
type EncoderRegistry struct {
	mu       sync.RWMutex
	encoders map[string]Encoder
}

func NewEncoderRegistry() *EncoderRegistry {
	return &EncoderRegistry{encoders: make(map[string]Encoder)}
}

// DefaultEncoders is the process-wide registry recorders use unless told otherwise.
var DefaultEncoders = NewEncoderRegistry()

// Register adds enc. Registering a mime type twice is an error.
func (r *EncoderRegistry) Register(enc Encoder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	mime := enc.MimeType()
	if _, ok := r.encoders[mime]; ok {
		return fmt.Errorf("encoder for %s already registered", mime)
	}
	r.encoders[mime] = enc
	return nil
}

func (r *EncoderRegistry) Lookup(mime string) (Encoder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enc, ok := r.encoders[mime]
	return enc, ok
}

// RegisterEncoder adds enc to DefaultEncoders.
func RegisterEncoder(enc Encoder) error {
	return DefaultEncoders.Register(enc)
}
