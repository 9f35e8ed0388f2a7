// Package voice turns audio into text and text into cached audio files.
package voice

import (
	"context"
	"errors"
	"io"
)

// ErrEmptyTranscript is returned when speech recognition produced no text.
var ErrEmptyTranscript = errors.New("empty transcript")

// Transcriber converts recorded speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// Synthesizer converts text to MP3 audio. The caller closes the reader.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}
