package voice

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures Whisper and TTS against an OpenAI-compatible API.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	Language     string
	WhisperModel string
	TTSModel     string
	TTSVoice     string
	HTTPClient   *http.Client
}

// OpenAI implements Transcriber with Whisper and Synthesizer with the speech
// endpoint.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

var (
	_ Transcriber = (*OpenAI)(nil)
	_ Synthesizer = (*OpenAI)(nil)
)

// NewOpenAI returns an OpenAI voice client.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.WhisperModel == "" {
		cfg.WhisperModel = openai.Whisper1
	}
	if cfg.TTSModel == "" {
		cfg.TTSModel = string(openai.TTSModel1)
	}
	if cfg.TTSVoice == "" {
		cfg.TTSVoice = string(openai.VoiceAlloy)
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return &OpenAI{client: openai.NewClientWithConfig(oc), cfg: cfg}
}

// Transcribe implements Transcriber.
func (o *OpenAI) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	if filename == "" {
		filename = "audio.ogg"
	}
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.cfg.WhisperModel,
		Reader:   audio,
		FilePath: filename,
		Language: o.cfg.Language,
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	return text, nil
}

// Synthesize implements Synthesizer.
func (o *OpenAI) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.cfg.TTSModel),
		Input:          text,
		Voice:          openai.SpeechVoice(o.cfg.TTSVoice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("speech synthesis failed: %w", err)
	}
	return resp, nil
}
