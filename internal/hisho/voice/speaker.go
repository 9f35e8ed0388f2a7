package voice

import (
	"context"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/bdobrica/Hisho/internal/hisho/observability"
)

// Speaker produces audio URLs for reply texts. Concurrent requests for the
// same text share one synthesis.
type Speaker struct {
	synth Synthesizer
	cache *Cache
	group singleflight.Group
}

// NewSpeaker returns a Speaker. A nil synth disables audio.
func NewSpeaker(synth Synthesizer, cache *Cache) *Speaker {
	return &Speaker{synth: synth, cache: cache}
}

// Speak returns the URL of the audio for text, synthesizing it on a cache
// miss. It returns "" when audio is disabled, text is blank or synthesis
// fails; failures are logged only.
func (s *Speaker) Speak(ctx context.Context, text string) string {
	if s == nil || s.synth == nil || s.cache == nil || strings.TrimSpace(text) == "" {
		return ""
	}
	name := s.cache.Name(text)
	if s.cache.Exists(name) {
		return s.cache.URL(name)
	}

	_, err, _ := s.group.Do(name, func() (any, error) {
		if s.cache.Exists(name) {
			return nil, nil
		}
		audio, err := s.synth.Synthesize(ctx, text)
		if err != nil {
			return nil, err
		}
		defer audio.Close()
		return nil, s.cache.Put(name, audio)
	})
	if err != nil {
		observability.WithTrace(ctx).Warn("text to speech failed", "err", err)
		return ""
	}
	return s.cache.URL(name)
}
