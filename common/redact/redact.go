// Package redact strips credentials (LLM API keys, bot tokens, OAuth refresh
// tokens) from strings and configuration maps before they are logged or
// printed by `hisho config show`.
//
// Redaction works on string representations only. Callers must still avoid
// logging secrets at the call-site; this is the last line, not the first.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped.
//
//	safe := redact.String(errText, cfg.Telegram.Token)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a deep copy of m in which every non-empty string stored under a
// key that looks like a credential is replaced by [REDACTED]. Nested maps (as
// produced by viper.AllSettings) are walked recursively.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			out[k] = Map(val)
		case string:
			if val != "" && isSensitiveKey(k) {
				out[k] = placeholder
			} else {
				out[k] = val
			}
		default:
			out[k] = v
		}
	}
	return out
}

// isSensitiveKey reports whether a configuration key name suggests a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "token", "secret", "api_key", "apikey", "credential"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
