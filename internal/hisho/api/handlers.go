package api

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/bdobrica/Hisho/common/version"
	"github.com/bdobrica/Hisho/internal/hisho/assistant"
	"github.com/bdobrica/Hisho/internal/hisho/dispatch"
	"github.com/bdobrica/Hisho/internal/hisho/observability"
	"github.com/bdobrica/Hisho/internal/hisho/voice"
)

// CommandResponse is returned by every /api/v1 command route.
type CommandResponse struct {
	Status           string `json:"status"`
	Action           string `json:"action,omitempty"`
	ConfirmationText string `json:"confirmation_text,omitempty"`
	ResponseText     string `json:"response_text,omitempty"`
	AudioURL         string `json:"audio_url,omitempty"`
	ConfirmationID   string `json:"confirmation_id,omitempty"`
	Error            string `json:"error,omitempty"`
	// Transcript is the recognized text of a voice request.
	Transcript string `json:"transcript,omitempty"`
}

// TextCommandRequest is the body of POST /api/v1/text-command.
type TextCommandRequest struct {
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	ContextID string `json:"context_id"`
}

// ConfirmRequest is the body of POST /api/v1/confirm.
type ConfirmRequest struct {
	ConfirmationID string `json:"confirmation_id"`
	Confirmed      bool   `json:"confirmed"`
	UserID         string `json:"user_id"`
}

// TTSRequest is the body of POST /api/v1/tts.
type TTSRequest struct {
	Text string `json:"text"`
}

// TTSResponse is returned by POST /api/v1/tts.
type TTSResponse struct {
	AudioURL string `json:"audio_url"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status          string    `json:"status"`
	Version         string    `json:"version"`
	Commit          string    `json:"commit"`
	BuildTime       string    `json:"build_time"`
	StartedAt       time.Time `json:"started_at"`
	UptimeSecs      float64   `json:"uptime_seconds"`
	Database        string    `json:"database"`
	SchemaVersion   int       `json:"schema_version,omitempty"`
	VoiceEnabled    bool      `json:"voice_enabled"`
	AudioCacheFiles int       `json:"audio_cache_files"`
	AudioCacheBytes int64     `json:"audio_cache_bytes"`
}

func (s *Server) userOrDefault(id string) string {
	if id = strings.TrimSpace(id); id == "" {
		return s.cfg.AnonymousUser
	}
	return id
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, CommandResponse{Status: string(assistant.StatusError), Error: msg})
}

// confirmStatus maps a confirmation error to an HTTP status.
func confirmStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrUnknownConfirmation):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrIdentityMismatch):
		return http.StatusForbidden
	case errors.Is(err, dispatch.ErrExecutionFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) speak(c echo.Context, text string) string {
	if s.speaker == nil || text == "" {
		return ""
	}
	return s.speaker.Speak(c.Request().Context(), text)
}

// reply renders an assistant reply. Confirmation prompts are voiced with the
// prompt plus the yes/no hint.
func (s *Server) reply(c echo.Context, r *assistant.Reply, transcript string) error {
	resp := CommandResponse{
		Status:         string(r.Status),
		Action:         string(r.Action),
		ResponseText:   r.Text,
		ConfirmationID: r.ConfirmationID,
		Transcript:     transcript,
	}
	spoken := r.Text
	if r.Action == assistant.ActionConfirm {
		resp.ConfirmationText = r.ConfirmationText
		if r.Status == assistant.StatusSuccess {
			spoken = r.ConfirmationText + " " + assistant.TextClarifyPrompt
		}
	}
	resp.AudioURL = s.speak(c, spoken)

	code := http.StatusOK
	if r.Status == assistant.StatusRateLimited {
		code = http.StatusTooManyRequests
	}
	return c.JSON(code, resp)
}

func (s *Server) confirmError(c echo.Context, r *assistant.Reply, err error) error {
	code := confirmStatus(err)
	resp := CommandResponse{
		Status:       string(assistant.StatusError),
		Action:       string(assistant.ActionExecuted),
		ResponseText: assistant.ErrorText(err),
		Error:        err.Error(),
	}
	if r != nil {
		resp.ResponseText = r.Text
	}
	if code == http.StatusInternalServerError {
		observability.WithTrace(c.Request().Context()).Error("confirmation failed", "err", err)
		resp.Error = http.StatusText(code)
	}
	return c.JSON(code, resp)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	resp := statusResponse{
		Status:       "ok",
		Version:      version.Version,
		Commit:       version.GitCommit,
		BuildTime:    version.BuildTime,
		StartedAt:    s.startedAt,
		UptimeSecs:   time.Since(s.startedAt).Seconds(),
		Database:     "unknown",
		VoiceEnabled: s.transcriber != nil,
	}
	ctx := c.Request().Context()
	if s.status != nil {
		resp.Database = "ok"
		if err := s.status.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = "error"
		} else if v, err := s.status.SchemaVersion(ctx); err == nil {
			resp.SchemaVersion = v
		}
	}
	if s.cache != nil {
		if files, size, err := s.cache.Info(); err == nil {
			resp.AudioCacheFiles = files
			resp.AudioCacheBytes = size
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAudio(c echo.Context) error {
	if s.cache == nil {
		return echo.NewHTTPError(http.StatusNotFound, "audio not found")
	}
	path, err := s.cache.Path(c.Param("name"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "audio not found")
	}
	if _, err := os.Stat(path); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "audio not found")
	}
	c.Response().Header().Set(echo.HeaderContentType, "audio/mpeg")
	return c.File(path)
}

func (s *Server) handleTextCommand(c echo.Context) error {
	var req TextCommandRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return badRequest(c, "text is required")
	}
	ctx := c.Request().Context()
	if req.ContextID != "" {
		observability.WithTrace(ctx).Debug("text command", "context_id", req.ContextID)
	}
	r := s.assistant.HandleText(ctx, assistant.Request{
		UserID:    s.userOrDefault(req.UserID),
		Interface: assistant.InterfaceAPIText,
		Text:      text,
	})
	return s.reply(c, r, "")
}

func (s *Server) handleConfirm(c echo.Context) error {
	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.ConfirmationID) == "" {
		return badRequest(c, "confirmation_id is required")
	}
	r, err := s.assistant.Confirm(c.Request().Context(), assistant.ConfirmRequest{
		ID:        strings.TrimSpace(req.ConfirmationID),
		Approved:  req.Confirmed,
		UserID:    s.userOrDefault(req.UserID),
		Interface: assistant.InterfaceAPIText,
	})
	if err != nil {
		return s.confirmError(c, r, err)
	}
	return s.reply(c, r, "")
}

// transcribe reads the "audio" form file and returns its transcript.
func (s *Server) transcribe(c echo.Context) (string, error) {
	if s.transcriber == nil {
		return "", echo.NewHTTPError(http.StatusServiceUnavailable, "voice is not enabled")
	}
	fh, err := c.FormFile("audio")
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "audio file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "unreadable audio file")
	}
	defer f.Close()

	text, err := s.transcriber.Transcribe(c.Request().Context(), fh.Filename, f)
	if err != nil {
		if errors.Is(err, voice.ErrEmptyTranscript) {
			return "", echo.NewHTTPError(http.StatusUnprocessableEntity, "could not recognize speech")
		}
		observability.WithTrace(c.Request().Context()).Error("transcription failed", "err", err)
		return "", echo.NewHTTPError(http.StatusBadGateway, "transcription failed")
	}
	return text, nil
}

func (s *Server) handleVoiceCommand(c echo.Context) error {
	text, err := s.transcribe(c)
	if err != nil {
		return err
	}
	r := s.assistant.HandleText(c.Request().Context(), assistant.Request{
		UserID:    s.userOrDefault(c.FormValue("user_id")),
		Interface: assistant.InterfaceAPIVoice,
		Text:      text,
	})
	return s.reply(c, r, text)
}

func (s *Server) handleVoiceConfirm(c echo.Context) error {
	id := strings.TrimSpace(c.FormValue("confirmation_id"))
	if id == "" {
		return badRequest(c, "confirmation_id is required")
	}
	text, err := s.transcribe(c)
	if err != nil {
		return err
	}
	r, err := s.assistant.ConfirmUtterance(c.Request().Context(), id, text, s.userOrDefault(c.FormValue("user_id")), assistant.InterfaceAPIVoice)
	if err != nil {
		return s.confirmError(c, r, err)
	}
	return s.reply(c, r, text)
}

func (s *Server) handleTTS(c echo.Context) error {
	var req TTSRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return badRequest(c, "text is required")
	}
	if s.speaker == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "voice is not enabled")
	}
	url := s.speak(c, req.Text)
	if url == "" {
		return echo.NewHTTPError(http.StatusBadGateway, "speech synthesis failed")
	}
	return c.JSON(http.StatusOK, TTSResponse{AudioURL: url})
}
