// Package voice turns Telegram voice notes into text.
package voice

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	modelpkg "github.com/stupiduntilnot/verabot/internal/model"
)

// Service transcribes OGG/Opus voice notes, optionally remuxing them to MP3
// with ffmpeg first.
type Service struct {
	transcriber modelpkg.Transcriber
	ffmpegPath  string
	timeout     time.Duration
	logger      *zap.Logger
}

// New returns a Service. An empty ffmpegPath sends the original audio.
func New(t modelpkg.Transcriber, ffmpegPath string, timeout time.Duration, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{transcriber: t, ffmpegPath: ffmpegPath, timeout: timeout, logger: logger.Named("voice")}
}

// Transcribe returns the transcript of audio, or "" when transcription
// fails or produces nothing.
func (s *Service) Transcribe(ctx context.Context, audio []byte) string {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	filename, payload := "voice.ogg", audio
	if s.ffmpegPath != "" {
		mp3, err := s.remux(ctx, audio)
		if err != nil {
			s.logger.Warn("ffmpeg remux failed, sending original audio", zap.Error(err))
		} else {
			filename, payload = "voice.mp3", mp3
		}
	}

	text, err := s.transcriber.Transcribe(ctx, filename, payload)
	if err != nil {
		s.logger.Error("transcription failed", zap.Int("bytes", len(payload)), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(text)
}

func (s *Service) remux(ctx context.Context, audio []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "mp3", "pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(audio)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no output")
	}
	return stdout.Bytes(), nil
}
