package voice

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type recordingTranscriber struct {
	text     string
	err      error
	filename string
	audio    []byte
}

func (r *recordingTranscriber) Transcribe(_ context.Context, filename string, audio []byte) (string, error) {
	r.filename, r.audio = filename, audio
	return r.text, r.err
}

func fakeFFmpeg(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in for ffmpeg")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTranscribe_NoFFmpeg(t *testing.T) {
	tr := &recordingTranscriber{text: "  привет  "}
	got := New(tr, "", 0, nil).Transcribe(context.Background(), []byte("OGG"))
	assert.Equal(t, "привет", got)
	assert.Equal(t, "voice.ogg", tr.filename)
	assert.Equal(t, []byte("OGG"), tr.audio)
}

func TestTranscribe_RemuxesWithFFmpeg(t *testing.T) {
	ff := fakeFFmpeg(t, "cat >/dev/null\nprintf MP3DATA\n")
	tr := &recordingTranscriber{text: "hello"}
	got := New(tr, ff, 0, nil).Transcribe(context.Background(), []byte("OGG"))
	assert.Equal(t, "hello", got)
	assert.Equal(t, "voice.mp3", tr.filename)
	assert.Equal(t, []byte("MP3DATA"), tr.audio)
}

func TestTranscribe_FFmpegFailureFallsBack(t *testing.T) {
	ff := fakeFFmpeg(t, "echo broken >&2\nexit 1\n")
	core, logs := observer.New(zap.WarnLevel)
	tr := &recordingTranscriber{text: "ok"}
	got := New(tr, ff, 0, zap.New(core)).Transcribe(context.Background(), []byte("OGG"))
	assert.Equal(t, "ok", got)
	assert.Equal(t, "voice.ogg", tr.filename)
	assert.Equal(t, 1, logs.FilterMessage("ffmpeg remux failed, sending original audio").Len())
}

func TestTranscribe_BackendErrorYieldsEmpty(t *testing.T) {
	tr := &recordingTranscriber{err: errors.New("groq down")}
	assert.Equal(t, "", New(tr, "", 0, nil).Transcribe(context.Background(), []byte("OGG")))
}
