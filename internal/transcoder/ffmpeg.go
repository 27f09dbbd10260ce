// Package transcoder re-encodes recorded audio into the format the speech
// backend expects.
package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"meeting-pipeline-go/internal/logger"
)

// Transcoder converts one audio file.
type Transcoder interface {
	Convert(ctx context.Context, in, out string) error
}

// CommandLog captures one external command invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// Error carries the failed ffmpeg invocation.
type Error struct {
	Message    string
	CommandLog CommandLog
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog.Command == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (cmd=%s exit=%d)", e.Message, e.CommandLog.Command, e.CommandLog.ExitCode)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability.
type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (commandResult, error)
}

type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}

// FFmpeg produces 48 kHz AAC audio with the ffmpeg binary.
type FFmpeg struct {
	path   string
	runner commandRunner
	log    *logger.Logger
}

func NewFFmpeg(path string, log *logger.Logger) *FFmpeg {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &FFmpeg{path: path, runner: &execRunner{}, log: log}
}

// Args returns the ffmpeg argument list for one conversion.
func Args(in, out string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", in,
		"-vn",
		"-c:a", "aac",
		"-b:a", "64k",
		"-ar", "48000",
		out,
	}
}

// Convert encodes in to out. ffmpeg writes to a sibling temp file which is
// renamed over out on success, so in and out may be the same path.
func (f *FFmpeg) Convert(ctx context.Context, in, out string) error {
	if strings.TrimSpace(in) == "" {
		return &Error{Message: "input audio path is required"}
	}
	info, err := os.Stat(in)
	if err != nil {
		return &Error{Message: fmt.Sprintf("cannot access input audio: %s", in), Err: err}
	}
	if info.Size() == 0 {
		return &Error{Message: fmt.Sprintf("input audio is empty: %s", filepath.Base(in))}
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return &Error{Message: fmt.Sprintf("cannot create output directory for %s", out), Err: err}
	}

	tmp := tempSibling(out)
	defer os.Remove(tmp)

	args := Args(in, tmp)
	res, err := f.runner.Run(ctx, f.path, args...)
	cmdLog := CommandLog{
		Command:  f.path,
		Args:     args,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}
	if err != nil {
		return &Error{Message: "ffmpeg failed: " + lastLine(res.Stderr), CommandLog: cmdLog, Err: err}
	}
	if _, err := os.Stat(tmp); err != nil {
		return &Error{Message: "ffmpeg produced no output", CommandLog: cmdLog, Err: err}
	}
	if err := os.Rename(tmp, out); err != nil {
		return &Error{Message: fmt.Sprintf("cannot move output to %s", out), CommandLog: cmdLog, Err: err}
	}
	f.log.WithField("input", in).WithField("output", out).Debug("transcoded audio")
	return nil
}

// OutputPath is where the transcoded copy of in for slot is written.
func OutputPath(in, slot string) string {
	return filepath.Join(filepath.Dir(in), slot+"_48k.m4a")
}

// tempSibling keeps the extension so ffmpeg can infer the container.
func tempSibling(out string) string {
	ext := filepath.Ext(out)
	return strings.TrimSuffix(out, ext) + ".tmp" + ext
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "no stderr output"
	}
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
