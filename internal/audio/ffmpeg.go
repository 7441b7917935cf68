// Package audio shells out to ffmpeg/ffprobe for concatenation, time-range
// extraction, and duration probing. All outputs are mono 16kHz WAV, the
// format the inference services expect.
package audio

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const sampleRate = 16000

// FFmpeg runs audio operations via the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	TmpDir string
}

// NewFFmpeg creates an FFmpeg processor writing temp files under tmpDir
// (os.TempDir when empty).
func NewFFmpeg(tmpDir string) *FFmpeg {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &FFmpeg{TmpDir: tmpDir}
}

// Concat joins the input files in order into a single mono 16kHz WAV and
// returns its path. The caller owns cleanup of the returned file.
func (f *FFmpeg) Concat(ctx context.Context, inputs []string) (string, error) {
	if len(inputs) == 0 {
		return "", fmt.Errorf("no input files to concatenate")
	}

	list, err := os.CreateTemp(f.TmpDir, "concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create concat list: %w", err)
	}
	defer os.Remove(list.Name())

	var sb strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return "", fmt.Errorf("failed to resolve %s: %w", in, err)
		}
		fmt.Fprintf(&sb, "file '%s'\n", abs)
	}
	if _, err := list.WriteString(sb.String()); err != nil {
		list.Close()
		return "", fmt.Errorf("failed to write concat list: %w", err)
	}
	list.Close()

	outFile, err := os.CreateTemp(f.TmpDir, "full-*.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	out := outFile.Name()
	outFile.Close()

	// ffmpeg -y -f concat -safe 0 -i list.txt -ac 1 -ar 16000 out.wav
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y", "-f", "concat", "-safe", "0",
		"-i", list.Name(),
		"-ac", "1", "-ar", strconv.Itoa(sampleRate),
		"-f", "wav",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(out)
		return "", fmt.Errorf("ffmpeg concat: %w: %s", err, tail(stderr.String()))
	}
	return out, nil
}

// Extract returns the WAV bytes for [start, end) seconds of the input file.
func (f *FFmpeg) Extract(ctx context.Context, input string, start, end float64) ([]byte, error) {
	if end <= start {
		return nil, fmt.Errorf("invalid extract range [%.3f, %.3f)", start, end)
	}

	// ffmpeg -ss start -to end -i input -ac 1 -ar 16000 -f wav pipe:1
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-ss", formatSeconds(start),
		"-to", formatSeconds(end),
		"-i", input,
		"-ac", "1", "-ar", strconv.Itoa(sampleRate),
		"-f", "wav",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg extract: %w: %s", err, tail(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// Duration probes the audio duration in seconds.
func (f *FFmpeg) Duration(ctx context.Context, input string) (float64, error) {
	// ffprobe -v error -show_entries format=duration -of default=nw=1:nk=1 input
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: unparseable duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return d, nil
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// tail keeps error output readable in wrapped errors.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 300 {
		s = s[len(s)-300:]
	}
	return s
}
