// Package media drives the external ffmpeg and ffprobe binaries.
package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"nl2audio/internal/apperr"
)

var (
	execCommandContext = exec.CommandContext
	lookPath           = exec.LookPath
)

const (
	SampleRate = 44100
	Channels   = 1
	// loudnorm target in LUFS, the usual spoken word podcast level.
	loudnessFilter = "loudnorm=I=-16:TP=-1.5:LRA=11"
	stageToolchain = "audio toolchain"
	stageEncode    = "encode audio"
)

// Requirement is an external binary the pipeline relies on.
type Requirement struct {
	Name        string
	Command     string
	Description string
}

// Status reports the availability of a requirement.
type Status struct {
	Requirement
	Available bool
	Detail    string
}

// Toolchain names the binaries used for encoding and probing.
type Toolchain struct {
	FFmpeg  string
	FFprobe string
}

// NewToolchain resolves ffmpeg and ffprobe from PATH.
func NewToolchain() Toolchain {
	return Toolchain{FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
}

// Requirements lists the binaries of the toolchain.
func (t Toolchain) Requirements() []Requirement {
	return []Requirement{
		{Name: "FFmpeg", Command: t.FFmpeg, Description: "Concatenates, normalizes and encodes narration"},
		{Name: "FFprobe", Command: t.FFprobe, Description: "Measures episode duration"},
	}
}

// CheckBinaries evaluates the requirements and reports availability.
func CheckBinaries(requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		status := Status{Requirement: req}
		cmd := strings.TrimSpace(req.Command)
		switch {
		case cmd == "":
			status.Detail = "command not configured"
		default:
			if _, err := lookPath(cmd); err != nil {
				status.Detail = fmt.Sprintf("binary %q not found", cmd)
			} else {
				status.Available = true
			}
		}
		results = append(results, status)
	}
	return results
}

// Check fails with ToolchainUnavailable when any binary is missing.
func (t Toolchain) Check() error {
	var missing []string
	for _, s := range CheckBinaries(t.Requirements()) {
		if !s.Available {
			missing = append(missing, s.Command)
		}
	}
	if len(missing) > 0 {
		return apperr.Newf(apperr.ToolchainUnavailable, stageToolchain,
			"install ffmpeg (it ships ffprobe) and make sure it is on PATH",
			"missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Encode concatenates the input segments, normalizes loudness, resamples to
// 44.1 kHz mono and writes an MP3 at bitrate to outPath.
func (t Toolchain) Encode(ctx context.Context, inputs []string, outPath, bitrate string) error {
	if len(inputs) == 0 {
		return apperr.Newf(apperr.SynthesisFailed, stageEncode, "", "no audio segments to encode")
	}
	list, err := writeConcatList(filepath.Dir(outPath), inputs)
	if err != nil {
		return apperr.New(apperr.SynthesisFailed, stageEncode, err, "")
	}
	defer os.Remove(list)

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0", "-i", list,
		"-af", loudnessFilter,
		"-ar", strconv.Itoa(SampleRate),
		"-ac", strconv.Itoa(Channels),
		"-c:a", "libmp3lame",
		"-b:a", bitrate,
		"-f", "mp3",
		outPath,
	}
	cmd := execCommandContext(ctx, t.FFmpeg, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return apperr.New(apperr.SynthesisFailed, stageEncode,
			fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(output))), "")
	}
	return nil
}

// Probe returns the duration of an audio file.
func (t Toolchain) Probe(ctx context.Context, path string) (time.Duration, error) {
	cmd := execCommandContext(ctx, t.FFprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", strings.TrimSpace(string(output)), err)
	}
	return time.Duration(seconds * float64(time.Second)).Round(time.Millisecond), nil
}

func writeConcatList(dir string, inputs []string) (string, error) {
	f, err := os.CreateTemp(dir, "concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create concat list: %w", err)
	}
	defer f.Close()
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return "", fmt.Errorf("resolve segment path: %w", err)
		}
		// concat demuxer quoting: single quotes, embedded quotes escaped
		if _, err := fmt.Fprintf(f, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`)); err != nil {
			os.Remove(f.Name())
			return "", fmt.Errorf("write concat list: %w", err)
		}
	}
	return f.Name(), nil
}
