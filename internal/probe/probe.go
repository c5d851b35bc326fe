// Package probe determines the playback duration of a media file with an
// external probe utility (ffprobe by default).
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/onair/internal/process"
)

// DefaultCommand prints container and stream metadata as JSON.
const DefaultCommand = "ffprobe -v quiet -print_format json -show_format -show_streams {file}"

// ErrNoDuration is returned when the probe output carries no usable duration.
var ErrNoDuration = errors.New("media duration could not be determined")

// Prober runs the probe command for a file.
type Prober struct {
	Command string        // argument template, {file} is replaced by the path
	Timeout time.Duration // 0 means 30s
}

// Info is the subset of probe output the relay cares about.
type Info struct {
	Duration   time.Duration `json:"duration"`
	FormatName string        `json:"format_name"`
	Streams    []Stream      `json:"streams"`
}

// Stream describes one elementary stream of the clip.
type Stream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
}

type ffprobeOutput struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		Index     int    `json:"index"`
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// Probe runs the probe command against file and parses its output.
func (p Prober) Probe(ctx context.Context, file string) (Info, error) {
	tmpl := p.Command
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultCommand
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := process.Spec{Name: "probe", Command: tmpl, Vars: map[string]string{"file": file}}.Args()
	// #nosec G204
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Info{}, fmt.Errorf("probe %s: %w - %s", file, err, strings.TrimSpace(stderr.String()))
	}
	return Parse(stdout.Bytes())
}

// Duration is a shortcut for Probe(...).Duration.
func (p Prober) Duration(ctx context.Context, file string) (time.Duration, error) {
	info, err := p.Probe(ctx, file)
	if err != nil {
		return 0, err
	}
	return info.Duration, nil
}

// Parse decodes ffprobe JSON output. The container duration wins; the longest
// stream duration is used when the container does not report one.
func Parse(b []byte) (Info, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(b, &out); err != nil {
		return Info{}, fmt.Errorf("decode probe output: %w", err)
	}
	info := Info{FormatName: out.Format.FormatName}
	dur := parseSeconds(out.Format.Duration)
	for _, s := range out.Streams {
		info.Streams = append(info.Streams, Stream{Index: s.Index, CodecType: s.CodecType, CodecName: s.CodecName})
		if out.Format.Duration == "" {
			if d := parseSeconds(s.Duration); d > dur {
				dur = d
			}
		}
	}
	if dur <= 0 {
		return info, ErrNoDuration
	}
	info.Duration = dur
	return info, nil
}

func parseSeconds(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0
	}
	// ffprobe reports microsecond precision
	return time.Duration(math.Round(f*1e6)) * time.Microsecond
}
