package llmforward

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nbot-io/nbot/internal/observability"
)

const (
	// ffmpegTimeout bounds one ffmpeg or ffprobe invocation.
	ffmpegTimeout = 120 * time.Second
	// videoMaxTranscodeAttempts bounds the compression ladder walk.
	videoMaxTranscodeAttempts = 3
	// videoBudgetShrink is the overshoot ratio below which the ladder
	// advances two rungs instead of one.
	videoBudgetShrink = 0.7
	// rawVideoMinBudget is the smallest raw byte budget handed to the
	// transcoder regardless of the model's request budget.
	rawVideoMinBudget = 80000
	// rawVideoHeadroom leaves room for the prompt and JSON envelope
	// around the base64 payload.
	rawVideoHeadroom = 32 << 10
	// frameMaxAttempts bounds the halving retries when a frame set is
	// still too large.
	frameMaxAttempts = 4
)

// videoRung is one step of the compression ladder. An audioKbps of
// zero drops the audio track entirely.
type videoRung struct {
	width     int
	crf       int
	audioKbps int
}

var videoLadder = []videoRung{
	{width: 960, crf: 32, audioKbps: 64},
	{width: 720, crf: 34, audioKbps: 48},
	{width: 640, crf: 36, audioKbps: 40},
	{width: 480, crf: 38, audioKbps: 32},
	{width: 360, crf: 40, audioKbps: 0},
}

// RawVideoBudget converts a base64 request budget into the raw video
// byte budget the transcoder aims for.
func RawVideoBudget(base64Budget int) int {
	raw := (base64Budget/4)*3 - rawVideoHeadroom
	if raw < rawVideoMinBudget {
		raw = rawVideoMinBudget
	}
	return raw
}

// Transcoder shells out to ffmpeg and ffprobe.
type Transcoder struct {
	ffmpeg  string
	ffprobe string
	logger  *observability.Logger
}

// NewTranscoder creates a transcoder using the given binaries, or the
// PATH defaults when empty.
func NewTranscoder(ffmpeg, ffprobe string, logger *observability.Logger) *Transcoder {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}
	return &Transcoder{ffmpeg: ffmpeg, ffprobe: ffprobe, logger: logger}
}

// Available reports whether ffmpeg can be invoked at all.
func (t *Transcoder) Available(ctx context.Context) bool {
	_, err := t.run(ctx, t.ffmpeg, "-version")
	return err == nil
}

func (t *Transcoder) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, ffmpegTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", filepath.Base(bin), strings.Join(args, " "), err, tail(out, 400))
	}
	return out, nil
}

func tail(out []byte, max int) string {
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		return "..." + s[len(s)-max:]
	}
	return s
}

// writeTemp puts data into a temp file and returns the path with a
// cleanup func.
func writeTemp(data []byte, pattern string) (string, func(), error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", nil, err
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", nil, err
	}
	return path, func() { os.Remove(path) }, nil
}

// Duration reads the media duration in seconds via ffprobe.
func (t *Transcoder) Duration(ctx context.Context, path string) (float64, error) {
	out, err := t.run(ctx, t.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path)
	if err != nil {
		return 0, err
	}
	dur, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return dur, nil
}

// FitVideo compresses a video until it fits the raw byte budget. Input
// already within budget passes unchanged. Each rung lowers resolution
// and raises CRF; the final rung drops audio.
func (t *Transcoder) FitVideo(ctx context.Context, data []byte, budget int) ([]byte, error) {
	if len(data) <= budget {
		return data, nil
	}

	in, cleanup, err := writeTemp(data, "nbot-video-*.bin")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	rung := 0
	for attempt := 0; attempt < videoMaxTranscodeAttempts && rung < len(videoLadder); attempt++ {
		out, err := t.transcode(ctx, in, videoLadder[rung])
		if err != nil {
			return nil, err
		}
		if len(out) <= budget {
			return out, nil
		}
		if t.logger != nil {
			t.logger.Debug(ctx, "transcoded video still over budget",
				"rung", rung, "size", len(out), "budget", budget)
		}
		// A large overshoot skips a rung so three attempts can reach
		// the bottom of the ladder.
		if float64(budget)/float64(len(out)) < videoBudgetShrink {
			rung += 2
		} else {
			rung++
		}
	}
	return nil, fmt.Errorf("video does not fit %d byte budget", budget)
}

func (t *Transcoder) transcode(ctx context.Context, in string, rung videoRung) ([]byte, error) {
	out := in + fmt.Sprintf(".w%d.mp4", rung.width)
	defer os.Remove(out)

	args := []string{
		"-y", "-i", in,
		"-vf", fmt.Sprintf("scale=%d:-2", rung.width),
		"-c:v", "libx264",
		"-crf", strconv.Itoa(rung.crf),
		"-preset", "veryfast",
		"-movflags", "+faststart",
	}
	if rung.audioKbps > 0 {
		args = append(args, "-c:a", "aac", "-b:a", fmt.Sprintf("%dk", rung.audioKbps))
	} else {
		args = append(args, "-an")
	}
	args = append(args, out)

	if _, err := t.run(ctx, t.ffmpeg, args...); err != nil {
		return nil, err
	}
	return os.ReadFile(out)
}

// Frame is one extracted video frame with its caption.
type Frame struct {
	Label string
	JPEG  []byte
}

// FrameTimestamps places n sample points at the centers of n equal
// slices of the duration.
func FrameTimestamps(n int, duration float64) []float64 {
	ts := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		ts = append(ts, (float64(i)+0.5)/float64(n)*duration)
	}
	return ts
}

// EvenlySpaced picks keep indexes spread across total items, always
// including the first and last. keep of one picks the middle.
func EvenlySpaced(total, keep int) []int {
	if keep >= total {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	if keep == 1 {
		return []int{total / 2}
	}
	idx := make([]int, 0, keep)
	for i := 0; i < keep; i++ {
		idx = append(idx, i*(total-1)/(keep-1))
	}
	return idx
}

// FrameLabel captions a frame with its ordinal and timestamp.
func FrameLabel(n int, ts float64) string {
	return fmt.Sprintf("Frame %d @ %dms", n, int64(math.Round(ts*1000)))
}

// ExtractFrames samples count frames from a video as labeled JPEGs.
func (t *Transcoder) ExtractFrames(ctx context.Context, data []byte, count int) ([]Frame, error) {
	in, cleanup, err := writeTemp(data, "nbot-frames-*.bin")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	duration, err := t.Duration(ctx, in)
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, fmt.Errorf("video has no duration")
	}

	frames := make([]Frame, 0, count)
	for i, ts := range FrameTimestamps(count, duration) {
		out := in + fmt.Sprintf(".f%d.jpg", i)
		_, err := t.run(ctx, t.ffmpeg,
			"-y",
			"-ss", fmt.Sprintf("%.3f", ts),
			"-i", in,
			"-frames:v", "1",
			"-q:v", "3",
			out)
		if err != nil {
			continue
		}
		body, err := os.ReadFile(out)
		os.Remove(out)
		if err != nil || len(body) == 0 {
			continue
		}
		frames = append(frames, Frame{Label: FrameLabel(i+1, ts), JPEG: body})
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames could be extracted")
	}
	return frames, nil
}

// HalveFrames keeps an evenly spaced half of a frame set, rounding up.
func HalveFrames(frames []Frame) []Frame {
	keep := (len(frames) + 1) / 2
	idx := EvenlySpaced(len(frames), keep)
	out := make([]Frame, 0, keep)
	for _, i := range idx {
		out = append(out, frames[i])
	}
	return out
}
