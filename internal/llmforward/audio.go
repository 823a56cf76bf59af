package llmforward

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// audioLadder is the mp3 bitrate ladder in kbps. Mono 16 kHz keeps
// speech intelligible at the bottom rungs.
var audioLadder = []int{64, 48, 32, 24}

// FitAudio compresses an audio clip until it fits the raw byte budget.
// Input already within budget passes unchanged.
func (t *Transcoder) FitAudio(ctx context.Context, data []byte, budget int) ([]byte, error) {
	if len(data) <= budget {
		return data, nil
	}

	in, cleanup, err := writeTemp(data, "nbot-audio-*.bin")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	for _, kbps := range audioLadder {
		out := in + fmt.Sprintf(".%dk.mp3", kbps)
		_, err := t.run(ctx, t.ffmpeg,
			"-y", "-i", in,
			"-ac", "1",
			"-ar", "16000",
			"-c:a", "libmp3lame",
			"-b:a", strconv.Itoa(kbps)+"k",
			out)
		if err != nil {
			return nil, err
		}
		body, err := os.ReadFile(out)
		os.Remove(out)
		if err != nil {
			return nil, err
		}
		if len(body) <= budget {
			return body, nil
		}
	}
	return nil, fmt.Errorf("audio does not fit %d byte budget", budget)
}

// ExtractWAV pulls the audio track as mono 16 kHz PCM WAV, the format
// transcription endpoints accept. Fails when the input has no audio.
func (t *Transcoder) ExtractWAV(ctx context.Context, data []byte) ([]byte, error) {
	in, cleanup, err := writeTemp(data, "nbot-track-*.bin")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	out := in + ".wav"
	defer os.Remove(out)
	if _, err := t.run(ctx, t.ffmpeg,
		"-y", "-i", in,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		out); err != nil {
		return nil, err
	}
	return os.ReadFile(out)
}
