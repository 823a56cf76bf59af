package llmforward

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"
)

func noisyPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 7), G: uint8(y * 13), B: uint8((x ^ y) * 31), A: 255,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestPrepareImagePassThrough(t *testing.T) {
	data := noisyPNG(t, 32, 32)
	out, err := PrepareImage(data, imageMaxBudget)
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestPrepareImageRecompressesToBudget(t *testing.T) {
	data := noisyPNG(t, 400, 400)
	require.Greater(t, len(data), imageMinBudget)

	out, err := PrepareImage(data, imageMinBudget)
	require.NoError(t, err)
	require.LessOrEqual(t, len(out), imageMinBudget)

	_, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, "jpeg", format)
}

func TestPrepareImageRejectsGarbage(t *testing.T) {
	_, err := PrepareImage(bytes.Repeat([]byte{0x42}, imageMinBudget+1), imageMinBudget)
	require.Error(t, err)
}

func TestPrepareImageCompositesTransparencyOnWhite(t *testing.T) {
	// Noisy color channels under zero alpha: without compositing the
	// JPEG would show the noise, with it every pixel comes out white.
	img := image.NewNRGBA(image.Rect(0, 0, 600, 600))
	for y := 0; y < 600; y++ {
		for x := 0; x < 600; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(x * 7), G: uint8(y * 13), B: uint8((x ^ y) * 31), A: 0,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.Greater(t, buf.Len(), imageMinBudget)

	out, err := PrepareImage(buf.Bytes(), imageMinBudget)
	require.NoError(t, err)

	decoded, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	r, g, b, _ := decoded.At(10, 10).RGBA()
	require.Greater(t, r>>8, uint32(240))
	require.Greater(t, g>>8, uint32(240))
	require.Greater(t, b>>8, uint32(240))
}

func TestPrepareImageBoundsOversizedDimensions(t *testing.T) {
	data := noisyPNG(t, imageMaxWidth+800, 100)
	require.Greater(t, len(data), imageMinBudget)

	out, err := PrepareImage(data, imageMinBudget)
	require.NoError(t, err)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	require.LessOrEqual(t, cfg.Width, imageMaxWidth)
	require.LessOrEqual(t, cfg.Height, imageMaxHeight)
}
