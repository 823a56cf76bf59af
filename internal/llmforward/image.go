package llmforward

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	// imageMinBudget and imageMaxBudget clamp the per-image byte budget.
	imageMinBudget = 50 << 10
	imageMaxBudget = 10 << 20
	// imageMaxWidth and imageMaxHeight bound the dimensions before the
	// recompress loop starts.
	imageMaxWidth  = 2048
	imageMaxHeight = 2048
	// imagePrepMaxIterations bounds the recompress/shrink loop.
	imagePrepMaxIterations = 10
	// imageStartQuality is the first JPEG quality tried.
	imageStartQuality = 90
	// imageFloorQuality is the lowest quality before shrinking kicks in.
	imageFloorQuality = 50
	// imageShrinkFactor scales dimensions once quality bottoms out.
	imageShrinkFactor = 0.85
)

// PrepareImage fits an image into a byte budget for model upload. The
// image is composited onto white (JPEG has no alpha channel) and bounded
// to imageMaxWidth×imageMaxHeight, then the quality is lowered in steps
// of 10 down to a floor and dimensions shrink geometrically. Input
// already within budget passes unchanged.
func PrepareImage(data []byte, budget int) ([]byte, error) {
	if budget < imageMinBudget {
		budget = imageMinBudget
	}
	if budget > imageMaxBudget {
		budget = imageMaxBudget
	}
	if len(data) <= budget {
		return data, nil
	}

	decoded, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	var img image.Image = flattenOnWhite(decoded)
	img = boundTo(img, imageMaxWidth, imageMaxHeight)

	quality := imageStartQuality
	for i := 0; i < imagePrepMaxIterations; i++ {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode image: %w", err)
		}
		if buf.Len() <= budget {
			return buf.Bytes(), nil
		}
		if quality > imageFloorQuality {
			quality -= 10
			if quality < imageFloorQuality {
				quality = imageFloorQuality
			}
			continue
		}
		img = shrink(img, imageShrinkFactor)
	}
	return nil, fmt.Errorf("image does not fit %d byte budget", budget)
}

// flattenOnWhite composites the image over a white background so
// transparent regions encode light instead of black.
func flattenOnWhite(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Over)
	return dst
}

// boundTo scales the image down to fit the box, keeping aspect ratio.
func boundTo(img image.Image, maxW, maxH int) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= maxW && h <= maxH {
		return img
	}
	scale := float64(maxW) / float64(w)
	if s := float64(maxH) / float64(h); s < scale {
		scale = s
	}
	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	return dst
}

func shrink(img image.Image, factor float64) image.Image {
	bounds := img.Bounds()
	w := int(float64(bounds.Dx()) * factor)
	h := int(float64(bounds.Dy()) * factor)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}
