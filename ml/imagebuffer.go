package ml

import (
	"image"

	"github.com/nfnt/resize"
)

// ResizeImage resizes an image to the exact width and height the model input expects.
func ResizeImage(img image.Image, width, height int) image.Image {
	if img.Bounds().Dx() == width && img.Bounds().Dy() == height {
		return img
	}
	return resize.Resize(uint(width), uint(height), img, resize.Bilinear)
}

// ImageToFloatBuffer reads an image into a float32 buffer in channels-last
// (HWC) order, one value per channel in the 0-255 range.
func ImageToFloatBuffer(img image.Image) []float32 {
	bounds := img.Bounds()
	out := make([]float32, 0, bounds.Dx()*bounds.Dy()*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out = append(out, float32(r>>8), float32(g>>8), float32(b>>8))
		}
	}
	return out
}

// ImageToFloatBufferCHW reads an image into a float32 buffer in
// channels-first (CHW) order, the layout most SSD-style networks expect.
func ImageToFloatBufferCHW(img image.Image) []float32 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	out := make([]float32, 3*w*h)
	i := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out[i] = float32(r >> 8)
			out[w*h+i] = float32(g >> 8)
			out[2*w*h+i] = float32(b >> 8)
			i++
		}
	}
	return out
}
