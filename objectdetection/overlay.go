package objectdetection

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

var overlayFont *truetype.Font

// init sets up the font used for detection labels.
func init() {
	var err error
	overlayFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Overlay returns a copy of the image with the detection boxes and their
// label:score drawn on top of it.
func Overlay(img image.Image, dets []Detection) image.Image {
	dc := gg.NewContextForImage(img)
	red := color.NRGBA{255, 0, 0, 255}
	for _, d := range dets {
		drawRectangleEmpty(dc, *d.BoundingBox(), red, 2.0)
		caption := fmt.Sprintf("%s: %.2f", d.Label(), d.Score())
		drawString(dc, caption, d.BoundingBox().Min, red, 20)
	}
	return dc.Image()
}

// drawString writes a string to the given context at a particular point.
func drawString(dc *gg.Context, text string, p image.Point, c color.Color, size float64) {
	dc.SetFontFace(truetype.NewFace(overlayFont, &truetype.Options{Size: size}))
	dc.SetColor(c)
	dc.DrawStringWrapped(text, float64(p.X), float64(p.Y), 0, 0, float64(dc.Width()), 1, 0)
}

// drawRectangleEmpty draws the given rectangle into the context. The positions of the
// rectangle are used to place it within the context.
func drawRectangleEmpty(dc *gg.Context, r image.Rectangle, c color.Color, width float64) {
	dc.SetColor(c)

	dc.DrawLine(float64(r.Min.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Min.Y))
	dc.SetLineWidth(width)
	dc.Stroke()

	dc.DrawLine(float64(r.Min.X), float64(r.Min.Y), float64(r.Min.X), float64(r.Max.Y))
	dc.SetLineWidth(width)
	dc.Stroke()

	dc.DrawLine(float64(r.Max.X), float64(r.Min.Y), float64(r.Max.X), float64(r.Max.Y))
	dc.SetLineWidth(width)
	dc.Stroke()

	dc.DrawLine(float64(r.Min.X), float64(r.Max.Y), float64(r.Max.X), float64(r.Max.Y))
	dc.SetLineWidth(width)
	dc.Stroke()
}
