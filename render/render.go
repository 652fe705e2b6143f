// Package render draws detections onto images and writes them to disk.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/Tutortoise/object-detection-lambda/models"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

type Options struct {
	// Threshold is the minimum score drawn. Detections scoring exactly
	// Threshold are drawn.
	Threshold float32
	LineWidth int
	Labels    bool
}

func DefaultOptions(threshold float32) Options {
	return Options{Threshold: threshold, LineWidth: 1, Labels: true}
}

var palette = []color.NRGBA{
	{R: 230, G: 25, B: 75, A: 255},
	{R: 60, G: 180, B: 75, A: 255},
	{R: 255, G: 225, B: 25, A: 255},
	{R: 0, G: 130, B: 200, A: 255},
	{R: 245, G: 130, B: 48, A: 255},
	{R: 145, G: 30, B: 180, A: 255},
	{R: 70, G: 240, B: 240, A: 255},
	{R: 240, G: 50, B: 230, A: 255},
	{R: 210, G: 245, B: 60, A: 255},
	{R: 0, G: 128, B: 128, A: 255},
}

// ClassColor is the fixed box colour for a class id.
func ClassColor(classID int) color.NRGBA {
	if classID < 0 {
		classID = -classID
	}
	return palette[classID%len(palette)]
}

// Visible filters dets to those scoring at least threshold, keeping order.
func Visible(dets []models.Detection, threshold float32) []models.Detection {
	out := make([]models.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Score >= threshold {
			out = append(out, d)
		}
	}
	return out
}

// Plot draws the visible detections onto a copy of img and returns the copy
// along with the detections that were drawn. img is not modified.
func Plot(img image.Image, dets []models.Detection, opts Options) (*image.NRGBA, []models.Detection) {
	canvas := imaging.Clone(img)
	if opts.LineWidth <= 0 {
		opts.LineWidth = 1
	}

	drawn := Visible(dets, opts.Threshold)
	for _, d := range drawn {
		c := ClassColor(d.ClassID)
		box := image.Rect(int(d.BBox[0]), int(d.BBox[1]), int(d.BBox[2]), int(d.BBox[3]))
		drawRect(canvas, box, c, opts.LineWidth)
		if opts.Labels {
			drawLabel(canvas, box, fmt.Sprintf("%s %.3f", d.Label, d.Score), c)
		}
	}
	return canvas, drawn
}

// drawRect outlines r with lines width pixels thick, growing inwards.
// Pixels outside dst are skipped.
func drawRect(dst *image.NRGBA, r image.Rectangle, c color.NRGBA, width int) {
	r = r.Canon()
	if r.Empty() {
		return
	}
	for t := 0; t < width; t++ {
		top, bottom := r.Min.Y+t, r.Max.Y-1-t
		left, right := r.Min.X+t, r.Max.X-1-t
		if top > bottom || left > right {
			return
		}
		for x := left; x <= right; x++ {
			dst.SetNRGBA(x, top, c)
			dst.SetNRGBA(x, bottom, c)
		}
		for y := top; y <= bottom; y++ {
			dst.SetNRGBA(left, y, c)
			dst.SetNRGBA(right, y, c)
		}
	}
}

// drawLabel writes text on a filled tag above the box's top left corner,
// or just inside the box when there is no room above.
func drawLabel(dst *image.NRGBA, box image.Rectangle, text string, bg color.NRGBA) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelInk(bg)),
		Face: face,
	}

	width := d.MeasureString(text).Ceil() + 4
	height := face.Height

	top := box.Min.Y - height
	if top < dst.Bounds().Min.Y {
		top = box.Min.Y
	}
	tag := image.Rect(box.Min.X, top, box.Min.X+width, top+height).Intersect(dst.Bounds())
	if tag.Empty() {
		return
	}
	draw.Draw(dst, tag, image.NewUniform(bg), image.Point{}, draw.Src)

	d.Dot = fixed.P(tag.Min.X+2, tag.Min.Y+face.Ascent)
	d.DrawString(text)
}

func labelInk(bg color.NRGBA) color.Color {
	// Perceived luminance, ITU-R BT.601.
	lum := 299*int(bg.R) + 587*int(bg.G) + 114*int(bg.B)
	if lum > 128*1000 {
		return color.Black
	}
	return color.White
}

// Save encodes img in the format implied by path's extension.
func Save(img image.Image, path string) error {
	if err := imaging.Save(img, path, imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

// Open decodes an image file, applying any EXIF orientation.
func Open(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
