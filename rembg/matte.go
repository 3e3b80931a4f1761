package rembg

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// applyMatte writes matte into the alpha channel of img and returns the
// composited result. The matte is interpreted as a grayscale mask: white is
// foreground, black is background. A matte whose size differs from the image
// (the model may have worked on a downscaled copy) is rescaled first.
func applyMatte(img image.Image, matte image.Image) (*image.NRGBA, error) {
	if img == nil || matte == nil {
		return nil, fmt.Errorf("nil image or matte")
	}

	out := toNRGBA(img)
	mask := scaleMatte(matte, out.Bounds())

	w, h := out.Bounds().Dx(), out.Bounds().Dy()
	for y := 0; y < h; y++ {
		row := y * out.Stride
		for x := 0; x < w; x++ {
			out.Pix[row+x*4+3] = mask.GrayAt(x, y).Y
		}
	}
	return out, nil
}

// scaleMatte converts matte to grayscale at the size of bounds.
func scaleMatte(matte image.Image, bounds image.Rectangle) *image.Gray {
	gray := toGray(matte)
	if gray.Bounds().Dx() == bounds.Dx() && gray.Bounds().Dy() == bounds.Dy() {
		return gray
	}
	dst := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), gray, gray.Bounds(), xdraw.Over, nil)
	return dst
}

func toGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			val := uint8((0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 256)
			gray.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: val})
		}
	}
	return gray
}

func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
