package rembg

import (
	"context"
	"image"
)

// Remover strips the background from an image. Implementations return a new
// image with the same dimensions where background pixels are transparent and
// foreground pixels are left unchanged.
type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

// Passthrough returns the input unchanged. Used for dry runs and as a
// deterministic stand-in for the model in tests.
type Passthrough struct{}

func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

func (p *Passthrough) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	return img, nil
}
