package gltf

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg" // JPEG decoder
	_ "image/png"  // PNG decoder

	_ "golang.org/x/image/bmp" // BMP decoder registration
	"golang.org/x/image/draw"
	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/model"
)

// MaxImageDimension caps decoded image width and height. Larger images
// are scaled down preserving their aspect ratio.
const MaxImageDimension = 4096

func (d *decoder) decodeImage(m *model.Model, src imageSource) (model.Image, error) {
	out := model.Image{Name: src.Name}

	var data []byte
	switch {
	case src.BufferView != nil:
		v := *src.BufferView
		if v < 0 || v >= len(m.BufferViews) {
			return out, fmt.Errorf("bufferView %d: %w", v, model.ErrIndexOutOfRange)
		}
		bv := m.BufferViews[v]
		data = m.Buffers[bv.Buffer][bv.ByteOffset : bv.ByteOffset+bv.ByteLength]
	case src.URI != "":
		var err error
		if data, err = d.resolve(src.URI); err != nil {
			return out, err
		}
	default:
		return out, fmt.Errorf("%w: image without data", ErrUnsupported)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return out, fmt.Errorf("decode: %w", err)
	}
	rgba := toRGBA(img)
	if b := rgba.Bounds(); b.Size() != img.Bounds().Size() {
		d.log.Info("image scaled down",
			zap.String("name", src.Name),
			zap.Int("width", img.Bounds().Dx()),
			zap.Int("height", img.Bounds().Dy()),
			zap.Int("scaled_width", b.Dx()),
			zap.Int("scaled_height", b.Dy()))
	}
	d.log.Debug("image decoded", zap.String("name", src.Name), zap.String("format", format))

	out.Width = rgba.Bounds().Dx()
	out.Height = rgba.Bounds().Dy()
	out.Pixels = rgba.Pix
	return out, nil
}

// toRGBA converts img to tightly packed RGBA8 with its origin at zero,
// scaling it to fit MaxImageDimension.
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > MaxImageDimension || h > MaxImageDimension {
		if w >= h {
			w, h = MaxImageDimension, max(h*MaxImageDimension/w, 1)
		} else {
			w, h = max(w*MaxImageDimension/h, 1), MaxImageDimension
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		return dst
	}
	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == 4*w {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
