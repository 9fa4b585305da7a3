package engine

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"uniconvert/internal/apperr"
	"uniconvert/internal/formats"
)

const (
	jpegQuality = 95

	DefaultMaxImagePixels = 64_000_000
	DefaultMaxDocxBody    = 64 << 20
)

// Limits bound what the in-process decoders accept from an upload. Zero
// fields fall back to the defaults.
type Limits struct {
	MaxImagePixels int64
	MaxDocxBody    int64
}

func (l Limits) imagePixels() int64 {
	if l.MaxImagePixels > 0 {
		return l.MaxImagePixels
	}
	return DefaultMaxImagePixels
}

func (l Limits) docxBody() int64 {
	if l.MaxDocxBody > 0 {
		return l.MaxDocxBody
	}
	return DefaultMaxDocxBody
}

var rasterSources = formats.NewSet(formats.PNG, formats.JPG, formats.BMP, formats.TIFF, formats.GIF, formats.WEBP, formats.ICO)
var rasterTargets = formats.NewSet(formats.PNG, formats.JPG, formats.BMP, formats.TIFF, formats.GIF)

// ImageCodec converts between raster formats in process.
type ImageCodec struct {
	Limits Limits
}

func (ImageCodec) Name() string    { return "image-codec" }
func (ImageCodec) Available() bool { return true }

func (ImageCodec) Accepts(src, target formats.Format) bool {
	return rasterSources.Has(src) && rasterTargets.Has(target)
}

func (c ImageCodec) Convert(ctx context.Context, r io.Reader, src, target formats.Format, w io.Writer) error {
	img, err := decodeImage(r, c.Limits.imagePixels())
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return encodeImage(w, img, target)
}

// decodeImage reads the header first and refuses images whose pixel buffer
// would exceed maxPixels before the decoder allocates it.
func decodeImage(r io.Reader, maxPixels int64) (image.Image, error) {
	var head bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &head))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > maxPixels {
		return nil, apperr.New(apperr.KindConversionFailed,
			"image is %dx%d pixels, above the %.0f megapixel limit", cfg.Width, cfg.Height, float64(maxPixels)/1e6)
	}
	img, _, err := image.Decode(io.MultiReader(&head, r))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

func encodeImage(w io.Writer, img image.Image, target formats.Format) error {
	var err error
	switch target {
	case formats.PNG:
		err = png.Encode(w, img)
	case formats.JPG:
		err = jpeg.Encode(w, flatten(img), &jpeg.Options{Quality: jpegQuality})
	case formats.BMP:
		err = bmp.Encode(w, img)
	case formats.TIFF:
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	case formats.GIF:
		err = gif.Encode(w, img, nil)
	default:
		return fmt.Errorf("encode image: unsupported target %s", target)
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", target, err)
	}
	return nil
}

// flatten composites img over white; JPEG has no alpha channel.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}
