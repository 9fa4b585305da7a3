package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
)

const (
	icoMagic      = "\x00\x00\x01\x00"
	dibHeaderLen  = 40
	bmpFileHdrLen = 14
	maxIconSide   = 1 << 12
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

var errICOEmpty = errors.New("ico: no decodable entry")

func init() {
	image.RegisterFormat("ico", icoMagic, decodeICO, decodeICOConfig)
}

// icoEntry is one image of an icon file. payload is either a complete PNG
// or a headerless DIB whose height covers the colour and AND mask planes.
type icoEntry struct {
	width, height int
	payload       []byte
}

func (e icoEntry) isPNG() bool { return bytes.HasPrefix(e.payload, pngMagic) }

// largestEntry returns the biggest image of an icon file.
func largestEntry(r io.Reader) (icoEntry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return icoEntry{}, err
	}
	if len(data) < 6 || string(data[:4]) != icoMagic {
		return icoEntry{}, errors.New("ico: bad header")
	}
	count := int(binary.LittleEndian.Uint16(data[4:6]))
	var best icoEntry
	bestArea := -1
	for i := 0; i < count; i++ {
		off := 6 + i*16
		if off+16 > len(data) {
			return icoEntry{}, errors.New("ico: truncated directory")
		}
		d := data[off : off+16]
		size := binary.LittleEndian.Uint32(d[8:12])
		start := binary.LittleEndian.Uint32(d[12:16])
		end := uint64(start) + uint64(size)
		if end > uint64(len(data)) {
			continue
		}
		e := icoEntry{width: int(d[0]), height: int(d[1]), payload: data[start:end]}
		// 0 means 256
		if e.width == 0 {
			e.width = 256
		}
		if e.height == 0 {
			e.height = 256
		}
		if !e.isPNG() && !isDIB(e.payload) {
			continue
		}
		if area := e.width * e.height; area > bestArea {
			best, bestArea = e, area
		}
	}
	if bestArea < 0 {
		return icoEntry{}, errICOEmpty
	}
	return best, nil
}

func isDIB(p []byte) bool {
	return len(p) >= dibHeaderLen && binary.LittleEndian.Uint32(p[0:4]) >= dibHeaderLen
}

// dibSize reads the image size from a DIB header. Icons store twice the
// height to make room for the AND mask.
func dibSize(p []byte) (width, height int, err error) {
	width = int(int32(binary.LittleEndian.Uint32(p[4:8])))
	height = int(int32(binary.LittleEndian.Uint32(p[8:12]))) / 2
	if width <= 0 || height <= 0 || width > maxIconSide || height > maxIconSide {
		return 0, 0, errors.New("ico: bad bitmap size")
	}
	return width, height, nil
}

// decodeDIB decodes a bitmap icon entry. 32-bit entries carry straight
// alpha, which the bmp package ignores for this header size, so they are
// read directly; the rest goes through bmp behind a synthetic file header.
func decodeDIB(p []byte) (image.Image, error) {
	width, height, err := dibSize(p)
	if err != nil {
		return nil, err
	}
	hdrLen := binary.LittleEndian.Uint32(p[0:4])
	if int(hdrLen) > len(p) {
		return nil, errors.New("ico: truncated bitmap header")
	}
	bpp := binary.LittleEndian.Uint16(p[14:16])
	if bpp == 32 {
		return decodeDIB32(p[hdrLen:], width, height)
	}

	colors := 0
	if bpp <= 8 {
		colors = int(binary.LittleEndian.Uint32(p[32:36]))
		if colors == 0 {
			colors = 1 << bpp
		}
	}
	dib := append([]byte(nil), p...)
	binary.LittleEndian.PutUint32(dib[8:12], uint32(height))
	hdr := make([]byte, bmpFileHdrLen)
	hdr[0], hdr[1] = 'B', 'M'
	binary.LittleEndian.PutUint32(hdr[2:6], uint32(bmpFileHdrLen+len(dib)))
	binary.LittleEndian.PutUint32(hdr[10:14], uint32(bmpFileHdrLen+int(hdrLen)+colors*4))
	return bmp.Decode(io.MultiReader(bytes.NewReader(hdr), bytes.NewReader(dib)))
}

// decodeDIB32 reads bottom-up BGRA rows. An all-zero alpha plane means the
// icon predates alpha and is opaque.
func decodeDIB32(pix []byte, width, height int) (image.Image, error) {
	stride := width * 4
	if len(pix) < stride*height {
		return nil, errors.New("ico: truncated bitmap")
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	hasAlpha := false
	for y := 0; y < height; y++ {
		row := pix[(height-1-y)*stride:]
		for x := 0; x < width; x++ {
			o := img.PixOffset(x, y)
			img.Pix[o+0] = row[x*4+2]
			img.Pix[o+1] = row[x*4+1]
			img.Pix[o+2] = row[x*4]
			img.Pix[o+3] = row[x*4+3]
			hasAlpha = hasAlpha || row[x*4+3] != 0
		}
	}
	if !hasAlpha {
		for i := 3; i < len(img.Pix); i += 4 {
			img.Pix[i] = 0xff
		}
	}
	return img, nil
}

func decodeICO(r io.Reader) (image.Image, error) {
	e, err := largestEntry(r)
	if err != nil {
		return nil, err
	}
	if e.isPNG() {
		return png.Decode(bytes.NewReader(e.payload))
	}
	return decodeDIB(e.payload)
}

func decodeICOConfig(r io.Reader) (image.Config, error) {
	e, err := largestEntry(r)
	if err != nil {
		return image.Config{}, err
	}
	if e.isPNG() {
		return png.DecodeConfig(bytes.NewReader(e.payload))
	}
	width, height, err := dibSize(e.payload)
	if err != nil {
		return image.Config{}, err
	}
	return image.Config{ColorModel: color.NRGBAModel, Width: width, Height: height}, nil
}
