// Package tiff encodes 2D floating-point tiles as single-strip 32-bit IEEE
// float TIFF files, the interchange format deep-learning loaders consume.
// The baseline TIFF library under golang.org/x/image only handles integer
// sample formats, so the small float variant is written directly here.
package tiff

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"deeprad/internal/models"
)

// TIFF tags used by the float32 baseline layout.
const (
	tagImageWidth    = 256
	tagImageLength   = 257
	tagBitsPerSample = 258
	tagCompression   = 259
	tagPhotometric   = 262
	tagStripOffsets  = 273
	tagSamplesPerPix = 277
	tagRowsPerStrip  = 278
	tagStripBytes    = 279
	tagSampleFormat  = 339
)

const (
	typeShort = 3
	typeLong  = 4

	compressionNone  = 1
	photometricBlack = 1
	sampleFormatIEEE = 3

	headerLen = 8
)

// Encode writes the tile as a little-endian float32 TIFF. Pixel values are
// narrowed from float64 to float32, matching the on-disk sample format.
func Encode(w io.Writer, tile models.Tile) error {
	if tile.Width <= 0 || tile.Height <= 0 {
		return fmt.Errorf("cannot encode empty %dx%d tile", tile.Width, tile.Height)
	}
	if len(tile.Pix) != tile.Width*tile.Height {
		return fmt.Errorf("tile holds %d pixels, shape %dx%d needs %d",
			len(tile.Pix), tile.Width, tile.Height, tile.Width*tile.Height)
	}

	stripBytes := uint32(tile.Width * tile.Height * 4)
	ifdOffset := uint32(headerLen) + stripBytes

	var buf bytes.Buffer
	// Header: little-endian magic and offset of the sole IFD, which sits
	// after the single pixel strip.
	buf.WriteString("II")
	binary.Write(&buf, binary.LittleEndian, uint16(42))
	binary.Write(&buf, binary.LittleEndian, ifdOffset)

	for _, v := range tile.Pix {
		binary.Write(&buf, binary.LittleEndian, math.Float32bits(float32(v)))
	}

	entries := []ifdEntry{
		{tagImageWidth, typeLong, uint32(tile.Width)},
		{tagImageLength, typeLong, uint32(tile.Height)},
		{tagBitsPerSample, typeShort, 32},
		{tagCompression, typeShort, compressionNone},
		{tagPhotometric, typeShort, photometricBlack},
		{tagStripOffsets, typeLong, headerLen},
		{tagSamplesPerPix, typeShort, 1},
		{tagRowsPerStrip, typeLong, uint32(tile.Height)},
		{tagStripBytes, typeLong, stripBytes},
		{tagSampleFormat, typeShort, sampleFormatIEEE},
	}
	binary.Write(&buf, binary.LittleEndian, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(&buf, binary.LittleEndian, e.tag)
		binary.Write(&buf, binary.LittleEndian, e.typ)
		binary.Write(&buf, binary.LittleEndian, uint32(1))
		binary.Write(&buf, binary.LittleEndian, e.value)
	}
	// Offset of the next IFD: none.
	binary.Write(&buf, binary.LittleEndian, uint32(0))

	_, err := w.Write(buf.Bytes())
	return err
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	value uint32
}

// EncodeFile writes the tile to path via Encode.
func EncodeFile(path string, tile models.Tile) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, tile); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Decode reads a float32 TIFF produced by Encode (single strip,
// uncompressed, little-endian).
func Decode(r io.Reader) (models.Tile, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return models.Tile{}, err
	}
	if len(raw) < headerLen || raw[0] != 'I' || raw[1] != 'I' {
		return models.Tile{}, fmt.Errorf("not a little-endian TIFF")
	}
	order := binary.LittleEndian
	if order.Uint16(raw[2:]) != 42 {
		return models.Tile{}, fmt.Errorf("bad TIFF magic")
	}

	ifd := order.Uint32(raw[4:])
	if int(ifd)+2 > len(raw) {
		return models.Tile{}, fmt.Errorf("IFD offset beyond file")
	}
	n := int(order.Uint16(raw[ifd:]))
	fields := map[uint16]uint32{}
	for i := 0; i < n; i++ {
		off := int(ifd) + 2 + i*12
		if off+12 > len(raw) {
			return models.Tile{}, fmt.Errorf("truncated IFD")
		}
		tag := order.Uint16(raw[off:])
		typ := order.Uint16(raw[off+2:])
		var value uint32
		if typ == typeShort {
			value = uint32(order.Uint16(raw[off+8:]))
		} else {
			value = order.Uint32(raw[off+8:])
		}
		fields[tag] = value
	}

	if fields[tagCompression] != compressionNone {
		return models.Tile{}, fmt.Errorf("unsupported compression %d", fields[tagCompression])
	}
	if fields[tagSampleFormat] != sampleFormatIEEE || fields[tagBitsPerSample] != 32 {
		return models.Tile{}, fmt.Errorf("not a 32-bit float TIFF")
	}

	width := int(fields[tagImageWidth])
	height := int(fields[tagImageLength])
	offset := int(fields[tagStripOffsets])
	if width <= 0 || height <= 0 || offset+width*height*4 > len(raw) {
		return models.Tile{}, fmt.Errorf("inconsistent TIFF geometry")
	}

	tile := models.NewTile(width, height)
	for i := range tile.Pix {
		bits := order.Uint32(raw[offset+i*4:])
		tile.Pix[i] = float64(math.Float32frombits(bits))
	}
	return tile, nil
}

// DecodeFile reads the tile stored at path via Decode.
func DecodeFile(path string) (models.Tile, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Tile{}, err
	}
	defer f.Close()
	return Decode(f)
}
