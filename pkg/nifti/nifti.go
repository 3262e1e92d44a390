// Package nifti reads and writes NIfTI-1 volume files (.nii and .nii.gz)
// and manages the per-volume sidecar metadata store used by the deeprad
// tools. The header layout follows the official nifti1.h definition:
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"deeprad/internal/models"
)

// NIfTI-1 datatype codes for the voxel sample representations we accept.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTUint16  = 512
)

const (
	headerSize    = 348
	dataOffsetMin = 352
)

// Header is the fixed 348-byte NIfTI-1 header.
type Header struct {
	SizeofHdr      int32
	DataType       [10]int8
	DbName         [18]int8
	Extents        int32
	SessionError   int16
	Regular        int8
	DimInfo        int8
	Dim            [8]int16
	IntentP1       float32
	IntentP2       float32
	IntentP3       float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      int8
	XyztUnits      int8
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	Toffset        float32
	Glmax          int32
	Glmin          int32
	Descrip        [80]int8
	AuxFile        [24]int8
	QformCode      int16
	SformCode      int16
	QuaternB       float32
	QuaternC       float32
	QuaternD       float32
	QoffsetX       float32
	QoffsetY       float32
	QoffsetZ       float32
	SrowX          [4]float32
	SrowY          [4]float32
	SrowZ          [4]float32
	IntentName     [16]int8
	Magic          [4]int8
}

// IsNIfTI reports whether name carries a NIfTI file extension.
func IsNIfTI(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}

// BaseName strips the NIfTI extension from the last path element, yielding
// the stable subject key for the file.
func BaseName(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		return name[:len(name)-len(".nii.gz")]
	case strings.HasSuffix(lower, ".nii"):
		return name[:len(name)-len(".nii")]
	}
	return name
}

// Load reads a .nii or .nii.gz file into a Volume. Voxel samples are widened
// to float64; integer and narrow float datatypes are accepted, the intensity
// values themselves are never rescaled here.
func Load(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream of %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%s: truncated header (%d bytes)", path, len(raw))
	}

	hdr, order, err := decodeHeader(raw[:headerSize])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	ndim := int(hdr.Dim[0])
	dims := make([]int, ndim)
	n := 1
	for i := 0; i < ndim; i++ {
		dims[i] = int(hdr.Dim[i+1])
		if dims[i] < 1 {
			return nil, fmt.Errorf("%s: non-positive extent %d on axis %d", path, dims[i], i)
		}
		n *= dims[i]
	}

	offset := int(hdr.VoxOffset)
	if offset < headerSize {
		offset = dataOffsetMin
	}
	if len(raw) < offset {
		return nil, fmt.Errorf("%s: file shorter than voxel offset %d", path, offset)
	}

	data, err := decodeSamples(raw[offset:], hdr.Datatype, n, order)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &models.Volume{
		Data:   data,
		Dims:   dims,
		Affine: affineFromHeader(hdr),
	}, nil
}

// decodeHeader parses the fixed header, detecting byte order from the
// dim[0] plausibility check the NIfTI-1 standard recommends.
func decodeHeader(buf []byte) (Header, binary.ByteOrder, error) {
	var hdr Header
	var order binary.ByteOrder = binary.LittleEndian
	if err := binary.Read(bytes.NewReader(buf), order, &hdr); err != nil {
		return hdr, order, err
	}
	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		hdr = Header{}
		order = binary.BigEndian
		if err := binary.Read(bytes.NewReader(buf), order, &hdr); err != nil {
			return hdr, order, err
		}
	}
	if hdr.Dim[0] < 1 || hdr.Dim[0] > 7 {
		return hdr, order, fmt.Errorf("dim[0]=%d outside [1,7], not a NIfTI-1 file", hdr.Dim[0])
	}
	if hdr.SizeofHdr != headerSize {
		return hdr, order, fmt.Errorf("header size %d, want %d", hdr.SizeofHdr, headerSize)
	}
	return hdr, order, nil
}

// decodeSamples widens n voxel samples of the given datatype to float64.
func decodeSamples(buf []byte, datatype int16, n int, order binary.ByteOrder) ([]float64, error) {
	var bytesPer int
	switch datatype {
	case DTUint8:
		bytesPer = 1
	case DTInt16, DTUint16:
		bytesPer = 2
	case DTInt32, DTFloat32:
		bytesPer = 4
	case DTFloat64:
		bytesPer = 8
	default:
		return nil, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
	if len(buf) < n*bytesPer {
		return nil, fmt.Errorf("voxel data truncated: have %d bytes, need %d", len(buf), n*bytesPer)
	}

	out := make([]float64, n)
	for i := 0; i < n; i++ {
		b := buf[i*bytesPer:]
		switch datatype {
		case DTUint8:
			out[i] = float64(b[0])
		case DTInt16:
			out[i] = float64(int16(order.Uint16(b)))
		case DTUint16:
			out[i] = float64(order.Uint16(b))
		case DTInt32:
			out[i] = float64(int32(order.Uint32(b)))
		case DTFloat32:
			out[i] = float64(math.Float32frombits(order.Uint32(b)))
		case DTFloat64:
			out[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return out, nil
}

// affineFromHeader builds the voxel-to-world transform. The sform rows are
// used when present, otherwise a diagonal map from pixdim.
func affineFromHeader(hdr Header) [16]float64 {
	var a [16]float64
	if hdr.SformCode > 0 {
		for i := 0; i < 4; i++ {
			a[i] = float64(hdr.SrowX[i])
			a[4+i] = float64(hdr.SrowY[i])
			a[8+i] = float64(hdr.SrowZ[i])
		}
	} else {
		a[0] = float64(hdr.Pixdim[1])
		a[5] = float64(hdr.Pixdim[2])
		a[10] = float64(hdr.Pixdim[3])
	}
	a[15] = 1
	return a
}

// Save writes the volume as a single-file NIfTI-1 image with float32 voxel
// samples. Gzip compression is selected by the .gz extension.
func Save(path string, vol *models.Volume) error {
	if len(vol.Dims) < 1 || len(vol.Dims) > 7 {
		return fmt.Errorf("cannot save volume with %d axes", len(vol.Dims))
	}
	if vol.NumVoxels() != len(vol.Data) {
		return fmt.Errorf("dims imply %d voxels but data holds %d", vol.NumVoxels(), len(vol.Data))
	}

	hdr := Header{
		SizeofHdr: headerSize,
		Datatype:  DTFloat32,
		Bitpix:    32,
		VoxOffset: dataOffsetMin,
		SclSlope:  1,
		SformCode: 1,
		Magic:     [4]int8{'n', '+', '1', 0},
	}
	hdr.Dim[0] = int16(len(vol.Dims))
	for i, d := range vol.Dims {
		hdr.Dim[i+1] = int16(d)
	}
	for i := len(vol.Dims) + 1; i < 8; i++ {
		hdr.Dim[i] = 1
	}
	for i := range hdr.Pixdim {
		hdr.Pixdim[i] = 1
	}
	for i := 0; i < 4; i++ {
		hdr.SrowX[i] = float32(vol.Affine[i])
		hdr.SrowY[i] = float32(vol.Affine[4+i])
		hdr.SrowZ[i] = float32(vol.Affine[8+i])
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	// Pad to the voxel offset (348-byte header + 4-byte extension flag).
	buf.Write([]byte{0, 0, 0, 0})
	samples := make([]float32, len(vol.Data))
	for i, v := range vol.Data {
		samples[i] = float32(v)
	}
	if err := binary.Write(&buf, binary.LittleEndian, samples); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz := gzip.NewWriter(f)
		if _, err := gz.Write(buf.Bytes()); err != nil {
			f.Close()
			return err
		}
		if err := gz.Close(); err != nil {
			f.Close()
			return err
		}
	} else if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
