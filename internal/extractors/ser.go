package extractors

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
)

// SERExtractor reads TIA (Emispec) .ser series files: a little-endian header
// describing a series of 1D spectra or 2D images, an offset table locating
// each data element, and per-element calibration preceding the raw array.
type SERExtractor struct{}

// NewSERExtractor returns the TIA series extractor.
func NewSERExtractor() *SERExtractor {
	return &SERExtractor{}
}

func (e *SERExtractor) Name() string { return "tia-ser" }

func (e *SERExtractor) Extensions() []string { return []string{".ser"} }

func (e *SERExtractor) SupportsImaging() bool { return true }

func (e *SERExtractor) Sniff(header []byte) bool {
	if len(header) < 4 {
		return false
	}
	return binary.LittleEndian.Uint16(header[0:2]) == serByteOrder &&
		binary.LittleEndian.Uint16(header[2:4]) == serSeriesID
}

const (
	serByteOrder = 0x4949
	serSeriesID  = 0x0197

	// versions at or above this store offsets as int64.
	serWideOffsetsVersion = 0x0220

	serData1D = 0x4120
	serData2D = 0x4122
)

// ser element data type codes.
const (
	serTypeUint8 = iota + 1
	serTypeUint16
	serTypeUint32
	serTypeInt8
	serTypeInt16
	serTypeInt32
	serTypeFloat32
	serTypeFloat64
)

type serReader struct {
	data []byte
	pos  int
}

func (e *SERExtractor) Extract(ctx context.Context, path string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta := NewMetadata(e.Name(), StatusExtracted)

	r := &serReader{data: raw}
	byteOrder, err := r.uint16()
	if err != nil {
		return nil, err
	}
	seriesID, err := r.uint16()
	if err != nil {
		return nil, err
	}
	if byteOrder != serByteOrder || seriesID != serSeriesID {
		return nil, fmt.Errorf("not a TIA series file")
	}
	version, err := r.uint16()
	if err != nil {
		return nil, err
	}
	wideOffsets := version >= serWideOffsetsVersion

	dataTypeID, err := r.int32()
	if err != nil {
		return nil, err
	}
	if _, err := r.int32(); err != nil { // tag type id
		return nil, err
	}
	totalElements, err := r.int32()
	if err != nil {
		return nil, err
	}
	validElements, err := r.int32()
	if err != nil {
		return nil, err
	}
	offsetArrayOffset, err := r.offset(wideOffsets)
	if err != nil {
		return nil, err
	}
	nDims, err := r.int32()
	if err != nil {
		return nil, err
	}

	for i := int32(0); i < nDims; i++ {
		dim, err := r.readDimension()
		if err != nil {
			return nil, fmt.Errorf("dimension %d: %w", i, err)
		}
		key := fmt.Sprintf("Series Dimension %d", i)
		meta.Set(key+" Size", strconv.Itoa(dim.size))
		if dim.units != "" {
			meta.Set(key+" Units", dim.units)
		}
		if dim.description != "" {
			meta.Set(key+" Description", dim.description)
		}
	}

	meta.Set("Series Version", fmt.Sprintf("0x%x", version))
	meta.Set("Total Elements", strconv.Itoa(int(totalElements)))
	meta.Set("Valid Elements", strconv.Itoa(int(validElements)))

	switch dataTypeID {
	case serData1D:
		meta.Set("DatasetType", "Spectrum")
		meta.Set("Data Type", "TEM_EDS_Spectrum")
	case serData2D:
		meta.Set("DatasetType", "Image")
		meta.Set("Data Type", "TEM_Imaging")
	default:
		meta.Warn(fmt.Sprintf("unknown series data type 0x%x", dataTypeID))
	}

	if validElements <= 0 {
		meta.Warn("series holds no valid elements")
		return meta, nil
	}

	offsets, err := readSEROffsets(raw, offsetArrayOffset, int(totalElements), wideOffsets)
	if err != nil {
		meta.Warn(fmt.Sprintf("offset table unreadable: %v", err))
		return meta, nil
	}

	limit := int(validElements)
	if limit > len(offsets) {
		limit = len(offsets)
	}
	for i := 0; i < limit; i++ {
		ds, err := readSERElement(raw, offsets[i], dataTypeID, i)
		if err != nil {
			meta.Warn(fmt.Sprintf("element %d unreadable: %v", i, err))
			continue
		}
		if i == 0 {
			if ds.Height > 1 {
				meta.Set("Data Dimensions", fmt.Sprintf("(%d, %d)", ds.Height, ds.Width))
			} else {
				meta.Set("Data Dimensions", fmt.Sprintf("(%d,)", ds.Width))
			}
		}
		meta.Datasets = append(meta.Datasets, *ds)
	}
	if len(meta.Datasets) > 1 && meta.Fields["DatasetType"] == "Image" {
		meta.Set("DatasetType", "ImageStack")
	}
	return meta, nil
}

type serDimension struct {
	size        int
	description string
	units       string
}

func (r *serReader) readDimension() (serDimension, error) {
	var dim serDimension
	size, err := r.int32()
	if err != nil {
		return dim, err
	}
	dim.size = int(size)
	if err := r.skip(8 + 8 + 4); err != nil { // calibration offset, delta, element
		return dim, err
	}
	if dim.description, err = r.lengthString(); err != nil {
		return dim, err
	}
	if dim.units, err = r.lengthString(); err != nil {
		return dim, err
	}
	return dim, nil
}

func readSEROffsets(raw []byte, at int64, count int, wide bool) ([]int64, error) {
	r := &serReader{data: raw}
	if err := r.seek(at); err != nil {
		return nil, err
	}
	entrySize := 4
	if wide {
		entrySize = 8
	}
	// The element count comes from the header; cap it at what the offset
	// table region can actually hold before allocating.
	if count < 0 || count > r.remaining()/entrySize {
		return nil, fmt.Errorf("element count %d exceeds offset table size", count)
	}
	offsets := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		off, err := r.offset(wide)
		if err != nil {
			return nil, err
		}
		if off == 0 {
			break
		}
		offsets = append(offsets, off)
	}
	return offsets, nil
}

func readSERElement(raw []byte, at int64, dataTypeID int32, index int) (*Dataset, error) {
	r := &serReader{data: raw}
	if err := r.seek(at); err != nil {
		return nil, err
	}
	switch dataTypeID {
	case serData1D:
		if err := r.skip(8 + 8 + 4); err != nil { // calibration
			return nil, err
		}
		dtype, err := r.uint16()
		if err != nil {
			return nil, err
		}
		length, err := r.int32()
		if err != nil {
			return nil, err
		}
		pixels, err := r.readSERValues(dtype, int(length))
		if err != nil {
			return nil, err
		}
		return &Dataset{
			Name:   fmt.Sprintf("element-%d", index),
			Width:  int(length),
			Height: 1,
			Frames: 1,
			Pixels: pixels,
		}, nil
	case serData2D:
		if err := r.skip(2 * (8 + 8 + 4)); err != nil { // x and y calibration
			return nil, err
		}
		dtype, err := r.uint16()
		if err != nil {
			return nil, err
		}
		width, err := r.int32()
		if err != nil {
			return nil, err
		}
		height, err := r.int32()
		if err != nil {
			return nil, err
		}
		if width <= 0 || height <= 0 {
			return nil, fmt.Errorf("bad array size %dx%d", width, height)
		}
		pixels, err := r.readSERValues(dtype, int(width)*int(height))
		if err != nil {
			return nil, err
		}
		return &Dataset{
			Name:   fmt.Sprintf("element-%d", index),
			Width:  int(width),
			Height: int(height),
			Frames: 1,
			Pixels: pixels,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported series data type 0x%x", dataTypeID)
	}
}

func (r *serReader) readSERValues(dtype uint16, n int) ([]float64, error) {
	size := serValueSize(dtype)
	if size == 0 {
		return nil, fmt.Errorf("unsupported element data type %d", dtype)
	}
	if n < 0 || n > r.remaining()/size {
		return nil, fmt.Errorf("value count %d exceeds remaining data", n)
	}
	values := make([]float64, n)
	for i := 0; i < n; i++ {
		v, err := r.readSERValue(dtype)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

func (r *serReader) readSERValue(dtype uint16) (float64, error) {
	switch dtype {
	case serTypeUint8:
		b, err := r.bytes(1)
		if err != nil {
			return 0, err
		}
		return float64(b[0]), nil
	case serTypeInt8:
		b, err := r.bytes(1)
		if err != nil {
			return 0, err
		}
		return float64(int8(b[0])), nil
	case serTypeUint16:
		v, err := r.uint16()
		return float64(v), err
	case serTypeInt16:
		v, err := r.uint16()
		return float64(int16(v)), err
	case serTypeUint32:
		v, err := r.uint32()
		return float64(v), err
	case serTypeInt32:
		v, err := r.uint32()
		return float64(int32(v)), err
	case serTypeFloat32:
		v, err := r.uint32()
		return float64(math.Float32frombits(v)), err
	case serTypeFloat64:
		v, err := r.uint64()
		return math.Float64frombits(v), err
	default:
		return 0, fmt.Errorf("unsupported element data type %d", dtype)
	}
}

func serValueSize(dtype uint16) int {
	switch dtype {
	case serTypeUint8, serTypeInt8:
		return 1
	case serTypeUint16, serTypeInt16:
		return 2
	case serTypeUint32, serTypeInt32, serTypeFloat32:
		return 4
	case serTypeFloat64:
		return 8
	default:
		return 0
	}
}

func (r *serReader) bytes(n int) ([]byte, error) {
	if n < 0 || n > len(r.data)-r.pos {
		return nil, fmt.Errorf("unexpected end of file at offset %d", r.pos)
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *serReader) remaining() int {
	return len(r.data) - r.pos
}

func (r *serReader) skip(n int) error {
	_, err := r.bytes(n)
	return err
}

func (r *serReader) seek(at int64) error {
	if at < 0 || at > int64(len(r.data)) {
		return fmt.Errorf("offset %d out of range", at)
	}
	r.pos = int(at)
	return nil
}

func (r *serReader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *serReader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *serReader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *serReader) int32() (int32, error) {
	v, err := r.uint32()
	return int32(v), err
}

func (r *serReader) offset(wide bool) (int64, error) {
	if wide {
		v, err := r.uint64()
		return int64(v), err
	}
	v, err := r.int32()
	return int64(v), err
}

func (r *serReader) lengthString() (string, error) {
	n, err := r.int32()
	if err != nil {
		return "", err
	}
	if n < 0 || n > 1<<20 {
		return "", fmt.Errorf("implausible string length %d", n)
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
