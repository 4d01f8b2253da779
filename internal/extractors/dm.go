package extractors

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// DigitalMicrographExtractor reads Gatan DigitalMicrograph .dm3/.dm4 files:
// a big-endian tag tree whose leaf data is stored in the byte order named by
// the header. Tag names and nesting follow Gatan's conventions, so the
// interesting instrument metadata lives under ImageList.*.ImageTags.
type DigitalMicrographExtractor struct{}

// NewDigitalMicrographExtractor returns the dm3/dm4 extractor.
func NewDigitalMicrographExtractor() *DigitalMicrographExtractor {
	return &DigitalMicrographExtractor{}
}

func (e *DigitalMicrographExtractor) Name() string { return "digital-micrograph" }

func (e *DigitalMicrographExtractor) Extensions() []string { return []string{".dm3", ".dm4"} }

func (e *DigitalMicrographExtractor) SupportsImaging() bool { return true }

// Sniff matches the big-endian version word: 3 or 4 in the first four bytes.
func (e *DigitalMicrographExtractor) Sniff(header []byte) bool {
	if len(header) < 4 {
		return false
	}
	version := binary.BigEndian.Uint32(header[:4])
	return version == 3 || version == 4
}

func (e *DigitalMicrographExtractor) Extract(ctx context.Context, path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	meta := NewMetadata(e.Name(), StatusExtracted)
	parser := &dmParser{data: raw, meta: meta}
	if err := parser.run(ctx); err != nil {
		meta.Warn(fmt.Sprintf("tag tree truncated: %v", err))
	}
	parser.finish()
	return meta, nil
}

// dm tag entry kinds.
const (
	dmKindGroup = 20
	dmKindData  = 21
)

// dm leaf data type codes.
const (
	dmTypeInt16   = 2
	dmTypeInt32   = 3
	dmTypeUint16  = 4
	dmTypeUint32  = 5
	dmTypeFloat32 = 6
	dmTypeFloat64 = 7
	dmTypeBool    = 8
	dmTypeChar    = 9
	dmTypeOctet   = 10
	dmTypeInt64   = 11
	dmTypeUint64  = 12
	dmTypeStruct  = 15
	dmTypeString  = 18
	dmTypeArray   = 20
)

// arrays below this length are recorded as metadata values; larger numeric
// arrays are treated as imaging payload candidates.
const dmInlineArrayMax = 16

type dmCapturedArray struct {
	path   string
	values []float64
}

type dmParser struct {
	data       []byte
	pos        int
	version    uint32
	littleData bool

	meta   *Metadata
	tags   map[string]string
	arrays []dmCapturedArray
}

func (p *dmParser) run(ctx context.Context) error {
	p.tags = make(map[string]string)

	version, err := p.readUint32BE()
	if err != nil {
		return err
	}
	if version != 3 && version != 4 {
		return fmt.Errorf("unsupported version %d", version)
	}
	p.version = version

	// Root length: unused beyond advancing the cursor.
	if _, err := p.readSize(); err != nil {
		return err
	}
	byteOrder, err := p.readUint32BE()
	if err != nil {
		return err
	}
	p.littleData = byteOrder == 1

	return p.readTagGroup(ctx, "")
}

func (p *dmParser) readTagGroup(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// sorted + open flags, then the entry count.
	if err := p.skip(2); err != nil {
		return err
	}
	count, err := p.readSize()
	if err != nil {
		return err
	}
	unnamed := 0
	for i := uint64(0); i < count; i++ {
		kind, err := p.readByte()
		if err != nil {
			return err
		}
		nameLen, err := p.readUint16BE()
		if err != nil {
			return err
		}
		name, err := p.readString(int(nameLen))
		if err != nil {
			return err
		}
		if name == "" {
			name = strconv.Itoa(unnamed)
			unnamed++
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		if p.version == 4 {
			// dm4 prefixes every entry with its encoded byte length.
			if err := p.skip(8); err != nil {
				return err
			}
		}
		switch kind {
		case dmKindGroup:
			if err := p.readTagGroup(ctx, path); err != nil {
				return err
			}
		case dmKindData:
			if err := p.readTagData(path); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown tag kind %d at %s", kind, path)
		}
	}
	return nil
}

func (p *dmParser) readTagData(path string) error {
	marker, err := p.readString(4)
	if err != nil {
		return err
	}
	if marker != "%%%%" {
		return fmt.Errorf("bad data marker at %s", path)
	}
	ninfo, err := p.readSize()
	if err != nil {
		return err
	}
	// Each definition integer occupies at least four bytes on disk, so a
	// count beyond that bound cannot be satisfied and must not be allocated.
	if ninfo > uint64(p.remaining()/4) {
		return fmt.Errorf("type definition length %d out of range at %s", ninfo, path)
	}
	info := make([]int64, ninfo)
	for i := range info {
		if info[i], err = p.readInfoInt(); err != nil {
			return err
		}
	}
	if len(info) == 0 {
		return fmt.Errorf("empty type definition at %s", path)
	}
	return p.readValue(path, info)
}

func (p *dmParser) readValue(path string, info []int64) error {
	switch info[0] {
	case dmTypeString:
		if len(info) < 2 {
			return fmt.Errorf("string definition too short at %s", path)
		}
		value, err := p.readString(int(info[1]))
		if err != nil {
			return err
		}
		p.tags[path] = value
		return nil
	case dmTypeStruct:
		return p.readStruct(path, info)
	case dmTypeArray:
		return p.readArray(path, info)
	default:
		value, err := p.readScalar(info[0])
		if err != nil {
			return err
		}
		p.tags[path] = formatDMValue(value)
		return nil
	}
}

func (p *dmParser) readStruct(path string, info []int64) error {
	if len(info) < 3 {
		return fmt.Errorf("struct definition too short at %s", path)
	}
	nFields := int(info[2])
	if len(info) < 3+2*nFields {
		return fmt.Errorf("struct definition truncated at %s", path)
	}
	parts := make([]string, 0, nFields)
	for i := 0; i < nFields; i++ {
		fieldType := info[3+2*i+1]
		value, err := p.readScalar(fieldType)
		if err != nil {
			return err
		}
		parts = append(parts, formatDMValue(value))
	}
	p.tags[path] = strings.Join(parts, ", ")
	return nil
}

func (p *dmParser) readArray(path string, info []int64) error {
	if len(info) < 3 {
		return fmt.Errorf("array definition too short at %s", path)
	}
	elemType := info[1]
	length := int(info[len(info)-1])
	if length < 0 {
		return fmt.Errorf("negative array length at %s", path)
	}

	if elemType == dmTypeStruct {
		// Array of structs: compute the element size from the field types
		// and skip; struct arrays never carry imaging data.
		if len(info) < 4 {
			return fmt.Errorf("struct array definition too short at %s", path)
		}
		nFields := int(info[3])
		if nFields < 0 || len(info) < 4+2*nFields {
			return fmt.Errorf("struct array definition truncated at %s", path)
		}
		size := 0
		for i := 0; i < nFields; i++ {
			fieldSize, ok := dmScalarSize(info[4+2*i+1])
			if !ok {
				return fmt.Errorf("unsupported struct array field type at %s", path)
			}
			size += fieldSize
		}
		if size > 0 && length > p.remaining()/size {
			return fmt.Errorf("struct array length %d exceeds remaining data at %s", length, path)
		}
		return p.skip(size * length)
	}

	size, ok := dmScalarSize(elemType)
	if !ok {
		return fmt.Errorf("unsupported array element type %d at %s", elemType, path)
	}
	if length > p.remaining()/size {
		return fmt.Errorf("array length %d exceeds remaining data at %s", length, path)
	}

	// uint16 arrays are Gatan's UTF-16 strings when short.
	if elemType == dmTypeUint16 && length <= 2048 {
		runes := make([]rune, 0, length)
		for i := 0; i < length; i++ {
			v, err := p.readScalar(elemType)
			if err != nil {
				return err
			}
			runes = append(runes, rune(uint16(v)))
		}
		p.tags[path] = string(runes)
		return nil
	}

	if length <= dmInlineArrayMax {
		values := make([]string, 0, length)
		for i := 0; i < length; i++ {
			v, err := p.readScalar(elemType)
			if err != nil {
				return err
			}
			values = append(values, formatDMValue(v))
		}
		p.tags[path] = strings.Join(values, ", ")
		return nil
	}

	// Large numeric array: imaging candidate when it sits under ImageData,
	// otherwise skip the payload entirely.
	if strings.Contains(path, "ImageData") && strings.HasSuffix(path, ".Data") {
		values := make([]float64, length)
		for i := 0; i < length; i++ {
			v, err := p.readScalar(elemType)
			if err != nil {
				return err
			}
			values[i] = v
		}
		p.arrays = append(p.arrays, dmCapturedArray{path: path, values: values})
		return nil
	}
	return p.skip(size * length)
}

func (p *dmParser) readScalar(dtype int64) (float64, error) {
	size, ok := dmScalarSize(dtype)
	if !ok {
		return 0, fmt.Errorf("unsupported scalar type %d", dtype)
	}
	raw, err := p.readBytes(size)
	if err != nil {
		return 0, err
	}
	order := p.dataOrder()
	switch dtype {
	case dmTypeInt16:
		return float64(int16(order.Uint16(raw))), nil
	case dmTypeInt32:
		return float64(int32(order.Uint32(raw))), nil
	case dmTypeUint16:
		return float64(order.Uint16(raw)), nil
	case dmTypeUint32:
		return float64(order.Uint32(raw)), nil
	case dmTypeFloat32:
		return float64(math.Float32frombits(order.Uint32(raw))), nil
	case dmTypeFloat64:
		return math.Float64frombits(order.Uint64(raw)), nil
	case dmTypeBool, dmTypeOctet:
		return float64(raw[0]), nil
	case dmTypeChar:
		return float64(int8(raw[0])), nil
	case dmTypeInt64:
		return float64(int64(order.Uint64(raw))), nil
	case dmTypeUint64:
		return float64(order.Uint64(raw)), nil
	default:
		return 0, fmt.Errorf("unsupported scalar type %d", dtype)
	}
}

func dmScalarSize(dtype int64) (int, bool) {
	switch dtype {
	case dmTypeBool, dmTypeChar, dmTypeOctet:
		return 1, true
	case dmTypeInt16, dmTypeUint16:
		return 2, true
	case dmTypeInt32, dmTypeUint32, dmTypeFloat32:
		return 4, true
	case dmTypeFloat64, dmTypeInt64, dmTypeUint64:
		return 8, true
	default:
		return 0, false
	}
}

// finish maps the flattened tag tree onto the result's field set and
// assembles captured arrays into datasets using their sibling dimension
// tags.
func (p *dmParser) finish() {
	meta := p.meta

	if v, ok := p.lookupSuffix("Microscope Info.Voltage"); ok {
		meta.Set("Voltage", v)
	}
	if v, ok := p.lookupSuffix("Microscope Info.Indicated Magnification"); ok {
		meta.Set("Magnification", v)
	} else if v, ok := p.lookupSuffix("Microscope Info.Actual Magnification"); ok {
		meta.Set("Magnification", v)
	}
	if v, ok := p.lookupSuffix("Microscope Info.Operation Mode"); ok {
		meta.Set("Operation Mode", v)
	}
	if v, ok := p.lookupSuffix("Microscope Info.Imaging Mode"); ok {
		meta.Set("Imaging Mode", v)
	}
	if v, ok := p.lookupSuffix("Microscope Info.Name"); ok {
		meta.Set("Microscope", v)
	}
	if v, ok := p.lookupSuffix("Acquisition.Device.Name"); ok {
		meta.Set("Detector", v)
	}
	if v, ok := p.lookupSuffix("DataBar.Exposure Time (s)"); ok {
		meta.Set("Exposure Time (s)", v)
	}

	date, hasDate := p.lookupSuffix("DataBar.Acquisition Date")
	clock, hasClock := p.lookupSuffix("DataBar.Acquisition Time")
	switch {
	case hasDate && hasClock:
		meta.Set("Creation Time", date+" "+clock)
	case hasDate:
		meta.Set("Creation Time", date)
	}

	meta.Set("Data Type", p.tagsOr(Unknown, "ImageList.1.ImageData.DataType", "ImageList.0.ImageData.DataType"))

	p.assembleDatasets()

	switch {
	case len(meta.Datasets) == 0:
		meta.Set("DatasetType", "Misc")
	case meta.Datasets[0].Frames > 1:
		meta.Set("DatasetType", "ImageStack")
	case meta.Datasets[0].Height <= 1:
		meta.Set("DatasetType", "Spectrum")
	default:
		meta.Set("DatasetType", "Image")
	}
	if len(meta.Datasets) > 0 {
		ds := meta.Datasets[0]
		if ds.Frames > 1 {
			meta.Set("Data Dimensions", fmt.Sprintf("(%d, %d, %d)", ds.Frames, ds.Height, ds.Width))
		} else {
			meta.Set("Data Dimensions", fmt.Sprintf("(%d, %d)", ds.Height, ds.Width))
		}
	}
}

func (p *dmParser) assembleDatasets() {
	for _, arr := range p.arrays {
		prefix := strings.TrimSuffix(arr.path, ".Data")
		dims := p.dimensionsFor(prefix)
		ds := Dataset{Name: prefix, Pixels: arr.values, Frames: 1}
		switch len(dims) {
		case 1:
			ds.Width = dims[0]
			ds.Height = 1
		case 2:
			ds.Width = dims[0]
			ds.Height = dims[1]
		case 3:
			ds.Width = dims[0]
			ds.Height = dims[1]
			ds.Frames = dims[2]
		default:
			// No dimension tags; present the array as a single row.
			ds.Width = len(arr.values)
			ds.Height = 1
		}
		if ds.Width*ds.Height*ds.Frames != len(arr.values) {
			p.meta.Warn(fmt.Sprintf("dimension mismatch for %s", prefix))
			continue
		}
		p.meta.Datasets = append(p.meta.Datasets, ds)
	}
}

func (p *dmParser) dimensionsFor(prefix string) []int {
	var dims []int
	for i := 0; ; i++ {
		raw, ok := p.tags[fmt.Sprintf("%s.Dimensions.%d", prefix, i)]
		if !ok {
			break
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			return nil
		}
		dims = append(dims, int(value))
	}
	return dims
}

func (p *dmParser) lookupSuffix(suffix string) (string, bool) {
	for key, value := range p.tags {
		if strings.HasSuffix(key, suffix) {
			return value, true
		}
	}
	return "", false
}

func (p *dmParser) tagsOr(fallback string, keys ...string) string {
	for _, key := range keys {
		if value, ok := p.tags[key]; ok {
			return value
		}
	}
	return fallback
}

func (p *dmParser) dataOrder() binary.ByteOrder {
	if p.littleData {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (p *dmParser) readBytes(n int) ([]byte, error) {
	if n < 0 || n > len(p.data)-p.pos {
		return nil, fmt.Errorf("unexpected end of file at offset %d", p.pos)
	}
	out := p.data[p.pos : p.pos+n]
	p.pos += n
	return out, nil
}

func (p *dmParser) remaining() int {
	return len(p.data) - p.pos
}

func (p *dmParser) skip(n int) error {
	_, err := p.readBytes(n)
	return err
}

func (p *dmParser) readByte() (byte, error) {
	raw, err := p.readBytes(1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

func (p *dmParser) readUint16BE() (uint16, error) {
	raw, err := p.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(raw), nil
}

func (p *dmParser) readUint32BE() (uint32, error) {
	raw, err := p.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(raw), nil
}

func (p *dmParser) readUint64BE() (uint64, error) {
	raw, err := p.readBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

// readSize reads a length field: 32-bit in dm3, 64-bit in dm4.
func (p *dmParser) readSize() (uint64, error) {
	if p.version == 4 {
		return p.readUint64BE()
	}
	v, err := p.readUint32BE()
	return uint64(v), err
}

// readInfoInt reads one type-definition integer: 32-bit in dm3, 64-bit in dm4.
func (p *dmParser) readInfoInt() (int64, error) {
	if p.version == 4 {
		v, err := p.readUint64BE()
		return int64(v), err
	}
	v, err := p.readUint32BE()
	return int64(int32(v)), err
}

func (p *dmParser) readString(n int) (string, error) {
	raw, err := p.readBytes(n)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func formatDMValue(value float64) string {
	if value == math.Trunc(value) && math.Abs(value) < 1e15 {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'g', -1, 64)
}
