package extractors

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

// FEITIFFExtractor reads TIFF images written by FEI/Thermo Fisher SEM and
// FIB instruments. The microscope state is an INI-style text block stored in
// the vendor's private tag; the pixels are plain uncompressed grayscale
// strips.
type FEITIFFExtractor struct{}

// NewFEITIFFExtractor returns the FEI/Thermo TIFF extractor.
func NewFEITIFFExtractor() *FEITIFFExtractor {
	return &FEITIFFExtractor{}
}

func (e *FEITIFFExtractor) Name() string { return "fei-tiff" }

func (e *FEITIFFExtractor) Extensions() []string { return []string{".tif", ".tiff"} }

func (e *FEITIFFExtractor) SupportsImaging() bool { return true }

func (e *FEITIFFExtractor) Sniff(header []byte) bool {
	if len(header) < 4 {
		return false
	}
	le := header[0] == 'I' && header[1] == 'I' && header[2] == 42 && header[3] == 0
	be := header[0] == 'M' && header[1] == 'M' && header[2] == 0 && header[3] == 42
	return le || be
}

// TIFF tag ids consumed here.
const (
	tiffTagImageWidth    = 256
	tiffTagImageLength   = 257
	tiffTagBitsPerSample = 258
	tiffTagCompression   = 259
	tiffTagStripOffsets  = 273
	tiffTagRowsPerStrip  = 278
	tiffTagStripCounts   = 279
	tiffTagFEIHelios     = 34682
)

const tiffCompressionNone = 1

type tiffField struct {
	typ    uint16
	count  uint32
	values []uint32
	raw    []byte
}

func (e *FEITIFFExtractor) Extract(ctx context.Context, path string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta := NewMetadata(e.Name(), StatusExtracted)

	fields, order, err := parseTIFFDirectory(raw)
	if err != nil {
		return nil, err
	}

	ini, hasINI := fields[tiffTagFEIHelios]
	if hasINI {
		applyFEIBlock(meta, string(ini.raw))
	} else {
		meta.Warn("no instrument metadata block present")
	}

	meta.Set("DatasetType", "Image")
	meta.Set("Data Type", "SEM_Imaging")

	width := fieldFirst(fields, tiffTagImageWidth)
	height := fieldFirst(fields, tiffTagImageLength)
	if width > 0 && height > 0 {
		meta.Set("Data Dimensions", fmt.Sprintf("(%d, %d)", height, width))
	}

	ds, err := readTIFFPixels(raw, fields, order)
	if err != nil {
		meta.Warn(fmt.Sprintf("pixel data unreadable: %v", err))
	} else if ds != nil {
		meta.Datasets = append(meta.Datasets, *ds)
	}
	return meta, nil
}

func parseTIFFDirectory(raw []byte) (map[uint16]tiffField, binary.ByteOrder, error) {
	if len(raw) < 8 {
		return nil, nil, fmt.Errorf("file too short for header")
	}
	var order binary.ByteOrder
	switch {
	case raw[0] == 'I' && raw[1] == 'I':
		order = binary.LittleEndian
	case raw[0] == 'M' && raw[1] == 'M':
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("not a TIFF file")
	}
	if order.Uint16(raw[2:4]) != 42 {
		return nil, nil, fmt.Errorf("bad TIFF magic")
	}
	dirOffset := order.Uint32(raw[4:8])
	if int(dirOffset)+2 > len(raw) {
		return nil, nil, fmt.Errorf("directory offset out of range")
	}

	count := int(order.Uint16(raw[dirOffset : dirOffset+2]))
	fields := make(map[uint16]tiffField, count)
	for i := 0; i < count; i++ {
		entry := int(dirOffset) + 2 + i*12
		if entry+12 > len(raw) {
			return nil, nil, fmt.Errorf("directory entry %d out of range", i)
		}
		tag := order.Uint16(raw[entry : entry+2])
		typ := order.Uint16(raw[entry+2 : entry+4])
		n := order.Uint32(raw[entry+4 : entry+8])
		field := tiffField{typ: typ, count: n}

		size, ok := tiffTypeSize(typ)
		if !ok {
			continue
		}
		total := size * int(n)
		var payload []byte
		if total <= 4 {
			payload = raw[entry+8 : entry+8+total]
		} else {
			off := order.Uint32(raw[entry+8 : entry+12])
			if int(off)+total > len(raw) {
				return nil, nil, fmt.Errorf("tag %d payload out of range", tag)
			}
			payload = raw[off : int(off)+total]
		}
		field.raw = payload
		field.values = decodeTIFFValues(payload, typ, int(n), order)
		fields[tag] = field
	}
	return fields, order, nil
}

func tiffTypeSize(typ uint16) (int, bool) {
	switch typ {
	case 1, 2, 6, 7: // byte, ascii, sbyte, undefined
		return 1, true
	case 3, 8: // short, sshort
		return 2, true
	case 4, 9, 11: // long, slong, float
		return 4, true
	case 5, 10, 12: // rational, srational, double
		return 8, true
	default:
		return 0, false
	}
}

func decodeTIFFValues(payload []byte, typ uint16, n int, order binary.ByteOrder) []uint32 {
	values := make([]uint32, 0, n)
	switch typ {
	case 1, 6, 7:
		for i := 0; i < n && i < len(payload); i++ {
			values = append(values, uint32(payload[i]))
		}
	case 3, 8:
		for i := 0; i+2 <= len(payload) && len(values) < n; i += 2 {
			values = append(values, uint32(order.Uint16(payload[i:i+2])))
		}
	case 4, 9:
		for i := 0; i+4 <= len(payload) && len(values) < n; i += 4 {
			values = append(values, order.Uint32(payload[i:i+4]))
		}
	}
	return values
}

func fieldFirst(fields map[uint16]tiffField, tag uint16) int {
	field, ok := fields[tag]
	if !ok || len(field.values) == 0 {
		return 0
	}
	return int(field.values[0])
}

// readTIFFPixels reassembles the image from its strips. Only uncompressed
// 8- and 16-bit single-sample data is supported; anything else is left to
// the caller as a warning.
func readTIFFPixels(raw []byte, fields map[uint16]tiffField, order binary.ByteOrder) (*Dataset, error) {
	width := fieldFirst(fields, tiffTagImageWidth)
	height := fieldFirst(fields, tiffTagImageLength)
	if width <= 0 || height <= 0 {
		return nil, nil
	}
	if c := fieldFirst(fields, tiffTagCompression); c != 0 && c != tiffCompressionNone {
		return nil, fmt.Errorf("compression scheme %d not supported", c)
	}
	bits := fieldFirst(fields, tiffTagBitsPerSample)
	if bits == 0 {
		bits = 8
	}
	if bits != 8 && bits != 16 {
		return nil, fmt.Errorf("%d bits per sample not supported", bits)
	}

	offsets, ok := fields[tiffTagStripOffsets]
	if !ok {
		return nil, fmt.Errorf("no strip offsets")
	}
	counts, ok := fields[tiffTagStripCounts]
	if !ok || len(counts.values) != len(offsets.values) {
		return nil, fmt.Errorf("strip byte counts missing or mismatched")
	}

	// Dimensions come straight from the directory, so sanity-check them
	// against the strip data actually present before allocating: a hostile
	// header can claim 2^32 x 2^32 pixels in a 62-byte file.
	var available uint64
	for i, off := range offsets.values {
		end := int(off) + int(counts.values[i])
		if end > len(raw) {
			return nil, fmt.Errorf("strip %d out of range", i)
		}
		available += uint64(counts.values[i])
	}
	want := uint64(width) * uint64(height)
	if want > available/uint64(bits/8) {
		return nil, fmt.Errorf("dimensions %dx%d exceed %d bytes of strip data", width, height, available)
	}

	pixels := make([]float64, 0, want)
	for i, off := range offsets.values {
		end := int(off) + int(counts.values[i])
		strip := raw[off:end]
		if bits == 8 {
			for _, b := range strip {
				pixels = append(pixels, float64(b))
			}
		} else {
			for j := 0; j+2 <= len(strip); j += 2 {
				pixels = append(pixels, float64(order.Uint16(strip[j:j+2])))
			}
		}
	}
	if len(pixels) < width*height {
		return nil, fmt.Errorf("short pixel data: have %d, want %d", len(pixels), width*height)
	}
	return &Dataset{
		Name:   "image",
		Width:  width,
		Height: height,
		Frames: 1,
		Pixels: pixels[:width*height],
	}, nil
}

// applyFEIBlock parses the vendor's INI-style metadata text. Section headers
// are bracketed; values are key=value lines. Only a stable subset is mapped
// to named fields; the rest is kept under section-qualified keys.
func applyFEIBlock(meta *Metadata, block string) {
	section := ""
	values := make(map[string]string)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimRight(strings.TrimSpace(line), "\x00")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		values[section+"."+key] = value
	}
	if len(values) == 0 {
		meta.Warn("instrument metadata block empty")
		return
	}

	apply := func(field string, keys ...string) {
		for _, key := range keys {
			if v, ok := values[key]; ok {
				meta.Set(field, v)
				return
			}
		}
	}
	apply("Voltage", "Beam.HV", "EBeam.HV")
	apply("Beam Current", "Beam.BeamCurrent", "EBeam.BeamCurrent")
	apply("Working Distance", "Stage.WorkingDistance", "EBeam.WD")
	apply("Magnification", "Image.MagCanvasRealWidth", "EScan.Mag", "Beam.Mag")
	apply("Dwell Time", "Scan.Dwelltime", "EScan.Dwell")
	apply("Detector", "Detectors.Name", "Detectors.Mode")
	apply("Spot Size", "Beam.Spot", "EBeam.Spot")
	apply("Chamber Pressure", "Vacuum.ChPressure")
	apply("Operator", "User.User")

	date, hasDate := values["User.Date"]
	clock, hasClock := values["User.Time"]
	switch {
	case hasDate && hasClock:
		meta.Set("Creation Time", date+" "+clock)
	case hasDate:
		meta.Set("Creation Time", date)
	}
	if v, ok := values["System.SystemType"]; ok {
		meta.Set("Microscope", v)
	}
	if v, ok := values["Stage.StageX"]; ok {
		meta.Set("Stage Position X", v)
	}
	if v, ok := values["Stage.StageY"]; ok {
		meta.Set("Stage Position Y", v)
	}
	if v, ok := values["Stage.StageZ"]; ok {
		meta.Set("Stage Position Z", v)
	}
}
