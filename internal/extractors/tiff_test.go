package extractors

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

const feiTestBlock = "[User]\r\nUser=supervisor\r\nDate=04/22/2024\r\nTime=10:31:05 AM\r\n" +
	"[System]\r\nSystemType=Quanta FEG\r\n" +
	"[Beam]\r\nHV=15000\r\nSpot=3\r\n" +
	"[Stage]\r\nStageX=0.001\r\nStageY=-0.002\r\nStageZ=0.0105\r\nWorkingDistance=0.0102\r\n" +
	"[Scan]\r\nDwelltime=3e-06\r\n" +
	"[Vacuum]\r\nChPressure=0.0001\r\n" +
	"[Detectors]\r\nName=ETD\r\n"

// writeFEITIFF builds a little-endian single-strip 8-bit TIFF carrying the
// vendor metadata block in tag 34682.
func writeFEITIFF(t *testing.T, width, height int, block string) string {
	t.Helper()
	pixels := make([]byte, width*height)
	for i := range pixels {
		pixels[i] = byte(i % 251)
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	write := func(v any) { binary.Write(&buf, le, v) }

	stripOffset := uint32(8)
	blockOffset := stripOffset + uint32(len(pixels))
	dirOffset := blockOffset + uint32(len(block))

	buf.WriteString("II")
	write(uint16(42))
	write(dirOffset)
	buf.Write(pixels)
	buf.WriteString(block)

	type entry struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	entries := []entry{
		{tiffTagImageWidth, 3, 1, uint32(width)},
		{tiffTagImageLength, 3, 1, uint32(height)},
		{tiffTagBitsPerSample, 3, 1, 8},
		{tiffTagCompression, 3, 1, tiffCompressionNone},
		{tiffTagStripOffsets, 4, 1, stripOffset},
		{tiffTagRowsPerStrip, 3, 1, uint32(height)},
		{tiffTagStripCounts, 4, 1, uint32(len(pixels))},
		{tiffTagFEIHelios, 2, uint32(len(block)), blockOffset},
	}
	write(uint16(len(entries)))
	for _, e := range entries {
		write(e.tag)
		write(e.typ)
		write(e.count)
		if e.typ == 3 && e.count == 1 {
			write(uint16(e.value))
			write(uint16(0))
		} else {
			write(e.value)
		}
	}
	write(uint32(0)) // no next directory

	path := filepath.Join(t.TempDir(), "sample.tif")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestFEITIFFExtract(t *testing.T) {
	path := writeFEITIFF(t, 6, 4, feiTestBlock)
	meta, err := NewFEITIFFExtractor().Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.Status != StatusExtracted {
		t.Fatalf("status = %q, warnings = %v", meta.Status, meta.Warnings)
	}
	checks := map[string]string{
		"Voltage":          "15000",
		"Spot Size":        "3",
		"Detector":         "ETD",
		"Working Distance": "0.0102",
		"Microscope":       "Quanta FEG",
		"Operator":         "supervisor",
		"Creation Time":    "04/22/2024 10:31:05 AM",
		"DatasetType":      "Image",
		"Data Dimensions":  "(4, 6)",
	}
	for key, want := range checks {
		if got := meta.Fields[key]; got != want {
			t.Errorf("field %s = %q, want %q", key, got, want)
		}
	}
	if len(meta.Datasets) != 1 {
		t.Fatalf("datasets = %d, want 1", len(meta.Datasets))
	}
	ds := meta.Datasets[0]
	if ds.Width != 6 || ds.Height != 4 {
		t.Fatalf("dataset shape = %dx%d", ds.Width, ds.Height)
	}
	if ds.Pixels[5] != 5 {
		t.Fatalf("pixel 5 = %v, want 5", ds.Pixels[5])
	}
}

func TestFEITIFFWithoutVendorBlock(t *testing.T) {
	path := writeFEITIFF(t, 2, 2, "")
	meta, err := NewFEITIFFExtractor().Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.Status != StatusPartial {
		t.Fatalf("status = %q, want partial", meta.Status)
	}
	if len(meta.Datasets) != 1 {
		t.Fatalf("datasets = %d, want 1", len(meta.Datasets))
	}
}

func TestFEITIFFHostileDimensions(t *testing.T) {
	// A directory may claim 2^32-1 x 2^32-1 pixels in a file of a few dozen
	// bytes; the extractor must refuse the allocation and degrade to a
	// warning.
	var buf bytes.Buffer
	le := binary.LittleEndian
	write := func(v any) { binary.Write(&buf, le, v) }

	buf.WriteString("II")
	write(uint16(42))
	write(uint32(8)) // directory immediately after the header

	type entry struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	entries := []entry{
		{tiffTagImageWidth, 4, 1, 0xffffffff},
		{tiffTagImageLength, 4, 1, 0xffffffff},
		{tiffTagBitsPerSample, 3, 1, 8},
		{tiffTagCompression, 3, 1, tiffCompressionNone},
		{tiffTagStripOffsets, 4, 1, 8},
		{tiffTagStripCounts, 4, 1, 4},
	}
	write(uint16(len(entries)))
	for _, e := range entries {
		write(e.tag)
		write(e.typ)
		write(e.count)
		if e.typ == 3 && e.count == 1 {
			write(uint16(e.value))
			write(uint16(0))
		} else {
			write(e.value)
		}
	}
	write(uint32(0)) // no next directory

	path := filepath.Join(t.TempDir(), "hostile.tif")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	meta, err := NewFEITIFFExtractor().Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if meta.Status != StatusPartial {
		t.Fatalf("status = %q, want partial", meta.Status)
	}
	if len(meta.Datasets) != 0 {
		t.Fatalf("datasets = %d, want the oversized image rejected", len(meta.Datasets))
	}
}

func TestFEITIFFSniff(t *testing.T) {
	ext := NewFEITIFFExtractor()
	if !ext.Sniff([]byte{'I', 'I', 42, 0}) {
		t.Error("little-endian header not recognized")
	}
	if !ext.Sniff([]byte{'M', 'M', 0, 42}) {
		t.Error("big-endian header not recognized")
	}
	if ext.Sniff([]byte{0, 0, 0, 3}) {
		t.Error("dm3 header misrecognized")
	}
}
