package testsupport

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WriteFile drops an arbitrary file under root with the given relative path
// and modification time, creating parent directories as needed.
func WriteFile(t testing.TB, root, rel string, content []byte, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
	return path
}

// WriteFEITIFF drops a parseable FEI/Thermo TIFF: a little-endian
// single-strip 8-bit grayscale image with the vendor metadata block, so
// extraction reaches full status and yields a thumbnail.
func WriteFEITIFF(t testing.TB, root, rel string, width, height int, mtime time.Time) string {
	t.Helper()
	return WriteFile(t, root, rel, FEITIFFBytes(width, height), mtime)
}

const feiBlock = "[User]\r\nUser=supervisor\r\nDate=04/22/2024\r\nTime=10:31:05 AM\r\n" +
	"[System]\r\nSystemType=Quanta FEG\r\n" +
	"[Beam]\r\nHV=15000\r\nSpot=3\r\n" +
	"[Stage]\r\nWorkingDistance=0.0102\r\n" +
	"[Detectors]\r\nName=ETD\r\n"

// FEITIFFBytes builds the TIFF byte stream used by WriteFEITIFF.
func FEITIFFBytes(width, height int) []byte {
	pixels := make([]byte, width*height)
	for i := range pixels {
		pixels[i] = byte(i % 251)
	}

	var buf bytes.Buffer
	le := binary.LittleEndian
	write := func(v any) { _ = binary.Write(&buf, le, v) }

	stripOffset := uint32(8)
	blockOffset := stripOffset + uint32(len(pixels))
	dirOffset := blockOffset + uint32(len(feiBlock))

	buf.WriteString("II")
	write(uint16(42))
	write(dirOffset)
	buf.Write(pixels)
	buf.WriteString(feiBlock)

	type entry struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	entries := []entry{
		{256, 3, 1, uint32(width)},                     // ImageWidth
		{257, 3, 1, uint32(height)},                    // ImageLength
		{258, 3, 1, 8},                                 // BitsPerSample
		{259, 3, 1, 1},                                 // Compression: none
		{273, 4, 1, stripOffset},                       // StripOffsets
		{278, 3, 1, uint32(height)},                    // RowsPerStrip
		{279, 4, 1, uint32(len(pixels))},               // StripByteCounts
		{34682, 2, uint32(len(feiBlock)), blockOffset}, // FEI metadata
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
	write(uint32(0))
	return buf.Bytes()
}
