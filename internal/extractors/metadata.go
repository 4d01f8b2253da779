package extractors

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Unknown is the sentinel value recording that a metadata field is
// intentionally unknown. Serializers must emit it verbatim; it is never
// represented by omitting the field.
const Unknown = "unknown"

// Status classifies the outcome of extracting one file.
type Status string

const (
	// StatusExtracted means every expected field was read successfully.
	StatusExtracted Status = "extracted"
	// StatusPartial means the file was recognized but only a subset of the
	// expected fields could be read (corrupt or unrecognized format version).
	StatusPartial Status = "partial"
	// StatusUnsupported means no extractor recognized the file. The file is
	// still listed in the record with sentinel metadata.
	StatusUnsupported Status = "unsupported format"
)

// baselineFields are present in every result regardless of extraction
// outcome; extractors fill them where possible and the remainder are set to
// the Unknown sentinel.
var baselineFields = []string{
	"DatasetType",
	"Data Type",
	"Creation Time",
	"Data Dimensions",
}

// Dataset is an imaging payload embedded in an instrument file, handed to
// the thumbnail renderer. Pixels are row-major; Frames > 1 marks a stack
// where the slices are concatenated along the row axis.
type Dataset struct {
	Name   string
	Width  int
	Height int
	Frames int
	Pixels []float64
}

// Metadata is the outcome of extracting one file.
type Metadata struct {
	Format   string            `json:"format"`
	Status   Status            `json:"status"`
	Fields   map[string]string `json:"fields"`
	Warnings []string          `json:"warnings,omitempty"`

	// Datasets is populated only in memory; imaging payloads are consumed
	// by the thumbnail renderer and never persisted with the metadata.
	Datasets []Dataset `json:"-"`
}

// NewMetadata returns a Metadata with every baseline field set to the
// Unknown sentinel.
func NewMetadata(format string, status Status) *Metadata {
	fields := make(map[string]string, len(baselineFields))
	for _, key := range baselineFields {
		fields[key] = Unknown
	}
	return &Metadata{Format: format, Status: status, Fields: fields}
}

// Set stores a normalized field value; empty values become the sentinel.
func (m *Metadata) Set(key, value string) {
	key = norm.NFC.String(strings.TrimSpace(key))
	if key == "" {
		return
	}
	value = norm.NFC.String(strings.TrimSpace(value))
	if value == "" {
		value = Unknown
	}
	m.Fields[key] = value
}

// Warn records a non-fatal extraction problem and downgrades the status.
func (m *Metadata) Warn(message string) {
	m.Warnings = append(m.Warnings, message)
	if m.Status == StatusExtracted {
		m.Status = StatusPartial
	}
}

// SortedKeys returns the field names in a stable case-insensitive order.
func (m *Metadata) SortedKeys() []string {
	keys := make([]string, 0, len(m.Fields))
	for key := range m.Fields {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := strings.ToLower(keys[i]), strings.ToLower(keys[j])
		if a == b {
			return keys[i] < keys[j]
		}
		return a < b
	})
	return keys
}

// HasImaging reports whether the result carries at least one renderable
// dataset.
func (m *Metadata) HasImaging() bool {
	for _, ds := range m.Datasets {
		if len(ds.Pixels) > 0 {
			return true
		}
	}
	return false
}
