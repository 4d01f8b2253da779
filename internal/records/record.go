package records

import (
	"encoding/xml"
	"time"
)

// TimeLayout is the timestamp format used everywhere in record XML.
// All times are UTC.
const TimeLayout = time.RFC3339

// Record is the published research record for one closed session: the
// session identity, its acquisition activities with their files, and a
// completeness verdict. Identical inputs always assemble into an identical
// record.
type Record struct {
	XMLName  xml.Name    `xml:"record"`
	ID       string      `xml:"id,attr"`
	Complete bool        `xml:"complete,attr"`
	Session  SessionInfo `xml:"session"`
	Warnings []string    `xml:"warning"`
	Acts     []Activity  `xml:"activity"`
}

// SessionInfo carries the session window and reservation enrichment.
type SessionInfo struct {
	Instrument    string `xml:"instrument,attr"`
	Start         string `xml:"start,attr"`
	End           string `xml:"end,attr"`
	User          string `xml:"user,attr"`
	Title         string `xml:"title,omitempty"`
	Purpose       string `xml:"purpose,omitempty"`
	ReservationID string `xml:"reservation,omitempty"`
}

// Activity is one burst of acquisition inside the session: files whose
// modification times cluster together. Setup params are the metadata keys
// whose values agree across every file in the activity.
type Activity struct {
	Index int         `xml:"index,attr"`
	Start string      `xml:"start,attr"`
	End   string      `xml:"end,attr"`
	Setup []Param     `xml:"setup>param"`
	Files []FileEntry `xml:"file"`
}

// Param is one named metadata value.
type Param struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// FileEntry is one data file with its extraction outcome. Params hold the
// per-file metadata remaining after the activity's setup split.
type FileEntry struct {
	Path      string    `xml:"path,attr"`
	Format    string    `xml:"format,attr"`
	Status    string    `xml:"status,attr"`
	Size      int64     `xml:"size,attr"`
	ModTime   string    `xml:"mtime,attr"`
	Params    []Param   `xml:"meta>param"`
	Warnings  []string  `xml:"warning"`
	Thumbnail Thumbnail `xml:"thumbnail"`
}

// Thumbnail references the preview PNG next to the record, or records its
// absence. The element is always present; absence is explicit, never an
// omitted field.
type Thumbnail struct {
	Unavailable bool   `xml:"unavailable,attr,omitempty"`
	Path        string `xml:",chardata"`
}

// Files returns every file entry across all activities, in record order.
func (r *Record) Files() []FileEntry {
	var files []FileEntry
	for _, act := range r.Acts {
		files = append(files, act.Files...)
	}
	return files
}

// FileCount reports the number of file entries.
func (r *Record) FileCount() int {
	n := 0
	for _, act := range r.Acts {
		n += len(act.Files)
	}
	return n
}

// FormatTime renders a timestamp the way record XML stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a record XML timestamp.
func ParseTime(value string) (time.Time, error) {
	return time.Parse(TimeLayout, value)
}
