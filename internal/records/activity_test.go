package records

import (
	"strings"
	"testing"
	"time"

	"curator/internal/extractors"
	"curator/internal/reconcile"
)

func resultAt(t *testing.T, rel string, mtime time.Time, fields map[string]string) ExtractionResult {
	t.Helper()
	meta := extractors.NewMetadata("fei-tiff", extractors.StatusExtracted)
	for key, value := range fields {
		meta.Set(key, value)
	}
	return ExtractionResult{
		File:     reconcile.DataFile{Path: "/data/" + rel, RelPath: rel, ModTime: mtime, Size: 10},
		Metadata: *meta,
	}
}

func TestSegmentResultsByGap(t *testing.T) {
	base := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)
	results := []ExtractionResult{
		resultAt(t, "a.tif", base, nil),
		resultAt(t, "b.tif", base.Add(2*time.Minute), nil),
		resultAt(t, "c.tif", base.Add(20*time.Minute), nil),
		resultAt(t, "d.tif", base.Add(21*time.Minute), nil),
	}
	groups := segmentResults(results, 8*time.Minute)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if len(groups[0]) != 2 || groups[0][1].File.RelPath != "b.tif" {
		t.Fatalf("first group = %v", groups[0])
	}
	if len(groups[1]) != 2 || groups[1][0].File.RelPath != "c.tif" {
		t.Fatalf("second group = %v", groups[1])
	}
}

func TestSegmentResultsZeroGapKeepsOneActivity(t *testing.T) {
	base := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)
	results := []ExtractionResult{
		resultAt(t, "a.tif", base, nil),
		resultAt(t, "b.tif", base.Add(10*time.Hour), nil),
	}
	if groups := segmentResults(results, 0); len(groups) != 1 {
		t.Fatalf("groups = %d, want clustering disabled", len(groups))
	}
}

func TestAssembleActivitySetupSplit(t *testing.T) {
	base := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)
	results := []ExtractionResult{
		resultAt(t, "a.tif", base, map[string]string{
			"Voltage":     "15000",
			"Detector":    "ETD",
			"DatasetType": "Image",
		}),
		resultAt(t, "b.tif", base.Add(time.Minute), map[string]string{
			"Voltage":     "15000",
			"Detector":    "TLD",
			"DatasetType": "Image",
		}),
	}
	acts := assembleActivities(results, 8*time.Minute)
	if len(acts) != 1 {
		t.Fatalf("activities = %d, want 1", len(acts))
	}
	act := acts[0]

	setup := paramMap(act.Setup)
	if setup["Voltage"] != "15000" {
		t.Fatalf("setup = %v, want shared Voltage promoted", setup)
	}
	if _, ok := setup["Detector"]; ok {
		t.Fatal("disagreeing Detector must stay per-file")
	}
	if _, ok := setup["DatasetType"]; ok {
		t.Fatal("DatasetType never rises to setup")
	}

	for _, file := range act.Files {
		perFile := paramMap(file.Params)
		if _, ok := perFile["Voltage"]; ok {
			t.Fatal("promoted key must leave per-file params")
		}
		if _, ok := perFile["Detector"]; !ok {
			t.Fatal("unique key missing from per-file params")
		}
		if _, ok := perFile["DatasetType"]; !ok {
			t.Fatal("DatasetType missing from per-file params")
		}
	}
	if act.Start != FormatTime(base) || act.End != FormatTime(base.Add(time.Minute)) {
		t.Fatalf("activity window = %s..%s", act.Start, act.End)
	}
}

func TestAssembleActivityParamsSorted(t *testing.T) {
	base := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)
	results := []ExtractionResult{resultAt(t, "a.tif", base, map[string]string{
		"zeta":  "1",
		"Alpha": "2",
		"mid":   "3",
	})}
	acts := assembleActivities(results, 0)
	var prev string
	for _, param := range acts[0].Setup {
		if prev != "" && !lessCaseInsensitive(prev, param.Name) {
			t.Fatalf("setup params out of order: %q before %q", prev, param.Name)
		}
		prev = param.Name
	}
}

func TestThumbnailPresence(t *testing.T) {
	base := time.Date(2024, 4, 22, 9, 0, 0, 0, time.UTC)
	with := resultAt(t, "a.tif", base, nil)
	with.Thumbnail = "a.tif.thumb.png"
	without := resultAt(t, "b.txt", base.Add(time.Second), nil)

	acts := assembleActivities([]ExtractionResult{with, without}, 0)
	files := acts[0].Files
	if files[0].Thumbnail.Path != "a.tif.thumb.png" || files[0].Thumbnail.Unavailable {
		t.Fatalf("thumbnail = %+v", files[0].Thumbnail)
	}
	if !files[1].Thumbnail.Unavailable {
		t.Fatalf("thumbnail = %+v, want unavailable", files[1].Thumbnail)
	}
}

func paramMap(params []Param) map[string]string {
	out := make(map[string]string, len(params))
	for _, p := range params {
		out[p.Name] = p.Value
	}
	return out
}

func lessCaseInsensitive(a, b string) bool {
	return strings.ToLower(a) <= strings.ToLower(b)
}
