package records

import (
	"sort"
	"strings"
	"time"
)

// setupExcluded metadata keys never rise to activity-level setup params:
// they classify the file itself rather than the instrument state.
var setupExcluded = map[string]bool{
	"DatasetType": true,
}

// segmentResults clusters extraction results (already ordered by mtime,
// then path) into acquisition activities: a gap between consecutive file
// mtimes larger than the threshold starts a new activity.
func segmentResults(results []ExtractionResult, gap time.Duration) [][]ExtractionResult {
	if len(results) == 0 {
		return nil
	}
	var groups [][]ExtractionResult
	current := []ExtractionResult{results[0]}
	for _, res := range results[1:] {
		prev := current[len(current)-1]
		if gap > 0 && res.File.ModTime.Sub(prev.File.ModTime) > gap {
			groups = append(groups, current)
			current = []ExtractionResult{res}
			continue
		}
		current = append(current, res)
	}
	return append(groups, current)
}

// assembleActivities converts result clusters into record activities with
// the setup/unique parameter split applied.
func assembleActivities(results []ExtractionResult, gap time.Duration) []Activity {
	groups := segmentResults(results, gap)
	activities := make([]Activity, 0, len(groups))
	for i, group := range groups {
		activities = append(activities, assembleActivity(i, group))
	}
	return activities
}

func assembleActivity(index int, group []ExtractionResult) Activity {
	setupKeys := sharedKeys(group)
	act := Activity{
		Index: index,
		Start: FormatTime(group[0].File.ModTime),
		End:   FormatTime(group[len(group)-1].File.ModTime),
		Setup: paramsFor(group[0].Metadata.Fields, setupKeys, nil),
	}
	for _, res := range group {
		entry := FileEntry{
			Path:     res.File.RelPath,
			Format:   res.Metadata.Format,
			Status:   string(res.Metadata.Status),
			Size:     res.File.Size,
			ModTime:  FormatTime(res.File.ModTime),
			Params:   paramsFor(res.Metadata.Fields, nil, setupKeys),
			Warnings: res.Metadata.Warnings,
		}
		if res.Thumbnail != "" {
			entry.Thumbnail = Thumbnail{Path: res.Thumbnail}
		} else {
			entry.Thumbnail = Thumbnail{Unavailable: true}
		}
		act.Files = append(act.Files, entry)
	}
	return act
}

// sharedKeys returns the metadata keys present in every file of the group
// with an identical value, minus the excluded classifiers.
func sharedKeys(group []ExtractionResult) map[string]bool {
	shared := make(map[string]bool)
	first := group[0].Metadata.Fields
	for key, value := range first {
		if setupExcluded[key] {
			continue
		}
		agree := true
		for _, res := range group[1:] {
			if other, ok := res.Metadata.Fields[key]; !ok || other != value {
				agree = false
				break
			}
		}
		if agree {
			shared[key] = true
		}
	}
	return shared
}

// paramsFor renders fields as sorted params. With include set, only those
// keys appear; with exclude set, those keys are dropped.
func paramsFor(fields map[string]string, include, exclude map[string]bool) []Param {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		if include != nil && !include[key] {
			continue
		}
		if exclude != nil && exclude[key] {
			continue
		}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := strings.ToLower(keys[i]), strings.ToLower(keys[j])
		if a == b {
			return keys[i] < keys[j]
		}
		return a < b
	})
	params := make([]Param, 0, len(keys))
	for _, key := range keys {
		params = append(params, Param{Name: key, Value: fields[key]})
	}
	return params
}
