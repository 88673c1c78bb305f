package dataset

import (
	"fmt"
	"strings"

	"callnote-sync/internal/types"
	"github.com/xuri/excelize/v2"
)

// Load reads work items from the first sheet of an xlsx file. The header row
// is matched loosely: the audio column is "audio_path" or any header that
// mentions audio/path/url, the id column is "uuid" or any header that
// mentions id. Remaining columns are carried as metadata.
func Load(path string) ([]types.WorkItem, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, fmt.Errorf("no data rows")
	}

	header := rows[0]
	audioIdx, idIdx := detectColumns(header)
	if audioIdx == -1 {
		return nil, fmt.Errorf("no audio column in header %v", header)
	}

	var out []types.WorkItem
	for _, r := range rows[1:] {
		audio := cell(r, audioIdx)
		if audio == "" {
			continue
		}
		item := types.WorkItem{
			AudioLocator: audio,
			BusinessID:   cell(r, idIdx),
			Metadata:     map[string]any{},
		}
		for i, h := range header {
			if i == audioIdx || i == idIdx {
				continue
			}
			if name := strings.TrimSpace(h); name != "" {
				if v := cell(r, i); v != "" {
					item.Metadata[name] = v
				}
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func detectColumns(header []string) (audioIdx, idIdx int) {
	audioIdx, idIdx = -1, -1
	// exact names win over heuristics
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "audio_path":
			audioIdx = i
		case "uuid":
			idIdx = i
		}
	}
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case audioIdx == -1 && (strings.Contains(l, "audio") || strings.Contains(l, "path") || strings.Contains(l, "url")):
			audioIdx = i
		case idIdx == -1 && i != audioIdx && strings.Contains(l, "id"):
			idIdx = i
		}
	}
	return audioIdx, idIdx
}

func cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}
