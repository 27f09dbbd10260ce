package dataset

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"meeting-pipeline-go/internal/logger"
	"meeting-pipeline-go/internal/types"
)

// Entry is one recording listed in an import manifest.
type Entry struct {
	Row   int
	Title string
	Mode  types.Mode
	Paths []string
}

// LoadManifest reads the first sheet of an xlsx manifest. Columns are found
// by header name (title, mode, speaker1/file, speaker2) with positional
// fallback. Relative paths resolve against the manifest's directory. Rows
// without a file are skipped.
func LoadManifest(path string, log *logger.Logger) ([]Entry, error) {
	if log == nil {
		log = logger.Discard()
	}
	entry := log.WithField("component", "dataset.manifest").WithField("path", path)

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

	titleIdx, modeIdx, file1Idx, file2Idx := -1, -1, -1, -1
	for i, h := range rows[0] {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case strings.Contains(l, "title") || strings.Contains(l, "name"):
			if titleIdx == -1 {
				titleIdx = i
			}
		case strings.Contains(l, "mode"):
			modeIdx = i
		case strings.Contains(l, "speaker2") || strings.Contains(l, "speaker 2") || strings.Contains(l, "remote"):
			file2Idx = i
		case strings.Contains(l, "speaker1") || strings.Contains(l, "speaker 1") || strings.Contains(l, "file") ||
			strings.Contains(l, "path") || strings.Contains(l, "audio"):
			if file1Idx == -1 {
				file1Idx = i
			}
		}
	}
	// fallback: title, mode, file1, file2
	if file1Idx == -1 {
		titleIdx, modeIdx, file1Idx, file2Idx = 0, 1, 2, 3
	}
	entry.WithFields(map[string]interface{}{
		"titleIdx": titleIdx,
		"modeIdx":  modeIdx,
		"file1Idx": file1Idx,
		"file2Idx": file2Idx,
	}).Debug("detected manifest columns")

	base := filepath.Dir(path)
	cell := func(r []string, i int) string {
		if i >= 0 && i < len(r) {
			return strings.TrimSpace(r[i])
		}
		return ""
	}
	var out []Entry
	for i, r := range rows {
		if i == 0 {
			continue
		}
		e := Entry{Row: i + 1, Title: cell(r, titleIdx)}
		for _, p := range []string{cell(r, file1Idx), cell(r, file2Idx)} {
			if p == "" {
				continue
			}
			if !filepath.IsAbs(p) {
				p = filepath.Join(base, p)
			}
			e.Paths = append(e.Paths, p)
		}
		if len(e.Paths) == 0 {
			continue
		}
		switch strings.ToLower(cell(r, modeIdx)) {
		case string(types.ModeSeparated), "dual":
			e.Mode = types.ModeSeparated
		case string(types.ModeMixed):
			e.Mode = types.ModeMixed
		default:
			e.Mode = types.ModeMixed
			if len(e.Paths) == 2 {
				e.Mode = types.ModeSeparated
			}
		}
		out = append(out, e)
	}
	entry.WithField("entries", len(out)).Info("manifest loaded")
	return out, nil
}
