package ingest

import (
	"bytes"
	"encoding/csv"
	"path/filepath"
	"strconv"
	"strings"

	"aipilot/internal/domain"
)

// metadataRow carries the per-pair fields a metadata sheet can supply.
// Rows match image pairs by position, like the file lists themselves.
type metadataRow struct {
	Title       string
	Description string
	Year        *int
	Location    string
}

// metadataRows parses an attached metadata file. Only CSV has a
// parser; the Excel formats are accepted at staging but their contents
// are ignored until someone attaches a reader for them. A malformed
// sheet is logged and skipped rather than failing the batch.
func (p *Pipeline) metadataRows(f *File) []metadataRow {
	if f == nil {
		return nil
	}
	if ext := strings.ToLower(filepath.Ext(f.Name)); ext != ".csv" {
		p.Log.Warn().Str("file", f.Name).Msg("metadata format has no parser, ignoring contents")
		return nil
	}
	records, err := csv.NewReader(bytes.NewReader(f.Data)).ReadAll()
	if err != nil {
		p.Log.Warn().Err(err).Str("file", f.Name).Msg("metadata csv unreadable, ignoring")
		return nil
	}
	if len(records) < 2 {
		return nil
	}
	cols := columnIndex(records[0])
	if cols == nil {
		p.Log.Warn().Str("file", f.Name).Msg("metadata csv has no recognized columns, ignoring")
		return nil
	}
	rows := make([]metadataRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		rows = append(rows, rowFromRecord(rec, cols))
	}
	return rows
}

// columnIndex finds the known header names. A sheet with none of them
// is not usable.
func columnIndex(header []string) map[string]int {
	cols := map[string]int{}
	for i, h := range header {
		switch name := strings.ToLower(strings.TrimSpace(h)); name {
		case "title", "description", "year", "location":
			cols[name] = i
		}
	}
	if len(cols) == 0 {
		return nil
	}
	return cols
}

func rowFromRecord(rec []string, cols map[string]int) metadataRow {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	row := metadataRow{
		Title:       field("title"),
		Description: field("description"),
		Location:    field("location"),
	}
	if y := field("year"); y != "" {
		if n, err := strconv.Atoi(y); err == nil {
			row.Year = &n
		}
	}
	return row
}

// applyMetadata fills record fields from the sheet row. Blank cells
// leave the field alone, so the filename-derived title survives a row
// that only sets, say, the year.
func applyMetadata(rec *domain.ImageRecord, row metadataRow) {
	if row.Title != "" {
		t := row.Title
		rec.Title = &t
	}
	if row.Description != "" {
		d := row.Description
		rec.Description = &d
	}
	if row.Year != nil {
		rec.Year = row.Year
	}
	if row.Location != "" {
		l := row.Location
		rec.Location = &l
	}
}
