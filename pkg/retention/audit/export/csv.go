package export

import (
	"context"
	"encoding/csv"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"tillpoint/evictor/pkg/retention"
)

// CSVExporter exports audit entries as CSV, one row per entry.
type CSVExporter struct {
	// IncludeHeader writes a header row first.
	IncludeHeader bool
}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{IncludeHeader: includeHeader}
}

var csvHeader = []string{
	"id", "title", "mode", "query", "result_message",
	"affected_count", "affected_document_ids",
	"query_timestamp", "epoch_timestamp", "details",
}

// Export writes entries to w. Affected ids are joined with ";" and details
// are flattened into sorted key=value pairs.
func (e *CSVExporter) Export(ctx context.Context, entries []*retention.AuditEntry, w io.Writer) error {
	writer := csv.NewWriter(w)

	if e.IncludeHeader {
		if err := writer.Write(csvHeader); err != nil {
			return retention.NewExportError("csv", len(entries), err)
		}
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writer.Write(entryToRow(entry)); err != nil {
			return retention.NewExportError("csv", len(entries), err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return retention.NewExportError("csv", len(entries), err)
	}
	return nil
}

func entryToRow(e *retention.AuditEntry) []string {
	details := make([]string, 0, len(e.Details))
	for _, k := range slices.Sorted(maps.Keys(e.Details)) {
		details = append(details, k+"="+e.Details[k])
	}

	return []string{
		e.ID,
		e.Title,
		string(e.Mode),
		e.Query,
		e.ResultMessage,
		strconv.Itoa(len(e.AffectedDocumentIDs)),
		strings.Join(e.AffectedDocumentIDs, ";"),
		formatTime(e.QueryTimestamp),
		formatTime(e.EpochTimestamp),
		strings.Join(details, ";"),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
