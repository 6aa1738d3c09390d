// Package export writes audit entries in JSON or CSV.
//
//	exporter := export.NewCSVExporter(true)
//	err := exporter.Export(ctx, entries, os.Stdout)
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"tillpoint/evictor/pkg/retention"
)

// Exporter writes audit entries to w.
type Exporter interface {
	Export(ctx context.Context, entries []*retention.AuditEntry, w io.Writer) error
}

// New returns the exporter for format ("json" or "csv"). pretty applies
// to JSON and header to CSV.
func New(format string, pretty, header bool) (Exporter, error) {
	switch format {
	case "json":
		return NewJSONExporter(pretty), nil
	case "csv":
		return NewCSVExporter(header), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q (use json or csv)", format)
	}
}

// JSONExporter exports audit entries as a JSON array.
type JSONExporter struct {
	// Pretty enables indentation.
	Pretty bool
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(pretty bool) *JSONExporter {
	return &JSONExporter{Pretty: pretty}
}

// Export writes entries to w. An empty input produces "[]".
func (e *JSONExporter) Export(ctx context.Context, entries []*retention.AuditEntry, w io.Writer) error {
	if entries == nil {
		entries = []*retention.AuditEntry{}
	}

	enc := json.NewEncoder(w)
	if e.Pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(entries); err != nil {
		return retention.NewExportError("json", len(entries), err)
	}
	return nil
}
