package export

import (
	"context"
	"encoding/csv"
	"io"
	"strconv"

	"fleetops/warden/pkg/audit"
)

// CSVExporter exports audit entries as CSV rows.
type CSVExporter struct {
	// IncludeHeader includes a header row with column names.
	IncludeHeader bool
}

// NewCSVExporter creates a new CSV exporter.
func NewCSVExporter(includeHeader bool) *CSVExporter {
	return &CSVExporter{IncludeHeader: includeHeader}
}

var csvHeader = []string{
	"tenant", "sequence", "kind",
	"policy_code", "subject_id", "record_id", "status",
	"timestamp", "prev_hash", "entry_hash", "payload",
}

// Export writes entries to w.
func (e *CSVExporter) Export(ctx context.Context, entries []*audit.Entry, w io.Writer) error {
	writer := csv.NewWriter(w)

	if e.IncludeHeader {
		if err := writer.Write(csvHeader); err != nil {
			return audit.NewExportError("csv", len(entries), err)
		}
	}
	for _, entry := range entries {
		if err := writer.Write(entryToRow(entry)); err != nil {
			return audit.NewExportError("csv", len(entries), err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return audit.NewExportError("csv", len(entries), err)
	}
	return nil
}

// ExportStream writes entries from a channel, flushing every 100 rows.
func (e *CSVExporter) ExportStream(ctx context.Context, entriesCh <-chan *audit.Entry, w io.Writer) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if e.IncludeHeader {
		if err := writer.Write(csvHeader); err != nil {
			return audit.NewExportError("csv", 0, err)
		}
	}

	count := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case entry, ok := <-entriesCh:
			if !ok {
				writer.Flush()
				if err := writer.Error(); err != nil {
					return audit.NewExportError("csv", count, err)
				}
				return nil
			}

			if err := writer.Write(entryToRow(entry)); err != nil {
				return audit.NewExportError("csv", count, err)
			}
			count++

			if count%100 == 0 {
				writer.Flush()
				if err := writer.Error(); err != nil {
					return audit.NewExportError("csv", count, err)
				}
			}
		}
	}
}

func entryToRow(e *audit.Entry) []string {
	return []string{
		e.Tenant,
		strconv.FormatInt(e.Sequence, 10),
		string(e.Kind),
		e.PolicyCode,
		e.SubjectID,
		e.RecordID,
		e.Status,
		audit.FormatTimestamp(e.Timestamp),
		e.PrevHash,
		e.EntryHash,
		string(e.Payload),
	}
}
