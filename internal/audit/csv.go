package audit

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// CSVHeaders are the column headers written by WriteCSV.
var CSVHeaders = []string{
	"id", "timestamp", "event", "mac", "hostname", "ip", "vendor", "actor", "exit_code", "reason",
}

// WriteCSV writes audit records as CSV to w.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(CSVHeaders); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, r := range records {
		exitCode := ""
		if r.ExitCode != nil {
			exitCode = strconv.Itoa(*r.ExitCode)
		}
		row := []string{
			strconv.FormatUint(r.ID, 10),
			r.Timestamp.Format(time.RFC3339),
			r.Event,
			r.MAC,
			r.Hostname,
			r.IP,
			r.Vendor,
			r.Actor,
			exitCode,
			r.Reason,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
