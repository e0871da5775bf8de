package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/carapace-labs/carapace/pkg/canonicalize"
)

// ErrInvalidTimeRange is returned when the export start is after the end.
var ErrInvalidTimeRange = errors.New("audit: start must be before end")

// ExportRequest bounds an export to a time window. Zero values mean
// unbounded on that side.
type ExportRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Manifest describes an exported evidence set.
type Manifest struct {
	GeneratedAt time.Time `json:"generated_at"`
	Events      int       `json:"events"`
	Checksum    string    `json:"checksum"`
}

// Export writes the matching retained events to w as JSON lines and
// returns a manifest with a checksum over the exported bytes.
func (t *Trail) Export(w io.Writer, req ExportRequest) (Manifest, error) {
	if !req.Start.IsZero() && !req.End.IsZero() && req.Start.After(req.End) {
		return Manifest{}, ErrInvalidTimeRange
	}

	events := t.Events()
	var exported []byte
	count := 0
	for _, e := range events {
		if !req.Start.IsZero() && e.Timestamp.Before(req.Start) {
			continue
		}
		if !req.End.IsZero() && e.Timestamp.After(req.End) {
			continue
		}
		line, err := json.Marshal(e)
		if err != nil {
			return Manifest{}, fmt.Errorf("audit: export marshal: %w", err)
		}
		line = append(line, '\n')
		if _, err := w.Write(line); err != nil {
			return Manifest{}, fmt.Errorf("audit: export write: %w", err)
		}
		exported = append(exported, line...)
		count++
	}

	return Manifest{
		GeneratedAt: t.clock().UTC(),
		Events:      count,
		Checksum:    canonicalize.HashBytes(exported),
	}, nil
}
