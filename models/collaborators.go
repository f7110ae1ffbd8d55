package models

import (
	"context"
	"time"
)

// Row is one extracted data row, ordered the way the sink should write it.
type Row []any

// Validator probes a platform with the decrypted tokens and reports
// whether they are still usable. Implementations must be side-effect
// free and cheap; one exists per platform.
type Validator interface {
	Check(ctx context.Context, tokens Tokens) (bool, error)
}

// Extractor pulls structured rows from a platform for a date range.
type Extractor interface {
	Extract(ctx context.Context, conn *Connection, tokens Tokens, from, to time.Time) ([]Row, error)
}

// Sink receives extracted rows and appends them to a destination.
// Appending an empty slice must be a no-op, not an error.
type Sink interface {
	Append(ctx context.Context, rows []Row, spreadsheetID, sheetName string) (int, error)
}
