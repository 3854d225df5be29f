// Package source provides the data sources criteria are evaluated against.
package source

import "errors"

var (
	// ErrClosed is returned by sources that were closed
	ErrClosed = errors.New("source closed")

	// ErrNoData is returned when a source has nothing to serve yet
	ErrNoData = errors.New("source has no data")
)
