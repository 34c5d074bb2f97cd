// Package loserrs defines the error taxonomy shared by every pipeline
// stage. Callers compare against the sentinels with errors.Is after a
// stage returns a wrapped error.
package loserrs

import "errors"

var (
	// InputMalformed: missing a required XML attribute on a
	// recognized event, an unparseable HH:MM:SS, or a non-gzipped or
	// truncated event log. Fatal to the stage.
	InputMalformed = errors.New("input malformed")

	// MetadataInconsistency: a stop record references a line absent
	// from line_headway, or a link record references a link absent
	// from link_table. The offending record is dropped and counted,
	// not fatal.
	MetadataInconsistency = errors.New("metadata inconsistency")

	// RunInvariantViolated: at bus leaves-traffic, total boarding
	// differs from total alighting. Fatal by default.
	RunInvariantViolated = errors.New("run invariant violated")

	// DegenerateTravelTime: the travel-time factor denominator is
	// zero. Fatal for the row being scored.
	DegenerateTravelTime = errors.New("degenerate travel time")

	// IoError: a read or write failure on any file. Fatal to the
	// stage.
	IoError = errors.New("io error")
)
