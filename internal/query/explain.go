package query

import "time"

// fullScanWarnThreshold is the documents_scanned count above which
// Explain flags a full collection scan as worth indexing.
const fullScanWarnThreshold = 10000

// slowSortRowThreshold is the row count above which an in-memory SORT
// not satisfied by an index is flagged as a candidate for an ordered
// index on the sort field.
const slowSortRowThreshold = 5000

// ClauseTiming records how long one body clause took and how many rows
// it produced, for Explain's trace.
type ClauseTiming struct {
	Clause   string
	Rows     int
	Duration time.Duration
}

// ExplainTrace reports how a query was executed: the access path
// chosen for its first FOR, per-clause timings, and any advisory
// warnings about expensive patterns.
type ExplainTrace struct {
	AccessType        string
	Collection        string
	Field             string
	DocumentsScanned  int
	DocumentsReturned int
	SortSkipped       bool
	ClauseTimings     []ClauseTiming
	Warnings          []string
}

func timeNow() time.Time { return time.Now() }

func timeSince(t time.Time) time.Duration { return time.Since(t) }

// Explain runs q exactly as Execute would, recording per-clause timing
// and access-path diagnostics instead of discarding them.
func (ex *Executor) Explain(q *Query) (*ExplainTrace, error) {
	plan := planAccess(q, ex.db)

	rows, err := ex.run(q, true)
	if err != nil {
		return nil, err
	}
	if _, err := ex.project(q, rows); err != nil {
		return nil, err
	}

	trace := &ExplainTrace{
		AccessType:        ex.accessType,
		DocumentsScanned:  ex.documentsScanned,
		DocumentsReturned: ex.documentsReturned,
		SortSkipped:       ex.sortSkipped,
		ClauseTimings:     ex.clauseTimings,
	}
	if plan != nil {
		trace.Collection = plan.Collection
		trace.Field = plan.Field
	}

	if trace.AccessType == string(AccessScan) && trace.DocumentsScanned > fullScanWarnThreshold {
		trace.Warnings = append(trace.Warnings, "full collection scan over threshold; consider an index on the filtered field")
	}
	if q.Sort != nil && !ex.sortSkipped && trace.DocumentsReturned > slowSortRowThreshold {
		trace.Warnings = append(trace.Warnings, "in-memory sort over large result set; consider an ordered index on the sort field")
	}

	return trace, nil
}
