package dedupe

import (
	"github.com/tradevault/recon-engine/internal/model"
)

// ExecutionIndex is the set of already-recorded execution fingerprints
// for one user. Incoming executions found here were already absorbed by
// a previous import and are filtered out before reconciliation, which is
// what makes re-importing a file idempotent.
//
// Fingerprints deliberately exclude the symbol: resolution rewrites
// stored records from CUSIP to ticker while re-imported files still
// carry the CUSIP, so a symbol-keyed set would stop recognizing its own
// fills the moment a resolution lands.
type ExecutionIndex map[string]bool

// BuildExecutionIndex collects fingerprints from every execution embedded
// in the user's trades and open positions.
func BuildExecutionIndex(trades []model.Trade, positions []model.OpenPosition) ExecutionIndex {
	idx := make(ExecutionIndex)
	for _, t := range trades {
		for _, e := range t.Executions {
			idx[fingerprint(e)] = true
		}
	}
	for _, p := range positions {
		for _, e := range p.Executions {
			idx[fingerprint(e)] = true
		}
	}
	return idx
}

// Contains reports whether the execution was already recorded.
func (idx ExecutionIndex) Contains(e model.Execution) bool {
	return idx[fingerprint(e)]
}

// fingerprint returns the identity key of one execution: the broker
// execution id when the broker supplied one, and the timestamp to the
// second otherwise. Timestamps are the fallback because brokers that
// omit ids still report distinct fill times.
func fingerprint(e model.Execution) string {
	if e.BrokerID != "" {
		return "b:" + e.BrokerID
	}
	return "t:" + e.Timestamp.UTC().Format("2006-01-02T15:04:05")
}
