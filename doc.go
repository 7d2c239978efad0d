// Package ledgerwal implements a paged, crash-safe write-ahead log
// engine intended to serve as the durable audit trail of a Raft
// consensus implementation.
//
// A WriteAheadLog owns an ordered, gap-free sequence of entries
// addressed by monotonically increasing indices, serves concurrent
// readers while a single appender extends the tail, applies committed
// entries to an external state machine in strict index order exactly
// once, and persists voter metadata (current term, voted-for,
// last-committed index). Storage is a paged address space over either
// memory-mapped files or private anonymous memory.
package ledgerwal

import (
	"github.com/ledgerwal/ledgerwal/logger"
	"github.com/rs/zerolog"
)

func newDefaultLogger(namespace string) *zerolog.Logger {
	return logger.NewLogger(namespace)
}
