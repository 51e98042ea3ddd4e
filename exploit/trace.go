package exploit

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// TraceEntry is recorded on every state entry. Payload, RawTx, Address and
// Nonce are filled in by the step that owns the entry.
type TraceEntry struct {
	Index     int
	Step      string
	Kind      StepKind
	State     State
	Iteration int
	Payload   []byte
	RawTx     []byte
	TxHash    common.Hash
	Address   *common.Address
	Nonce     *big.Int
	Err       string
	ErrKind   string
	At        time.Time
}

// TraceSink persists a finished run's trace.
type TraceSink interface {
	RecordTrace(ctx context.Context, runID uuid.UUID, exploit string, entries []TraceEntry) error
}

// CountState returns how many entries entered state s.
func CountState(trace []TraceEntry, s State) int {
	n := 0
	for _, e := range trace {
		if e.State == s {
			n++
		}
	}
	return n
}
