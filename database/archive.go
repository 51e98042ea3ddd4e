package database

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mjkid221/damn-vulnerable-defi/database/worker"
	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	"github.com/mjkid221/damn-vulnerable-defi/txstore"
)

const traceBatchSize = 500

// StoreCapturedTx archives a capture. It lets the DB back a txstore.Store.
func (db *DB) StoreCapturedTx(tx *txstore.RawTx) error {
	row := CapturedTxRow(tx, time.Now())
	if err := db.CapturedTx.StoreCapturedTxs([]worker.CapturedTx{row}, 1); err != nil {
		return errors.Wrapf(err, "failed to archive capture %s", tx.ID)
	}
	return nil
}

// RecordTrace stores a finished run's trace in one transaction.
func (db *DB) RecordTrace(ctx context.Context, runID uuid.UUID, name string, entries []exploit.TraceEntry) error {
	rows := TraceRows(runID, name, entries)
	if len(rows) == 0 {
		return nil
	}
	err := db.withContext(ctx).Transaction(func(tx *DB) error {
		return tx.ExploitTrace.StoreExploitTrace(rows, traceBatchSize)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to store trace of run %s", runID)
	}
	log.Info("exploit trace stored", "run", runID, "entries", len(rows))
	return nil
}

func (db *DB) withContext(ctx context.Context) *DB {
	return newDB(db.gorm.WithContext(ctx))
}

// CapturedTxRow converts a capture into its table row.
func CapturedTxRow(tx *txstore.RawTx, at time.Time) worker.CapturedTx {
	return worker.CapturedTx{
		GUID:      uuid.New(),
		TxID:      string(tx.ID),
		Label:     tx.Meta.Label,
		Source:    tx.Meta.Source,
		Sender:    tx.Sender,
		ToAddress: tx.To(),
		Nonce:     new(big.Int).SetUint64(tx.Nonce()),
		Hash:      tx.Hash(),
		Raw:       append([]byte(nil), tx.Raw...),
		Timestamp: uint64(at.Unix()),
	}
}

// TraceRows converts trace entries into table rows, keeping their order.
func TraceRows(runID uuid.UUID, name string, entries []exploit.TraceEntry) []worker.ExploitTrace {
	rows := make([]worker.ExploitTrace, 0, len(entries))
	for _, e := range entries {
		row := worker.ExploitTrace{
			GUID:      uuid.New(),
			RunID:     runID,
			Exploit:   name,
			StepIndex: e.Index,
			Step:      e.Step,
			Kind:      string(e.Kind),
			State:     string(e.State),
			Iteration: e.Iteration,
			Payload:   e.Payload,
			RawTx:     e.RawTx,
			Address:   e.Address,
			Nonce:     e.Nonce,
			Error:     e.Err,
			ErrorKind: e.ErrKind,
			Timestamp: uint64(e.At.Unix()),
		}
		if e.TxHash != (common.Hash{}) {
			hash := e.TxHash
			row.TxHash = &hash
		}
		rows = append(rows, row)
	}
	return rows
}

// TraceEntries converts stored rows back into trace entries.
func TraceEntries(rows []worker.ExploitTrace) []exploit.TraceEntry {
	entries := make([]exploit.TraceEntry, 0, len(rows))
	for _, row := range rows {
		e := exploit.TraceEntry{
			Index:     row.StepIndex,
			Step:      row.Step,
			Kind:      exploit.StepKind(row.Kind),
			State:     exploit.State(row.State),
			Iteration: row.Iteration,
			Payload:   row.Payload,
			RawTx:     row.RawTx,
			Address:   row.Address,
			Nonce:     row.Nonce,
			Err:       row.Error,
			ErrKind:   row.ErrorKind,
			At:        time.Unix(int64(row.Timestamp), 0),
		}
		if row.TxHash != nil {
			e.TxHash = *row.TxHash
		}
		entries = append(entries, e)
	}
	return entries
}

var (
	_ txstore.Archive   = (*DB)(nil)
	_ exploit.TraceSink = (*DB)(nil)
)
