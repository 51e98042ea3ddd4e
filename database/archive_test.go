package database

import (
	"database/sql/driver"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/mjkid221/damn-vulnerable-defi/database/worker"
	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	"github.com/mjkid221/damn-vulnerable-defi/txstore"
)

func capturedTx(t *testing.T) *txstore.RawTx {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	signed, err := types.SignNewTx(key, types.HomesteadSigner{}, &types.LegacyTx{
		Nonce: 7, To: &to, Value: big.NewInt(1), Gas: 21_000, GasPrice: big.NewInt(1_000_000_000),
	})
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	store := txstore.New()
	id, err := store.Capture(raw, txstore.Metadata{Label: "FILLER", Source: "test"})
	require.NoError(t, err)
	tx, err := store.Get(id)
	require.NoError(t, err)
	return tx
}

// dryRunDB builds SQL without ever connecting.
func dryRunDB(t *testing.T) *gorm.DB {
	g, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost dbname=exploit sslmode=disable"}), &gorm.Config{
		DryRun:                 true,
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return g
}

func TestCapturedTxRow(t *testing.T) {
	tx := capturedTx(t)
	at := time.Unix(1_700_000_000, 0)
	row := CapturedTxRow(tx, at)

	assert.Equal(t, string(tx.ID), row.TxID)
	assert.Equal(t, "FILLER", row.Label)
	assert.Equal(t, tx.Sender, row.Sender)
	require.NotNil(t, row.ToAddress)
	assert.Equal(t, *tx.To(), *row.ToAddress)
	assert.Equal(t, int64(7), row.Nonce.Int64())
	assert.Equal(t, tx.Hash(), row.Hash)
	assert.Equal(t, tx.Raw, row.Raw)
	assert.Equal(t, uint64(at.Unix()), row.Timestamp)

	// the row owns its bytes
	row.Raw[0] ^= 0xff
	assert.NotEqual(t, tx.Raw[0], row.Raw[0])
}

func TestTraceRows(t *testing.T) {
	runID := uuid.New()
	addr := common.HexToAddress("0x34CfAC646f301356fAa8B21e94227e3583Fe3F5F")
	hash := common.HexToHash("0x01")
	at := time.Unix(1_700_000_000, 0)
	entries := []exploit.TraceEntry{
		{Index: 0, State: exploit.StateInit, Iteration: -1, At: at},
		{Index: 1, Step: "copy", Kind: exploit.KindReplayRawTx, State: exploit.StateReplaying, Iteration: -1,
			RawTx: []byte{0xf8}, TxHash: hash, Address: &addr, Nonce: big.NewInt(0), At: at},
		{Index: 2, State: exploit.StateFailed, Iteration: 3, Err: "boom", ErrKind: "replay_rejected", At: at},
	}

	rows := TraceRows(runID, "wallet-mining", entries)
	require.Len(t, rows, 3)
	for i, row := range rows {
		assert.Equal(t, runID, row.RunID)
		assert.Equal(t, "wallet-mining", row.Exploit)
		assert.Equal(t, i, row.StepIndex)
	}
	assert.Nil(t, rows[0].TxHash)
	require.NotNil(t, rows[1].TxHash)
	assert.Equal(t, hash, *rows[1].TxHash)
	assert.Equal(t, "replay_rejected", rows[2].ErrorKind)

	back := TraceEntries(rows)
	assert.Equal(t, entries, back)
}

func TestStoreCapturedTxDryRun(t *testing.T) {
	g := dryRunDB(t)
	db := newDB(g)
	tx := capturedTx(t)
	require.NoError(t, db.StoreCapturedTx(tx))

	row := CapturedTxRow(tx, time.Now())
	stmt := g.Table("captured_txs").Create(&row).Statement
	assert.Contains(t, stmt.SQL.String(), `INSERT INTO "captured_txs"`)

	// serialized columns are bound as valuers
	var bound []interface{}
	for _, v := range stmt.Vars {
		if valuer, ok := v.(driver.Valuer); ok {
			resolved, err := valuer.Value()
			require.NoError(t, err)
			v = resolved
		}
		bound = append(bound, v)
	}
	assert.Contains(t, bound, tx.Sender.Hex())
	assert.Contains(t, bound, tx.Hash().Hex())
	assert.Contains(t, bound, "7")
}

func TestQueryDryRun(t *testing.T) {
	g := dryRunDB(t)
	runID := uuid.New()

	var rows []worker.ExploitTrace
	stmt := g.Table("exploit_traces").Where("run_id = ?", runID.String()).Order("step_index ASC").Find(&rows).Statement
	assert.Contains(t, stmt.SQL.String(), `"exploit_traces"`)
	assert.Contains(t, stmt.SQL.String(), "ORDER BY step_index ASC")

	// dry runs return nothing
	entries, err := worker.NewExploitTraceDB(g).QueryTraceByRunID(runID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
