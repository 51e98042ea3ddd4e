package worker

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExploitTrace is one state entry of an exploit run.
type ExploitTrace struct {
	GUID      uuid.UUID       `gorm:"primaryKey" json:"guid"`
	RunID     uuid.UUID       `gorm:"column:run_id" db:"run_id" json:"run_id"`
	Exploit   string          `gorm:"column:exploit" db:"exploit" json:"exploit"`
	StepIndex int             `gorm:"column:step_index" db:"step_index" json:"step_index"`
	Step      string          `gorm:"column:step" db:"step" json:"step"`
	Kind      string          `gorm:"column:kind" db:"kind" json:"kind"`
	State     string          `gorm:"column:state" db:"state" json:"state"`
	Iteration int             `gorm:"column:iteration" db:"iteration" json:"iteration"`
	Payload   []byte          `gorm:"serializer:bytes;column:payload" db:"payload" json:"payload"`
	RawTx     []byte          `gorm:"serializer:bytes;column:raw_tx" db:"raw_tx" json:"raw_tx"`
	TxHash    *common.Hash    `gorm:"serializer:bytes;column:tx_hash" db:"tx_hash" json:"tx_hash"`
	Address   *common.Address `gorm:"serializer:bytes;column:address" db:"address" json:"address"`
	Nonce     *big.Int        `gorm:"serializer:u256;column:nonce" db:"nonce" json:"nonce"`
	Error     string          `gorm:"column:error_message" db:"error_message" json:"error_message"`
	ErrorKind string          `gorm:"column:error_kind" db:"error_kind" json:"error_kind"`
	Timestamp uint64          `gorm:"column:timestamp" db:"timestamp" json:"timestamp"`
}

func (ExploitTrace) TableName() string {
	return "exploit_traces"
}

type ExploitTraceView interface {
	QueryTraceByRunID(runID uuid.UUID) ([]ExploitTrace, error)
	QueryLatestRunID(exploit string) (uuid.UUID, error)
}

type ExploitTraceDB interface {
	ExploitTraceView

	StoreExploitTrace([]ExploitTrace, uint64) error
}

type exploitTraceDB struct {
	gorm *gorm.DB
}

func (e *exploitTraceDB) QueryTraceByRunID(runID uuid.UUID) ([]ExploitTrace, error) {
	var entries []ExploitTrace
	err := e.gorm.Table("exploit_traces").
		Where("run_id = ?", runID.String()).
		Order("step_index ASC").
		Find(&entries).
		Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// QueryLatestRunID returns uuid.Nil when the exploit never ran.
func (e *exploitTraceDB) QueryLatestRunID(exploit string) (uuid.UUID, error) {
	var latest ExploitTrace
	err := e.gorm.Table("exploit_traces").
		Where("exploit = ?", exploit).
		Order("timestamp DESC").
		Take(&latest).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return uuid.Nil, nil
		}
		return uuid.Nil, err
	}
	return latest.RunID, nil
}

func (e *exploitTraceDB) StoreExploitTrace(entries []ExploitTrace, batchSize uint64) error {
	result := e.gorm.Table("exploit_traces").CreateInBatches(&entries, int(batchSize))
	return result.Error
}

func NewExploitTraceDB(db *gorm.DB) ExploitTraceDB {
	return &exploitTraceDB{
		gorm: db,
	}
}
