package worker

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CapturedTx is an archived raw transaction. Raw holds the exact bytes that
// were captured.
type CapturedTx struct {
	GUID      uuid.UUID       `gorm:"primaryKey" json:"guid"`
	TxID      string          `gorm:"column:tx_id" db:"tx_id" json:"tx_id"`
	Label     string          `gorm:"column:label" db:"label" json:"label"`
	Source    string          `gorm:"column:source" db:"source" json:"source"`
	Sender    common.Address  `gorm:"column:sender;serializer:bytes" db:"sender" json:"sender"`
	ToAddress *common.Address `gorm:"column:to_address;serializer:bytes" db:"to_address" json:"to_address"`
	Nonce     *big.Int        `gorm:"serializer:u256;column:nonce" db:"nonce" json:"nonce"`
	Hash      common.Hash     `gorm:"column:hash;serializer:bytes" db:"hash" json:"hash"`
	Raw       []byte          `gorm:"serializer:bytes;column:raw" db:"raw" json:"raw"`
	Timestamp uint64          `gorm:"column:timestamp" db:"timestamp" json:"timestamp"`
}

func (CapturedTx) TableName() string {
	return "captured_txs"
}

type CapturedTxView interface {
	QueryCapturedTxByLabel(label string) (*CapturedTx, error)
	QueryCapturedTxsBySender(sender common.Address) ([]CapturedTx, error)
}

type CapturedTxDB interface {
	CapturedTxView

	StoreCapturedTxs([]CapturedTx, uint64) error
}

type capturedTxDB struct {
	gorm *gorm.DB
}

func (c *capturedTxDB) QueryCapturedTxByLabel(label string) (*CapturedTx, error) {
	var tx CapturedTx
	err := c.gorm.Table("captured_txs").
		Where("label = ?", label).
		Order("timestamp DESC").
		Take(&tx).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tx, nil
}

func (c *capturedTxDB) QueryCapturedTxsBySender(sender common.Address) ([]CapturedTx, error) {
	var txs []CapturedTx
	err := c.gorm.Table("captured_txs").
		Where("sender = ?", sender.Hex()).
		Order("nonce ASC").
		Find(&txs).
		Error
	if err != nil {
		return nil, err
	}
	return txs, nil
}

func (c *capturedTxDB) StoreCapturedTxs(txList []CapturedTx, batchSize uint64) error {
	result := c.gorm.Table("captured_txs").CreateInBatches(&txList, int(batchSize))
	return result.Error
}

func NewCapturedTxDB(db *gorm.DB) CapturedTxDB {
	return &capturedTxDB{
		gorm: db,
	}
}
