// Package txstore keeps captured signed transactions byte-for-byte and
// replays them against a ledger in a controlled order.
package txstore

import (
	"bytes"
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/ledger"
	"github.com/mjkid221/damn-vulnerable-defi/oracle"
)

// TransactionID identifies a captured transaction inside one store.
type TransactionID string

// Metadata is caller-supplied provenance for a capture.
type Metadata struct {
	Label string
	// Sender, when set, must match the address recovered from the signature.
	Sender *common.Address
	// Source is free text such as a mainnet tx hash or a fixture path.
	Source string
}

// RawTx is a captured transaction. Raw is never modified after capture.
type RawTx struct {
	ID     TransactionID
	Raw    []byte
	Meta   Metadata
	Sender common.Address

	tx *types.Transaction
}

func (r *RawTx) Nonce() uint64 { return r.tx.Nonce() }
func (r *RawTx) To() *common.Address { return r.tx.To() }
func (r *RawTx) Hash() common.Hash { return r.tx.Hash() }
func (r *RawTx) IsCreation() bool { return r.tx.To() == nil }
func (r *RawTx) Transaction() *types.Transaction { return r.tx }

// Cost is the most the sender can be charged: gas * price + value.
func (r *RawTx) Cost() *big.Int { return r.tx.Cost() }

type replayState int

const (
	notReplayed replayState = iota
	// accepted by the ledger but inclusion was not observed
	pending
	replayed
)

// Archive persists captures outside the process.
type Archive interface {
	StoreCapturedTx(tx *RawTx) error
}

// Store is append-only: captures are never removed or rewritten.
type Store struct {
	mu       sync.RWMutex
	txs      map[TransactionID]*RawTx
	byRaw    map[common.Hash]TransactionID
	order    []TransactionID
	state    map[TransactionID]replayState
	requires map[TransactionID][]TransactionID
	archive  Archive
}

type Option func(*Store)

// WithArchive mirrors every new capture into a.
func WithArchive(a Archive) Option {
	return func(s *Store) { s.archive = a }
}

func New(opts ...Option) *Store {
	s := &Store{
		txs:      make(map[TransactionID]*RawTx),
		byRaw:    make(map[common.Hash]TransactionID),
		state:    make(map[TransactionID]replayState),
		requires: make(map[TransactionID][]TransactionID),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// recoverSender picks the signer the transaction was signed with. Legacy
// transactions without replay protection predate EIP-155.
func recoverSender(tx *types.Transaction) (common.Address, error) {
	var signer types.Signer
	if tx.Protected() {
		signer = types.LatestSignerForChainID(tx.ChainId())
	} else {
		signer = types.HomesteadSigner{}
	}
	return types.Sender(signer, tx)
}

// Capture decodes raw, checks that it re-encodes to exactly the same bytes and
// recovers the sender. Capturing identical bytes twice returns the first id.
func (s *Store) Capture(raw []byte, meta Metadata) (TransactionID, error) {
	if len(raw) == 0 {
		return "", errs.NewError(errs.ErrorTypeDecoding, "empty raw transaction")
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", errs.WrapError(errs.ErrorTypeDecoding, "decode raw transaction", err).AddContext("label", meta.Label)
	}
	encoded, err := tx.MarshalBinary()
	if err != nil {
		return "", errs.WrapError(errs.ErrorTypeDecoding, "re-encode transaction", err)
	}
	if !bytes.Equal(encoded, raw) {
		return "", errs.NewError(errs.ErrorTypeDecoding, "raw transaction is not in canonical encoding").
			AddContext("label", meta.Label)
	}
	sender, err := recoverSender(tx)
	if err != nil {
		return "", errs.WrapError(errs.ErrorTypeDecoding, "recover sender", err).AddContext("label", meta.Label)
	}
	if meta.Sender != nil && *meta.Sender != sender {
		return "", errs.NewError(errs.ErrorTypeValidation, "recovered sender differs from declared sender").
			AddContext("declared", meta.Sender.Hex()).
			AddContext("recovered", sender.Hex())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := tx.Hash()
	if id, ok := s.byRaw[key]; ok {
		return id, nil
	}
	captured := &RawTx{
		ID:     TransactionID(uuid.New().String()),
		Raw:    bytes.Clone(raw),
		Meta:   meta,
		Sender: sender,
		tx:     tx,
	}
	if s.archive != nil {
		if err := s.archive.StoreCapturedTx(captured); err != nil {
			return "", err
		}
	}
	s.txs[captured.ID] = captured
	s.byRaw[key] = captured.ID
	s.order = append(s.order, captured.ID)

	log.Info("captured raw transaction", "id", captured.ID, "label", meta.Label, "sender", sender, "nonce", tx.Nonce(), "hash", key)
	return captured.ID, nil
}

func (s *Store) Get(id TransactionID) (*RawTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

func (s *Store) get(id TransactionID) (*RawTx, error) {
	tx, ok := s.txs[id]
	if !ok {
		return nil, errs.NewError(errs.ErrorTypeNotFound, "unknown transaction id").AddContext("id", string(id))
	}
	return tx, nil
}

// ByLabel returns the first capture carrying label.
func (s *Store) ByLabel(label string) (*RawTx, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		if s.txs[id].Meta.Label == label {
			return s.txs[id], nil
		}
	}
	return nil, errs.NewError(errs.ErrorTypeNotFound, "no capture with label").AddContext("label", label)
}

// List returns captures in capture order.
func (s *Store) List() []*RawTx {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RawTx, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.txs[id])
	}
	return out
}

// Replayed reports whether id was observed included on the ledger.
func (s *Store) Replayed(id TransactionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state[id] == replayed
}

// DeployedAddress is where a contract-creation capture deploys when replayed.
func (s *Store) DeployedAddress(id TransactionID) (common.Address, error) {
	tx, err := s.Get(id)
	if err != nil {
		return common.Address{}, err
	}
	if !tx.IsCreation() {
		return common.Address{}, errs.NewError(errs.ErrorTypeValidation, "transaction does not create a contract").
			AddContext("id", string(id)).
			AddContext("to", tx.To().Hex())
	}
	return oracle.PredictUint64(tx.Sender, tx.Nonce()), nil
}

// Require declares that filler must be replayed before target.
func (s *Store) Require(target, filler TransactionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(target)
	if err != nil {
		return err
	}
	f, err := s.get(filler)
	if err != nil {
		return err
	}
	if f.Sender != t.Sender || f.Nonce() >= t.Nonce() {
		return errs.NewError(errs.ErrorTypeValidation, "filler must come from the same sender at a lower nonce").
			AddContext("target", string(target)).
			AddContext("filler", string(filler))
	}
	for _, existing := range s.requires[target] {
		if existing == filler {
			return nil
		}
	}
	s.requires[target] = append(s.requires[target], filler)
	sort.Slice(s.requires[target], func(i, j int) bool {
		return s.txs[s.requires[target][i]].Nonce() < s.txs[s.requires[target][j]].Nonce()
	})
	return nil
}

// Replay submits the captured bytes of id unchanged. The sender's ledger
// nonce must equal the transaction nonce and its balance must cover the cost;
// a capture is replayed at most once.
func (s *Store) Replay(ctx context.Context, id TransactionID, l ledger.Ledger) (*ledger.Receipt, error) {
	s.mu.RLock()
	tx, err := s.get(id)
	state := s.state[id]
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	switch state {
	case replayed:
		return nil, errs.NewReplayRejected(errs.ReasonDoubleSubmission, nil).AddContext("id", string(id))
	case pending:
		// A previous attempt timed out; it may have landed since.
		receipt, err := l.Receipt(ctx, tx.Hash())
		if err == nil {
			s.markReplayed(id)
			return receipt, nil
		}
		if !errs.IsKind(err, errs.ErrorTypeNotFound) {
			return nil, err
		}
	default:
		if err := s.precheck(ctx, tx, l); err != nil {
			return nil, err
		}
	}

	log.Info("replaying raw transaction", "id", id, "label", tx.Meta.Label, "sender", tx.Sender, "nonce", tx.Nonce())
	receipt, err := l.Submit(ctx, tx.Raw)
	if err != nil {
		if errs.IsKind(err, errs.ErrorTypeSubmissionTimeout) {
			s.setState(id, pending)
			return nil, err
		}
		if errs.IsKind(err, errs.ErrorTypeSubmissionFailed) {
			return nil, classifyRejection(err).AddContext("id", string(id))
		}
		return nil, err
	}
	s.markReplayed(id)
	return receipt, nil
}

func (s *Store) precheck(ctx context.Context, tx *RawTx, l ledger.Ledger) error {
	nonce, err := l.GetAccountNonce(ctx, tx.Sender)
	if err != nil {
		return err
	}
	if nonce != tx.Nonce() {
		return errs.NewReplayRejected(errs.ReasonNonceMismatch, nil).
			AddContext("id", string(tx.ID)).
			AddContext("sender", tx.Sender.Hex()).
			AddContext("have", nonce).
			AddContext("want", tx.Nonce())
	}
	balance, err := l.GetBalance(ctx, tx.Sender)
	if err != nil {
		return err
	}
	if cost := tx.Cost(); balance.Cmp(cost) < 0 {
		return errs.NewReplayRejected(errs.ReasonInsufficientBalance, nil).
			AddContext("id", string(tx.ID)).
			AddContext("sender", tx.Sender.Hex()).
			AddContext("balance", balance.String()).
			AddContext("cost", cost.String())
	}
	return nil
}

func (s *Store) setState(id TransactionID, st replayState) {
	s.mu.Lock()
	s.state[id] = st
	s.mu.Unlock()
}

func (s *Store) markReplayed(id TransactionID) { s.setState(id, replayed) }

// classifyRejection maps a ledger refusal onto a replay rejection reason.
func classifyRejection(err error) *errs.ExploitError {
	msg := err.Error()
	reason := errs.ReasonLedgerRejected
	switch {
	case strings.Contains(msg, core.ErrNonceTooLow.Error()), strings.Contains(msg, core.ErrNonceTooHigh.Error()):
		reason = errs.ReasonNonceMismatch
	case strings.Contains(msg, core.ErrInsufficientFunds.Error()):
		reason = errs.ReasonInsufficientBalance
	}
	return errs.NewReplayRejected(reason, err)
}
