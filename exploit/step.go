package exploit

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/ledger"
	"github.com/mjkid221/damn-vulnerable-defi/oracle"
	"github.com/mjkid221/damn-vulnerable-defi/txstore"
)

type StepKind string

const (
	KindPredictAddress StepKind = "predict-address"
	KindReplayRawTx    StepKind = "replay-raw-tx"
	KindSubmitCall     StepKind = "submit-call"
	KindWaitCondition  StepKind = "wait-condition"
	KindRepeat         StepKind = "repeat"
)

// Step is one orchestrated action. The set of implementations is closed.
type Step interface {
	Kind() StepKind
	Label() string
}

// StepOutput is what a step hands to later steps. Nonces only ever come from
// explicit inputs or ledger reads.
type StepOutput struct {
	Nonce    *big.Int
	Address  *common.Address
	Receipts []*ledger.Receipt
}

// Signer signs fresh calls for the acting account.
type Signer interface {
	From() common.Address
	SignCall(nonce uint64, to *common.Address, value *big.Int, gas uint64, data []byte) ([]byte, error)
}

// AddressRef is either a literal address or the name of one recorded earlier
// in the run.
type AddressRef struct {
	Name    string
	Literal common.Address
}

func At(addr common.Address) AddressRef { return AddressRef{Literal: addr} }
func Ref(name string) AddressRef { return AddressRef{Name: name} }

func (r AddressRef) Resolve(env *Env) (common.Address, error) {
	if r.Name == "" {
		return r.Literal, nil
	}
	return env.Address(r.Name)
}

func (r AddressRef) String() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Literal.Hex()
}

// Env is the per-run state threaded through the steps.
type Env struct {
	Ledger ledger.Ledger
	Store  *txstore.Store
	Oracle *oracle.Oracle
	Signer Signer

	Addresses map[string]common.Address
	Verified  map[string]bool
	Nonces    map[common.Address]uint64
	Outputs   map[string]StepOutput
}

func newEnv(cfg *Config) *Env {
	env := &Env{
		Ledger:    cfg.Ledger,
		Store:     cfg.Store,
		Oracle:    cfg.Oracle,
		Signer:    cfg.Signer,
		Addresses: make(map[string]common.Address),
		Verified:  make(map[string]bool),
		Nonces:    make(map[common.Address]uint64),
		Outputs:   make(map[string]StepOutput),
	}
	for name, addr := range cfg.Addresses {
		env.Addresses[name] = addr
	}
	return env
}

// Address looks up a named address.
func (e *Env) Address(name string) (common.Address, error) {
	addr, ok := e.Addresses[name]
	if !ok {
		return common.Address{}, errs.NewError(errs.ErrorTypeNotFound, "no address recorded under name").AddContext("name", name)
	}
	return addr, nil
}

// ObserveNonce reads the account nonce from the ledger and records it.
func (e *Env) ObserveNonce(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := e.Ledger.GetAccountNonce(ctx, account)
	if err != nil {
		return 0, err
	}
	e.Nonces[account] = nonce
	return nonce, nil
}

// PredictAddress derives where a contract will land. The nonce baseline comes
// from Nonce, else from the output of step NonceFrom, else from the ledger.
// With Search set the smallest nonce (or salt) at or above the baseline that
// yields the searched address is found instead.
type PredictAddress struct {
	Name      string
	Deployer  AddressRef
	Nonce     *big.Int
	NonceFrom string
	Create2   *Create2
	Search    *AddressRef
	Expect    *AddressRef
}

// Create2 switches a prediction to the salted scheme. Salt is the starting
// salt when searching.
type Create2 struct {
	Salt     common.Hash
	InitCode []byte
}

func (s *PredictAddress) Kind() StepKind { return KindPredictAddress }
func (s *PredictAddress) Label() string  { return s.Name }

// ReplayRawTx replays a captured transaction, optionally preceded by the
// fillers that bring the sender's nonce up to it.
type ReplayRawTx struct {
	Name        string
	ID          txstore.TransactionID
	CaptureName string
	WithFillers bool
}

func (s *ReplayRawTx) Kind() StepKind { return KindReplayRawTx }
func (s *ReplayRawTx) Label() string  { return s.Name }

// SubmitCall crafts call data, signs it with the run's signer at the observed
// nonce and submits it. A nil To deploys the data as init code.
type SubmitCall struct {
	Name  string
	To    *AddressRef
	Value *big.Int
	Gas   uint64

	// Data is used as is; Craft builds it from the run state instead.
	Data  []byte
	Craft func(env *Env) ([]byte, error)

	// RequireAddress names a predicted address that must have been verified
	// before this call may be submitted.
	RequireAddress string

	// Verify runs against the receipt after inclusion.
	Verify func(ctx context.Context, env *Env, receipt *ledger.Receipt) error

	// From signs this call instead of the run's signer.
	From Signer
}

func (s *SubmitCall) signer(env *Env) Signer {
	if s.From != nil {
		return s.From
	}
	return env.Signer
}

func (s *SubmitCall) Kind() StepKind { return KindSubmitCall }
func (s *SubmitCall) Label() string  { return s.Name }

// WaitCondition polls Condition until it holds or Timeout passes.
type WaitCondition struct {
	Name      string
	Condition Postcondition
	Timeout   time.Duration
	Interval  time.Duration
}

func (s *WaitCondition) Kind() StepKind { return KindWaitCondition }
func (s *WaitCondition) Label() string  { return s.Name }

// Repeat runs Times full crafting, submitting and verifying cycles. Call
// returns the call for iteration i. The first failing iteration stops the run.
type Repeat struct {
	Name  string
	Times int
	Call  func(i int) *SubmitCall
}

func (s *Repeat) Kind() StepKind { return KindRepeat }
func (s *Repeat) Label() string  { return s.Name }
