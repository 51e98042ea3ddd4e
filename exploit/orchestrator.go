// Package exploit sequences address prediction, raw transaction replay,
// payload crafting and submission against a ledger, checking preconditions
// between steps and postconditions at the end.
package exploit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/ledger"
	"github.com/mjkid221/damn-vulnerable-defi/oracle"
	"github.com/mjkid221/damn-vulnerable-defi/txstore"
)

const (
	DefaultSubmitRetries = 3
	DefaultMaxRepeat     = 10_000

	// NoRetries disables resubmission; a zero SubmitRetries means the default.
	NoRetries = -1

	defaultWaitTimeout  = 30 * time.Second
	defaultWaitInterval = 500 * time.Millisecond
)

type Config struct {
	Name string

	Ledger ledger.Ledger
	Store  *txstore.Store
	Oracle *oracle.Oracle
	Signer Signer

	Steps          []Step
	Postconditions []Postcondition

	// Addresses seeds the named addresses steps can refer to.
	Addresses map[string]common.Address
	// Watch lists extra accounts included in the final snapshot.
	Watch []common.Address

	SubmitRetries int
	RetryDelay    time.Duration
	MaxRepeat     int

	Sink TraceSink
}

func (c *Config) validate() error {
	if c.Ledger == nil {
		return errs.NewConfigError("a ledger is required", "ledger")
	}
	for _, step := range c.Steps {
		switch s := step.(type) {
		case *ReplayRawTx:
			if c.Store == nil {
				return errs.NewConfigError("replay steps need a transaction store", "store")
			}
		case *SubmitCall:
			if c.Signer == nil && s.From == nil {
				return errs.NewConfigError("call steps need a signer", "signer")
			}
		case *Repeat:
			if s.Times <= 0 || s.Times > c.MaxRepeat || s.Call == nil {
				return errs.NewError(errs.ErrorTypeValidation, "repeat count outside the allowed range").
					AddContext("step", s.Name).
					AddContext("times", s.Times).
					AddContext("max", c.MaxRepeat)
			}
			if c.Signer != nil {
				continue
			}
			// Without a run signer every iteration must bring its own.
			for i := 0; i < s.Times; i++ {
				if call := s.Call(i); call == nil || call.From == nil {
					return errs.NewConfigError("repeat steps need a signer", "signer").
						AddContext("step", s.Name).
						AddContext("iteration", i)
				}
			}
		case *PredictAddress, *WaitCondition:
		default:
			return errs.NewError(errs.ErrorTypeValidation, fmt.Sprintf("unsupported step %T", step))
		}
	}
	return nil
}

// AccountState is one account as read at the end of a run.
type AccountState struct {
	Nonce    uint64
	Balance  *big.Int
	CodeSize int
}

// Snapshot is the ledger state observed after the run.
type Snapshot struct {
	Addresses map[string]common.Address
	Accounts  map[common.Address]AccountState
}

// Result never carries a panic: every failure ends up in Err with the trace
// recorded up to that point.
type Result struct {
	RunID      uuid.UUID
	Success    bool
	FinalState *Snapshot
	Trace      []TraceEntry
	Err        error
}

// ErrKind is the classified kind of Err, if any.
func (r *Result) ErrKind() errs.ErrorType { return errs.Kind(r.Err) }

type runner struct {
	cfg      Config
	env      *Env
	m        *Machine
	runID    uuid.UUID
	trace    []TraceEntry
	recovery *errs.ErrorRecovery

	step      Step
	iteration int
}

// RunExploit executes the configured steps in order, then verifies the
// postconditions. It does not panic and always returns a Result.
func RunExploit(ctx context.Context, cfg Config) (res *Result) {
	if cfg.Oracle == nil {
		cfg.Oracle = oracle.New(0)
	}
	switch {
	case cfg.SubmitRetries == 0:
		cfg.SubmitRetries = DefaultSubmitRetries
	case cfg.SubmitRetries < 0:
		cfg.SubmitRetries = 0
	}
	if cfg.MaxRepeat <= 0 {
		cfg.MaxRepeat = DefaultMaxRepeat
	}

	r := &runner{
		cfg:       cfg,
		env:       newEnv(&cfg),
		m:         NewMachine(),
		runID:     uuid.New(),
		recovery:  errs.NewErrorRecovery(cfg.SubmitRetries),
		iteration: -1,
	}
	if cfg.RetryDelay > 0 {
		r.recovery.BaseDelay = cfg.RetryDelay
	}
	r.m.onEnter = r.record

	defer func() {
		if p := recover(); p != nil {
			err := errs.NewError(errs.ErrorTypeState, fmt.Sprintf("exploit step panicked: %v", p))
			res = r.finish(ctx, err)
		}
	}()

	log.Info("running exploit", "name", cfg.Name, "run", r.runID, "steps", len(cfg.Steps))
	if err := cfg.validate(); err != nil {
		return r.finish(ctx, err)
	}
	for _, step := range cfg.Steps {
		r.step, r.iteration = step, -1
		if err := r.run(ctx, step); err != nil {
			return r.finish(ctx, err)
		}
	}
	r.step, r.iteration = nil, -1
	return r.finish(ctx, r.verifyPostconditions(ctx))
}

func (r *runner) record(_ State, to State) {
	entry := TraceEntry{
		Index:     len(r.trace),
		State:     to,
		Iteration: r.iteration,
		At:        time.Now(),
	}
	if r.step != nil {
		entry.Step = r.step.Label()
		entry.Kind = r.step.Kind()
	}
	r.trace = append(r.trace, entry)
}

// annotate edits the entry of the current state.
func (r *runner) annotate(fn func(e *TraceEntry)) {
	if len(r.trace) > 0 {
		fn(&r.trace[len(r.trace)-1])
	}
}

func (r *runner) run(ctx context.Context, step Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch s := step.(type) {
	case *PredictAddress:
		return r.predict(ctx, s)
	case *ReplayRawTx:
		return r.replay(ctx, s)
	case *SubmitCall:
		return r.submit(ctx, s)
	case *WaitCondition:
		return r.wait(ctx, s)
	case *Repeat:
		return r.repeat(ctx, s)
	}
	return errs.NewError(errs.ErrorTypeValidation, fmt.Sprintf("unsupported step %T", step))
}

func (r *runner) predict(ctx context.Context, s *PredictAddress) error {
	deployer, err := s.Deployer.Resolve(r.env)
	if err != nil {
		return err
	}

	var baseline *big.Int
	switch {
	case s.Create2 != nil:
		baseline = s.Create2.Salt.Big()
	case s.Nonce != nil:
		baseline = new(big.Int).Set(s.Nonce)
	case s.NonceFrom != "":
		out, ok := r.env.Outputs[s.NonceFrom]
		if !ok || out.Nonce == nil {
			return errs.NewError(errs.ErrorTypeState, "referenced step produced no nonce").AddContext("step", s.NonceFrom)
		}
		baseline = new(big.Int).Set(out.Nonce)
	default:
		n, err := r.env.ObserveNonce(ctx, deployer)
		if err != nil {
			return err
		}
		baseline = new(big.Int).SetUint64(n)
	}
	r.m.NonceBaselineKnown()
	if err := r.m.Transition(StatePredicting); err != nil {
		return err
	}

	var (
		addr     common.Address
		nonce    = baseline
		verified bool
	)
	if s.Search != nil {
		target, err := s.Search.Resolve(r.env)
		if err != nil {
			return err
		}
		if s.Create2 != nil {
			salt, err := r.env.Oracle.FindSaltForAddress(ctx, deployer, target, s.Create2.InitCode, baseline)
			if err != nil {
				return err
			}
			nonce = salt.Big()
		} else {
			if nonce, err = r.env.Oracle.FindNonceForAddress(ctx, deployer, target, baseline); err != nil {
				return err
			}
		}
		addr, verified = target, true
	} else if s.Create2 != nil {
		addr = oracle.PredictCreate2(deployer, s.Create2.Salt, s.Create2.InitCode)
	} else {
		if addr, err = oracle.Predict(deployer, nonce); err != nil {
			return err
		}
	}

	if s.Expect != nil {
		want, err := s.Expect.Resolve(r.env)
		if err != nil {
			return err
		}
		if addr != want {
			return errs.NewError(errs.ErrorTypeState, "predicted address differs from the expected one").
				AddContext("predicted", addr.Hex()).
				AddContext("expected", want.Hex()).
				AddContext("nonce", nonce.String())
		}
		verified = true
	}

	r.env.Addresses[s.Name] = addr
	if verified {
		r.env.Verified[s.Name] = true
	}
	r.env.Outputs[s.Name] = StepOutput{Nonce: nonce, Address: &addr}
	r.annotate(func(e *TraceEntry) {
		e.Address = &addr
		e.Nonce = new(big.Int).Set(nonce)
	})
	log.Info("predicted address", "step", s.Name, "deployer", deployer, "nonce", nonce, "address", addr, "verified", verified)
	return nil
}

func (r *runner) replay(ctx context.Context, s *ReplayRawTx) error {
	id := s.ID
	if id == "" {
		captured, err := r.env.Store.ByLabel(s.CaptureName)
		if err != nil {
			return err
		}
		id = captured.ID
	}
	target, err := r.env.Store.Get(id)
	if err != nil {
		return err
	}

	order := []txstore.TransactionID{id}
	if s.WithFillers {
		plan, err := r.env.Store.Plan(ctx, r.env.Ledger, id)
		if err != nil {
			return err
		}
		order = plan.Order()
	}

	out := StepOutput{}
	for _, txID := range order {
		tx, err := r.env.Store.Get(txID)
		if err != nil {
			return err
		}
		if err := r.m.Transition(StateReplaying); err != nil {
			return err
		}
		r.annotate(func(e *TraceEntry) {
			e.RawTx = tx.Raw
			e.TxHash = tx.Hash()
		})

		var receipt *ledger.Receipt
		err = r.recovery.RetryWithRecovery(ctx, func(attempt int) error {
			if attempt > 0 {
				log.Warn("retrying replay with identical bytes", "id", txID, "attempt", attempt)
			}
			rc, err := r.env.Store.Replay(ctx, txID, r.env.Ledger)
			receipt = rc
			return err
		})
		if err != nil {
			return err
		}
		if !receipt.Succeeded() {
			return errs.NewError(errs.ErrorTypeSubmissionFailed, "replayed transaction reverted").
				AddContext("id", string(txID)).
				AddContext("tx_hash", receipt.TxHash.Hex())
		}
		out.Receipts = append(out.Receipts, receipt)

		if tx.IsCreation() {
			predicted, err := r.env.Store.DeployedAddress(txID)
			if err != nil {
				return err
			}
			if receipt.ContractAddress != predicted {
				return errs.NewError(errs.ErrorTypeState, "contract landed away from its predicted address").
					AddContext("predicted", predicted.Hex()).
					AddContext("actual", receipt.ContractAddress.Hex())
			}
			r.annotate(func(e *TraceEntry) { e.Address = &predicted })
		}
	}

	nonce, err := r.env.ObserveNonce(ctx, target.Sender)
	if err != nil {
		return err
	}
	out.Nonce = new(big.Int).SetUint64(nonce)
	r.annotate(func(e *TraceEntry) { e.Nonce = new(big.Int).SetUint64(nonce) })

	if target.IsCreation() {
		addr, _ := r.env.Store.DeployedAddress(id)
		if prior, ok := r.env.Addresses[s.Name]; ok && prior != addr {
			return errs.NewError(errs.ErrorTypeState, "deployment does not match the earlier prediction").
				AddContext("predicted", prior.Hex()).
				AddContext("deployed", addr.Hex())
		}
		r.env.Addresses[s.Name] = addr
		r.env.Verified[s.Name] = true
		out.Address = &addr
	}
	r.env.Outputs[s.Name] = out
	log.Info("replayed captured transactions", "step", s.Name, "count", len(order), "sender", target.Sender, "nonce", nonce)
	return nil
}

func (r *runner) submit(ctx context.Context, s *SubmitCall) error {
	if err := r.m.Transition(StateCrafting); err != nil {
		return err
	}
	data := s.Data
	if s.Craft != nil {
		crafted, err := s.Craft(r.env)
		if err != nil {
			return err
		}
		data = crafted
	}
	var to *common.Address
	if s.To != nil {
		addr, err := s.To.Resolve(r.env)
		if err != nil {
			return err
		}
		to = &addr
	}
	r.annotate(func(e *TraceEntry) {
		e.Payload = append([]byte(nil), data...)
		e.Address = to
	})
	r.m.PayloadBuilt()

	if s.RequireAddress != "" && !r.env.Verified[s.RequireAddress] {
		return errs.NewError(errs.ErrorTypeState, "call depends on an address that was never verified").
			AddContext("address", s.RequireAddress)
	}
	if err := r.m.Transition(StateSubmitting); err != nil {
		return err
	}

	signer := s.signer(r.env)
	if signer == nil {
		return errs.NewConfigError("call has no signer", "signer")
	}
	from := signer.From()
	nonce, err := r.env.ObserveNonce(ctx, from)
	if err != nil {
		return err
	}
	raw, err := signer.SignCall(nonce, to, s.Value, s.Gas, data)
	if err != nil {
		return err
	}
	hash := crypto.Keccak256Hash(raw)
	r.annotate(func(e *TraceEntry) {
		e.RawTx = raw
		e.TxHash = hash
		e.Nonce = new(big.Int).SetUint64(nonce)
	})

	receipt, err := r.submitWithRetry(ctx, raw, hash)
	if err != nil {
		return err
	}

	if err := r.m.Transition(StateVerifying); err != nil {
		return err
	}
	if !receipt.Succeeded() {
		return errs.NewError(errs.ErrorTypeSubmissionFailed, "call reverted").
			AddContext("step", s.Name).
			AddContext("tx_hash", hash.Hex())
	}
	if s.Verify != nil {
		if err := s.Verify(ctx, r.env, receipt); err != nil {
			return err
		}
	}
	after, err := r.env.ObserveNonce(ctx, from)
	if err != nil {
		return err
	}
	if after != nonce+1 {
		return errs.NewError(errs.ErrorTypeState, "sender nonce did not advance by one").
			AddContext("before", nonce).
			AddContext("after", after)
	}

	out := StepOutput{Nonce: new(big.Int).SetUint64(after), Receipts: []*ledger.Receipt{receipt}}
	if to == nil {
		deployed := receipt.ContractAddress
		r.env.Addresses[s.Name] = deployed
		out.Address = &deployed
		r.annotate(func(e *TraceEntry) { e.Address = &deployed })
	}
	r.env.Outputs[s.Name] = out
	return nil
}

// submitWithRetry resends the same bytes after a timeout, checking first
// whether the earlier attempt made it in after all.
func (r *runner) submitWithRetry(ctx context.Context, raw []byte, hash common.Hash) (*ledger.Receipt, error) {
	var receipt *ledger.Receipt
	err := r.recovery.RetryWithRecovery(ctx, func(attempt int) error {
		if attempt > 0 {
			if rc, err := r.env.Ledger.Receipt(ctx, hash); err == nil {
				receipt = rc
				return nil
			}
			log.Warn("resubmitting identical bytes after timeout", "hash", hash, "attempt", attempt)
		}
		rc, err := r.env.Ledger.Submit(ctx, raw)
		if err != nil {
			return err
		}
		receipt = rc
		return nil
	})
	return receipt, err
}

func (r *runner) wait(ctx context.Context, s *WaitCondition) error {
	if err := r.m.Transition(StateVerifying); err != nil {
		return err
	}
	timeout, interval := s.Timeout, s.Interval
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, detail, err := s.Condition.Check(ctx, r.env)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			return errs.NewPostconditionFailed([]string{s.Condition.Name + ": " + detail}).
				AddContext("step", s.Name).
				AddContext("waited", timeout.String())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *runner) repeat(ctx context.Context, s *Repeat) error {
	for i := 0; i < s.Times; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		call := s.Call(i)
		if call == nil {
			return errs.NewError(errs.ErrorTypeValidation, "repeat produced no call").AddContext("iteration", i)
		}
		if call.Name == "" {
			call.Name = s.Name
		}
		r.iteration = i
		if err := r.submit(ctx, call); err != nil {
			var exErr *errs.ExploitError
			if errors.As(err, &exErr) {
				exErr.AddContext("iteration", i)
			}
			return err
		}
	}
	r.iteration = -1
	log.Info("repeat finished", "step", s.Name, "iterations", s.Times)
	return nil
}

func (r *runner) verifyPostconditions(ctx context.Context) error {
	if err := r.m.Transition(StateVerifying); err != nil {
		return err
	}
	var failed []string
	for _, pc := range r.cfg.Postconditions {
		ok, detail, err := pc.Check(ctx, r.env)
		if err != nil {
			return err
		}
		if !ok {
			failed = append(failed, pc.Name+": "+detail)
		}
	}
	if len(failed) > 0 {
		return errs.NewPostconditionFailed(failed)
	}
	r.m.PostconditionsHeld()
	return r.m.Transition(StateSuccess)
}

func (r *runner) finish(ctx context.Context, err error) *Result {
	if err != nil {
		r.m.Fail()
		r.annotate(func(e *TraceEntry) {
			e.Err = err.Error()
			e.ErrKind = string(errs.Kind(err))
		})
		log.Error("exploit failed", "name", r.cfg.Name, "run", r.runID, "state", r.m.State(), "kind", errs.Kind(err), "err", err)
	} else {
		log.Info("exploit succeeded", "name", r.cfg.Name, "run", r.runID, "entries", len(r.trace))
	}

	res := &Result{
		RunID:      r.runID,
		Success:    err == nil && r.m.State() == StateSuccess,
		FinalState: r.snapshot(ctx),
		Trace:      r.trace,
		Err:        err,
	}
	if r.cfg.Sink != nil {
		if serr := r.cfg.Sink.RecordTrace(ctx, r.runID, r.cfg.Name, r.trace); serr != nil {
			log.Warn("failed to persist exploit trace", "run", r.runID, "err", serr)
		}
	}
	return res
}

func (r *runner) snapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Addresses: make(map[string]common.Address, len(r.env.Addresses)),
		Accounts:  make(map[common.Address]AccountState),
	}
	if r.env.Ledger == nil {
		return snap
	}
	accounts := append([]common.Address(nil), r.cfg.Watch...)
	for name, addr := range r.env.Addresses {
		snap.Addresses[name] = addr
		accounts = append(accounts, addr)
	}
	if r.env.Signer != nil {
		accounts = append(accounts, r.env.Signer.From())
	}
	for _, addr := range accounts {
		if _, seen := snap.Accounts[addr]; seen {
			continue
		}
		var st AccountState
		var err error
		if st.Nonce, err = r.env.Ledger.GetAccountNonce(ctx, addr); err != nil {
			log.Warn("snapshot read failed", "account", addr, "err", err)
			continue
		}
		if st.Balance, err = r.env.Ledger.GetBalance(ctx, addr); err != nil {
			log.Warn("snapshot read failed", "account", addr, "err", err)
			continue
		}
		code, err := r.env.Ledger.GetCode(ctx, addr)
		if err != nil {
			log.Warn("snapshot read failed", "account", addr, "err", err)
			continue
		}
		st.CodeSize = len(code)
		snap.Accounts[addr] = st
	}
	return snap
}
