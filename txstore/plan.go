package txstore

import (
	"context"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/ledger"
)

// ReplayPlan is an explicit ordered list: fillers first, target last.
type ReplayPlan struct {
	Target  TransactionID
	Fillers []TransactionID
}

// Order returns every transaction of the plan in replay order.
func (p *ReplayPlan) Order() []TransactionID {
	out := make([]TransactionID, 0, len(p.Fillers)+1)
	out = append(out, p.Fillers...)
	return append(out, p.Target)
}

// Plan works out which captures must be replayed so the sender's nonce reaches
// the target's. Fillers declared with Require win; otherwise any capture from
// the same sender at the needed nonce is used.
func (s *Store) Plan(ctx context.Context, l ledger.Ledger, target TransactionID) (*ReplayPlan, error) {
	tx, err := s.Get(target)
	if err != nil {
		return nil, err
	}
	current, err := l.GetAccountNonce(ctx, tx.Sender)
	if err != nil {
		return nil, err
	}
	if current > tx.Nonce() {
		return nil, errs.NewReplayRejected(errs.ReasonNonceMismatch, nil).
			AddContext("id", string(target)).
			AddContext("have", current).
			AddContext("want", tx.Nonce())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byNonce := make(map[uint64]TransactionID)
	for _, id := range s.order {
		c := s.txs[id]
		if c.Sender != tx.Sender || s.state[id] == replayed {
			continue
		}
		if _, taken := byNonce[c.Nonce()]; !taken {
			byNonce[c.Nonce()] = id
		}
	}
	for _, id := range s.requires[target] {
		if s.state[id] != replayed {
			byNonce[s.txs[id].Nonce()] = id
		}
	}

	plan := &ReplayPlan{Target: target}
	for n := current; n < tx.Nonce(); n++ {
		id, ok := byNonce[n]
		if !ok {
			return nil, errs.NewReplayRejected(errs.ReasonMissingFiller, nil).
				AddContext("id", string(target)).
				AddContext("sender", tx.Sender.Hex()).
				AddContext("nonce", n)
		}
		plan.Fillers = append(plan.Fillers, id)
	}
	log.Debug("replay plan ready", "target", target, "fillers", len(plan.Fillers), "from", current, "to", tx.Nonce())
	return plan, nil
}

// Execute replays the plan in order and stops at the first failure. Receipts
// of the transactions that did go through are returned either way.
func (p *ReplayPlan) Execute(ctx context.Context, s *Store, l ledger.Ledger) ([]*ledger.Receipt, error) {
	receipts := make([]*ledger.Receipt, 0, len(p.Fillers)+1)
	for _, id := range p.Order() {
		receipt, err := s.Replay(ctx, id, l)
		if err != nil {
			return receipts, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, nil
}
