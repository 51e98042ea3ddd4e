package main

import (
	"bytes"
	"math/big"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjkid221/damn-vulnerable-defi/config"
	"github.com/mjkid221/damn-vulnerable-defi/txstore"
)

func TestScenarioParams(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signed, err := types.SignNewTx(key, types.HomesteadSigner{}, &types.LegacyTx{
		Nonce: 1, To: &common.Address{}, Gas: 21_000, GasPrice: big.NewInt(1),
	})
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "fixtures.json")
	require.NoError(t, txstore.WriteFixtures(path, map[string]string{
		"RANDOM_GNOSIS_DEPLOYER_TX": hexutil.Encode(raw),
		"wallet-deployer":           "0x000000000000000000000000000000000000c001",
		"token":                     "0x000000000000000000000000000000000000c004",
	}))

	sc := config.ScenarioConfig{
		Fixtures:  path,
		Addresses: map[string]string{"token": "0x5FbDB2315678afecb367f032d93F642f64180aa3"},
		Amounts:   map[string]string{"deposit-tokens": "20000000 ether"},
		Code:      map[string]string{"token-exploiter": "0x6000"},
		Secrets:   map[string]string{"leak": "00"},
	}
	store := txstore.New()
	p, err := scenarioParams(sc, store, "")
	require.NoError(t, err)

	// the scenario file wins over fixture addresses
	assert.Equal(t, common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"), p.Addresses["token"])
	assert.Equal(t, common.HexToAddress("0x000000000000000000000000000000000000c001"), p.Addresses["wallet-deployer"])
	assert.Equal(t, "20000000000000000000000000", p.Amounts["deposit-tokens"].String())
	assert.Equal(t, []byte{0x60, 0x00}, p.Code["token-exploiter"])
	assert.Equal(t, "00", p.Secrets["leak"])
	assert.Same(t, store, p.Store)

	filler, err := store.ByLabel("RANDOM_GNOSIS_DEPLOYER_TX")
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), filler.Sender)

	t.Run("bad amount", func(t *testing.T) {
		_, err := scenarioParams(config.ScenarioConfig{Amounts: map[string]string{"x": "lots"}}, txstore.New(), "")
		assert.Error(t, err)
	})
}

func TestListScenarios(t *testing.T) {
	app := NewCli("abc", "today")
	var out bytes.Buffer
	app.Writer = &out
	require.NoError(t, app.Run([]string{"exploit", "scenarios"}))
	assert.Equal(t, []string{
		"abi-smuggling", "backdoor", "climber", "compromised", "puppet",
		"puppet-v2", "truster", "unstoppable", "wallet-mining",
	}, strings.Fields(out.String()))
}

func TestPredictAddresses(t *testing.T) {
	deployer := "0x1aa7451DD11b8cb16AC089ED7fE05eFa00100A6A"
	app := NewCli("abc", "today")
	var out bytes.Buffer
	app.Writer = &out
	require.NoError(t, app.Run([]string{"exploit", "predict", "--deployer", deployer, "--start-nonce", "1", "--count", "3"}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	for i, line := range lines {
		nonce := uint64(i + 1)
		want := crypto.CreateAddress(common.HexToAddress(deployer), nonce)
		assert.Equal(t, []string{big.NewInt(int64(nonce)).String(), want.Hex()}, strings.Fields(line))
	}

	t.Run("bad deployer", func(t *testing.T) {
		app := NewCli("abc", "today")
		app.Writer = &bytes.Buffer{}
		assert.Error(t, app.Run([]string{"exploit", "predict", "--deployer", "0x1234"}))
	})
}
