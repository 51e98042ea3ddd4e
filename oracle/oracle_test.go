package oracle

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

var (
	gnosisDeployer  = common.HexToAddress("0x1aa7451DD11b8cb16AC089ED7fE05eFa00100A6A")
	gnosisSingleton = common.HexToAddress("0x34CfAC646f301356fAa8B21e94227e3583Fe3F5F")
	gnosisFactory   = common.HexToAddress("0x76E2cFc1F5Fa8F6a5b3fC4c8F4788F0116861F9B")
	depositAddress  = common.HexToAddress("0x9b6fb606a9f5789444c17768c6dfcf2f83563801")
)

func TestPredictKnownDeployments(t *testing.T) {
	tests := []struct {
		name     string
		deployer common.Address
		nonce    int64
		want     common.Address
	}{
		{"classic nonce 0", common.HexToAddress("0x6ac7ea33f8831ea9dcc53393aaa88b25a785dbf0"), 0, common.HexToAddress("0xcd234a471b72ba2f1ccf0a70fcaba648a5eecd8d")},
		{"classic nonce 1", common.HexToAddress("0x6ac7ea33f8831ea9dcc53393aaa88b25a785dbf0"), 1, common.HexToAddress("0x343c43a37d37dff08ae8c4a11544c718abb4fcf8")},
		{"safe singleton", gnosisDeployer, 0, gnosisSingleton},
		{"safe proxy factory", gnosisDeployer, 2, gnosisFactory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Predict(tt.deployer, big.NewInt(tt.nonce))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPredictMatchesNativeWidth(t *testing.T) {
	deployer := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	for _, n := range []uint64{0, 1, 0x7f, 0x80, 0xff, 0x100, 1 << 32, ^uint64(0)} {
		got, err := Predict(deployer, new(big.Int).SetUint64(n))
		require.NoError(t, err)
		assert.Equal(t, crypto.CreateAddress(deployer, n), got, "nonce %d", n)
		assert.Equal(t, got, PredictUint64(deployer, n))
	}
}

func TestPredictDeterministicAndUnbounded(t *testing.T) {
	deployer := common.HexToAddress("0x1234567890123456789012345678901234567890")
	huge := new(big.Int).Lsh(big.NewInt(1), 64)

	a, err := Predict(deployer, huge)
	require.NoError(t, err)
	b, err := Predict(deployer, new(big.Int).Set(huge))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	zero, err := Predict(deployer, big.NewInt(0))
	require.NoError(t, err)
	assert.NotEqual(t, zero, a, "2^64 must not wrap to 0")

	_, err = Predict(deployer, big.NewInt(-1))
	assert.True(t, errs.IsKind(err, errs.ErrorTypeValidation))
}

func TestPredictCreate2(t *testing.T) {
	// EIP-1014 example 0.
	got := PredictCreate2(common.Address{}, [32]byte{}, []byte{0x00})
	assert.Equal(t, common.HexToAddress("0x4D1A2e2bB4F88F0250f26Ffff098B0b30B26BF38"), got)
}

func TestFindNonceForAddress(t *testing.T) {
	deployer := common.HexToAddress("0xc0ffee0000000000000000000000000000000001")
	target, err := Predict(deployer, big.NewInt(7))
	require.NoError(t, err)

	t.Run("smallest match at or above start", func(t *testing.T) {
		o := New(0)
		nonce, err := o.FindNonceForAddress(context.Background(), deployer, target, big.NewInt(3))
		require.NoError(t, err)
		assert.Equal(t, int64(7), nonce.Int64())

		for n := int64(3); n < 7; n++ {
			addr, _ := Predict(deployer, big.NewInt(n))
			assert.NotEqual(t, target, addr)
		}
	})

	t.Run("start equals match", func(t *testing.T) {
		nonce, err := New(1).FindNonceForAddress(context.Background(), deployer, target, big.NewInt(7))
		require.NoError(t, err)
		assert.Equal(t, int64(7), nonce.Int64())
	})

	t.Run("ceiling reached", func(t *testing.T) {
		_, err := New(5).FindNonceForAddress(context.Background(), deployer, target, big.NewInt(0))
		require.Error(t, err)
		assert.True(t, errs.IsKind(err, errs.ErrorTypeAddressPredictionExhausted))

		var exErr *errs.ExploitError
		require.ErrorAs(t, err, &exErr)
		assert.Equal(t, "4", exErr.Context["last_tried"])
		assert.Equal(t, uint64(5), exErr.Context["ceiling"])
	})

	t.Run("start beyond match", func(t *testing.T) {
		_, err := New(100).FindNonceForAddress(context.Background(), deployer, target, big.NewInt(8))
		assert.True(t, errs.IsKind(err, errs.ErrorTypeAddressPredictionExhausted))
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := New(0).FindNonceForAddress(ctx, deployer, target, big.NewInt(0))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestFindNonceForDepositAddress(t *testing.T) {
	// Contract accounts start at nonce 1 (EIP-161).
	nonce, err := New(0).FindNonceForAddress(context.Background(), gnosisFactory, depositAddress, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, int64(43), nonce.Int64())
}

func TestFindSaltForAddress(t *testing.T) {
	factory := common.HexToAddress("0xfac7000000000000000000000000000000000000")
	initCode := []byte{0x60, 0x00, 0x60, 0x00, 0xf3}
	want := common.BigToHash(big.NewInt(12))
	target := PredictCreate2(factory, want, initCode)

	salt, err := New(0).FindSaltForAddress(context.Background(), factory, target, initCode, big.NewInt(0))
	require.NoError(t, err)
	assert.Equal(t, want, salt)

	_, err = New(3).FindSaltForAddress(context.Background(), factory, target, initCode, big.NewInt(0))
	assert.True(t, errs.IsKind(err, errs.ErrorTypeAddressPredictionExhausted))
}

func TestPredictRange(t *testing.T) {
	addrs, err := PredictRange(gnosisDeployer, big.NewInt(0), 3)
	require.NoError(t, err)
	require.Len(t, addrs, 3)
	assert.Equal(t, gnosisSingleton, addrs[0])
	assert.Equal(t, gnosisFactory, addrs[2])
}

func TestSameAddress(t *testing.T) {
	assert.True(t, SameAddress("0x9b6fb606a9f5789444c17768c6dfcf2f83563801", "0x9B6FB606A9F5789444C17768C6DFCF2F83563801"))
	assert.True(t, SameAddress(gnosisFactory.Hex(), "0x76e2cfc1f5fa8f6a5b3fc4c8f4788f0116861f9b"))
	assert.False(t, SameAddress(gnosisFactory.Hex(), gnosisSingleton.Hex()))
}
