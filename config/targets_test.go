package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/loopfi/loop-harvester/models"
)

const vaultABI = `[{"name":"spotPrice","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`

func writeTargets(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadTargets(t *testing.T) {
	path := writeTargets(t, `
targets:
  - id: yneth_cdp_vault
    name: yneth_cdp_vault
    chain_id: 1
    address: "0x9BfCD3788f923186705259ae70A1192F601BeB47"
    start_block: 19000000
    sample_period: 100
    abi: '`+vaultABI+`'
    functions:
      - name: spotPrice
        columns: [spot_price]
      - name: balanceOf
        args: ["0x2408569177553A427dd6956E1717f2fBE1a96F1D"]
        columns: [holder_balance]
balances:
  - id: yneth_cdp_balance
    chain_id: 1
    token: "0x2408569177553A427dd6956E1717f2fBE1a96F1D"
    holder: "0x9BfCD3788f923186705259ae70A1192F601BeB47"
    start_block: 19000000
    sample_period: 100
`)

	targets, err := LoadTargets(path)
	require.NoError(t, err)
	require.Len(t, targets, 2)

	vault := targets[0]
	require.Equal(t, models.TargetID("yneth_cdp_vault"), vault.ID)
	require.Equal(t, common.HexToAddress("0x9BfCD3788f923186705259ae70A1192F601BeB47"), vault.Address)
	require.Equal(t, int64(19000000), vault.StartBlock)
	require.Len(t, vault.Functions, 2)

	spotPrice := vault.Functions[0]
	require.Len(t, spotPrice.Data, 4) // selector only, no arguments
	require.Equal(t, []string{"spot_price"}, spotPrice.Columns)
	require.Len(t, spotPrice.Outputs, 1)

	balanceOf := vault.Functions[1]
	require.Len(t, balanceOf.Data, 36) // selector + padded address
	owner := common.HexToAddress("0x2408569177553A427dd6956E1717f2fBE1a96F1D")
	require.Equal(t, owner.Bytes(), balanceOf.Data[16:36])

	require.Equal(t, []string{"spot_price", "holder_balance"}, vault.Columns())

	balance := targets[1]
	require.Equal(t, models.TargetID("yneth_cdp_balance"), balance.ID)
	require.Equal(t, "yneth_cdp_balance", balance.Name)
	require.NotNil(t, balance.Balance)
	require.Equal(t, "balance", balance.Balance.Column)
	require.Equal(t, []string{"balance"}, balance.Columns())
}

func TestLoadTargetsUnknownFunction(t *testing.T) {
	path := writeTargets(t, `
targets:
  - id: vault
    chain_id: 1
    address: "0x9BfCD3788f923186705259ae70A1192F601BeB47"
    abi: '`+vaultABI+`'
    functions:
      - name: totalAssets
        columns: [total_assets]
`)

	_, err := LoadTargets(path)
	require.Error(t, err)
	var confErr ConfigurationError
	require.ErrorAs(t, err, &confErr)
	require.Equal(t, "vault", confErr.Target)
	require.Contains(t, confErr.Reason, "totalAssets")
}

func TestLoadTargetsColumnArityMismatch(t *testing.T) {
	path := writeTargets(t, `
targets:
  - id: vault
    chain_id: 1
    address: "0x9BfCD3788f923186705259ae70A1192F601BeB47"
    abi: '`+vaultABI+`'
    functions:
      - name: spotPrice
        columns: [numerator, denominator]
`)

	_, err := LoadTargets(path)
	var confErr ConfigurationError
	require.ErrorAs(t, err, &confErr)
	require.Contains(t, confErr.Reason, "returns 1 values, got 2 column names")
}

func TestLoadTargetsArgumentArityMismatch(t *testing.T) {
	path := writeTargets(t, `
targets:
  - id: vault
    chain_id: 1
    address: "0x9BfCD3788f923186705259ae70A1192F601BeB47"
    abi: '`+vaultABI+`'
    functions:
      - name: balanceOf
        columns: [holder_balance]
`)

	_, err := LoadTargets(path)
	var confErr ConfigurationError
	require.ErrorAs(t, err, &confErr)
	require.Contains(t, confErr.Reason, "takes 1 arguments, got 0")
}

func TestLoadTargetsBadArgument(t *testing.T) {
	path := writeTargets(t, `
targets:
  - id: vault
    chain_id: 1
    address: "0x9BfCD3788f923186705259ae70A1192F601BeB47"
    abi: '`+vaultABI+`'
    functions:
      - name: balanceOf
        args: ["not-an-address"]
        columns: [holder_balance]
`)

	_, err := LoadTargets(path)
	var confErr ConfigurationError
	require.ErrorAs(t, err, &confErr)
	require.Contains(t, confErr.Reason, "not-an-address")
}

func TestLoadTargetsBadAddress(t *testing.T) {
	path := writeTargets(t, `
targets:
  - id: vault
    chain_id: 1
    address: "0x123"
    abi: '`+vaultABI+`'
    functions:
      - name: spotPrice
        columns: [spot_price]
`)

	_, err := LoadTargets(path)
	var confErr ConfigurationError
	require.ErrorAs(t, err, &confErr)
	require.Contains(t, confErr.Reason, "not an address")
}

func TestLoadTargetsDuplicateID(t *testing.T) {
	path := writeTargets(t, `
balances:
  - id: dup
    chain_id: 1
    token: "0x2408569177553A427dd6956E1717f2fBE1a96F1D"
    holder: "0x9BfCD3788f923186705259ae70A1192F601BeB47"
  - id: dup
    chain_id: 1
    token: "0x2408569177553A427dd6956E1717f2fBE1a96F1D"
    holder: "0x9BfCD3788f923186705259ae70A1192F601BeB47"
`)

	_, err := LoadTargets(path)
	var confErr ConfigurationError
	require.ErrorAs(t, err, &confErr)
	require.Contains(t, confErr.Reason, "duplicate")
}

func TestLoadTargetsEmptyFile(t *testing.T) {
	path := writeTargets(t, "")
	_, err := LoadTargets(path)
	require.Error(t, err)
}

func TestConfigHasError(t *testing.T) {
	cfg := Config{
		Sinks:        []string{"csv"},
		StepSize:     1000,
		SamplePeriod: 100,
		RPC:          RPCClient{URLs: []string{"http://localhost:8545"}},
	}
	require.NoError(t, cfg.HasError())

	noRPC := cfg
	noRPC.RPC.URLs = nil
	require.Error(t, noRPC.HasError())

	duneNoKey := cfg
	duneNoKey.Sinks = []string{"csv", "dune"}
	require.Error(t, duneNoKey.HasError())

	duneOK := duneNoKey
	duneOK.Dune = DuneClient{APIKey: "k", Namespace: "loopfi"}
	require.NoError(t, duneOK.HasError())
}
