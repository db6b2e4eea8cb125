package collector

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-errors/errors"
	"github.com/stretchr/testify/require"

	"github.com/loopfi/loop-harvester/client/jsonrpc"
	"github.com/loopfi/loop-harvester/lib/backoff"
	"github.com/loopfi/loop-harvester/models"
	"github.com/loopfi/loop-harvester/sink"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type readerMock struct {
	LatestBlockNumberFunc func(ctx context.Context) (int64, error)
	BlockTimestampFunc    func(ctx context.Context, blockNumber int64) (time.Time, error)
	CallContractFunc      func(ctx context.Context, to common.Address, data []byte, atBlock int64) ([]byte, error)
}

func (m *readerMock) LatestBlockNumber(ctx context.Context) (int64, error) {
	return m.LatestBlockNumberFunc(ctx)
}

func (m *readerMock) BlockTimestamp(ctx context.Context, blockNumber int64) (time.Time, error) {
	return m.BlockTimestampFunc(ctx, blockNumber)
}

func (m *readerMock) CallContract(ctx context.Context, to common.Address, data []byte, atBlock int64) ([]byte, error) {
	return m.CallContractFunc(ctx, to, data, atBlock)
}

// staticReader serves a fixed chain height and deterministic timestamps.
func staticReader(latest int64, call func(ctx context.Context, to common.Address, data []byte, atBlock int64) ([]byte, error)) *readerMock {
	return &readerMock{
		LatestBlockNumberFunc: func(context.Context) (int64, error) {
			return latest, nil
		},
		BlockTimestampFunc: func(_ context.Context, blockNumber int64) (time.Time, error) {
			return time.Unix(1700000000+blockNumber*12, 0).UTC(), nil
		},
		CallContractFunc: call,
	}
}

type sinkMock struct {
	AppendFunc         func(ctx context.Context, target models.Target, rows []models.Row) error
	MaxBlockNumberFunc func(ctx context.Context, target models.TargetID) (int64, bool, error)
}

func (m *sinkMock) Append(ctx context.Context, target models.Target, rows []models.Row) error {
	return m.AppendFunc(ctx, target, rows)
}

func (m *sinkMock) MaxBlockNumber(ctx context.Context, target models.TargetID) (int64, bool, error) {
	return m.MaxBlockNumberFunc(ctx, target)
}

// recordingSink keeps rows in memory with block-number dedup, mirroring the
// contract real sinks honor.
type recordingSink struct {
	mutex   sync.Mutex
	rows    map[models.TargetID][]models.Row
	appends int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{rows: make(map[models.TargetID][]models.Row)}
}

func (s *recordingSink) Append(_ context.Context, target models.Target, rows []models.Row) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.appends++
	existing := s.rows[target.ID]
	highest := int64(-1)
	if len(existing) > 0 {
		highest = existing[len(existing)-1].BlockNumber
	}
	for _, row := range rows {
		if row.BlockNumber <= highest {
			continue
		}
		existing = append(existing, row)
	}
	s.rows[target.ID] = existing
	return nil
}

func (s *recordingSink) MaxBlockNumber(_ context.Context, target models.TargetID) (int64, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rows := s.rows[target]
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[len(rows)-1].BlockNumber, true, nil
}

func (s *recordingSink) blockNumbers(target models.TargetID) []int64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var blocks []int64
	for _, row := range s.rows[target] {
		blocks = append(blocks, row.BlockNumber)
	}
	return blocks
}

type memStore struct {
	mutex sync.Mutex
	marks map[models.TargetID]int64
}

func newMemStore() *memStore {
	return &memStore{marks: make(map[models.TargetID]int64)}
}

func (s *memStore) Get(target models.TargetID) (int64, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n, ok := s.marks[target]
	return n, ok, nil
}

func (s *memStore) Set(target models.TargetID, blockNumber int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.marks[target] = blockNumber
	return nil
}

func balanceTarget(id string, startBlock, samplePeriod int64) models.Target {
	return models.Target{
		ID:           models.TargetID(id),
		Name:         id,
		ChainID:      1,
		StartBlock:   startBlock,
		SamplePeriod: samplePeriod,
		Balance: &models.BalanceCall{
			Token:  common.HexToAddress("0x6b175474e89094c44da98b954eedeac495271d0f"),
			Holder: common.HexToAddress("0x0000000000000000000000000000000000000123"),
			Column: "balance",
		},
	}
}

func uint256Bytes(n int64) []byte {
	out := make([]byte, 32)
	big.NewInt(n).FillBytes(out)
	return out
}

func testConfig() Config {
	return Config{
		StepSize:               25,
		FanOut:                 2,
		MaxRangeAttempts:       2,
		RangeBackoff:           backoff.Constant(0),
		MaxConcurrentTargets:   2,
		ReportProgressInterval: time.Hour,
		PoolPause:              time.Millisecond,
	}
}

func TestRunCollectsFullRange(t *testing.T) {
	reader := staticReader(100, func(_ context.Context, _ common.Address, _ []byte, atBlock int64) ([]byte, error) {
		return uint256Bytes(atBlock * 2), nil
	})
	snk := newRecordingSink()
	store := newMemStore()
	target := balanceTarget("dai_reserve", 1, 10)

	eng := New(testLogger(), reader, snk, store, testConfig())
	require.NoError(t, eng.Run(context.Background(), []models.Target{target}))

	// anchored at block 1, stride 10, height 100
	var want []int64
	for b := int64(1); b <= 100; b += 10 {
		want = append(want, b)
	}
	require.Equal(t, want, snk.blockNumbers(target.ID))

	mark, ok, err := store.Get(target.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(100), mark)

	rows := snk.rows[target.ID]
	require.Equal(t, []string{"2"}, rows[0].Values)
	require.Equal(t, []string{"22"}, rows[1].Values)
	require.Equal(t, time.Unix(1700000012, 0).UTC(), rows[0].Timestamp)

	status := eng.Status()
	require.Len(t, status, 1)
	require.Equal(t, models.StateDone, status[0].State)
	require.Equal(t, int64(100), status[0].Watermark)
}

func TestFailedBlockHoldsWatermark(t *testing.T) {
	reader := staticReader(100, func(_ context.Context, _ common.Address, _ []byte, atBlock int64) ([]byte, error) {
		if atBlock == 60 {
			return nil, errors.New("boom")
		}
		return uint256Bytes(atBlock), nil
	})
	snk := newRecordingSink()
	store := newMemStore()
	target := balanceTarget("dai_reserve", 1, 1)

	eng := New(testLogger(), reader, snk, store, testConfig())
	err := eng.Run(context.Background(), []models.Target{target})
	require.Error(t, err)
	require.ErrorContains(t, err, "dai_reserve")

	// ranges [1,25] and [26,50] committed; [51,75] never advances past the
	// failing block, and nothing from it reaches the sink
	mark, ok, storeErr := store.Get(target.ID)
	require.NoError(t, storeErr)
	require.True(t, ok)
	require.Equal(t, int64(50), mark)

	blocks := snk.blockNumbers(target.ID)
	require.Equal(t, int64(50), blocks[len(blocks)-1])

	status := eng.Status()
	require.Equal(t, models.StateTerminal, status[0].State)
	require.NotEmpty(t, status[0].Errors)
	require.Equal(t, "rpc", status[0].Errors[0].Source)
}

func TestTargetFailureIsolated(t *testing.T) {
	reader := staticReader(100, func(_ context.Context, to common.Address, _ []byte, atBlock int64) ([]byte, error) {
		if to == common.HexToAddress("0xbad") {
			return nil, errors.New("boom")
		}
		return uint256Bytes(atBlock), nil
	})
	snk := newRecordingSink()
	store := newMemStore()

	broken := balanceTarget("broken", 1, 1)
	broken.Balance.Token = common.HexToAddress("0xbad")
	healthy := balanceTarget("healthy", 1, 1)

	eng := New(testLogger(), reader, snk, store, testConfig())
	err := eng.Run(context.Background(), []models.Target{broken, healthy})
	require.Error(t, err)
	require.ErrorContains(t, err, "broken")

	mark, ok, storeErr := store.Get(healthy.ID)
	require.NoError(t, storeErr)
	require.True(t, ok)
	require.Equal(t, int64(100), mark)
}

func TestWatermarkReconciledFromSink(t *testing.T) {
	reader := staticReader(40, func(_ context.Context, _ common.Address, _ []byte, atBlock int64) ([]byte, error) {
		return uint256Bytes(atBlock), nil
	})
	snk := newRecordingSink()
	store := newMemStore()
	target := balanceTarget("dai_reserve", 1, 1)

	// the sink only has rows up to 30, but a stale watermark claims 80
	for b := int64(1); b <= 30; b++ {
		snk.rows[target.ID] = append(snk.rows[target.ID], models.Row{BlockNumber: b})
	}
	require.NoError(t, store.Set(target.ID, 80))

	eng := New(testLogger(), reader, snk, store, testConfig())
	require.NoError(t, eng.Run(context.Background(), []models.Target{target}))

	blocks := snk.blockNumbers(target.ID)
	require.Len(t, blocks, 40)
	require.Equal(t, int64(31), blocks[30])

	mark, _, _ := store.Get(target.ID)
	require.Equal(t, int64(40), mark)
}

func TestUnsupportedSinkFallsBackToStoredWatermark(t *testing.T) {
	reader := staticReader(100, func(_ context.Context, _ common.Address, _ []byte, atBlock int64) ([]byte, error) {
		return uint256Bytes(atBlock), nil
	})
	var appended []int64
	var mutex sync.Mutex
	snk := &sinkMock{
		AppendFunc: func(_ context.Context, _ models.Target, rows []models.Row) error {
			mutex.Lock()
			defer mutex.Unlock()
			for _, row := range rows {
				appended = append(appended, row.BlockNumber)
			}
			return nil
		},
		MaxBlockNumberFunc: func(context.Context, models.TargetID) (int64, bool, error) {
			return 0, false, sink.ErrMaxBlockUnsupported
		},
	}
	store := newMemStore()
	target := balanceTarget("dai_reserve", 1, 1)
	require.NoError(t, store.Set(target.ID, 90))

	eng := New(testLogger(), reader, snk, store, testConfig())
	require.NoError(t, eng.Run(context.Background(), []models.Target{target}))

	require.Len(t, appended, 10)
	require.Equal(t, int64(91), appended[0])
	require.Equal(t, int64(100), appended[9])
}

func TestPoolOutageDoesNotConsumeAttempts(t *testing.T) {
	var calls atomic.Int64
	reader := staticReader(3, func(_ context.Context, _ common.Address, _ []byte, atBlock int64) ([]byte, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.Errorf("read: %w", jsonrpc.ErrNoEndpoints)
		}
		return uint256Bytes(atBlock), nil
	})
	snk := newRecordingSink()
	store := newMemStore()
	target := balanceTarget("dai_reserve", 1, 1)

	cfg := testConfig()
	cfg.MaxRangeAttempts = 1
	cfg.FanOut = 1

	eng := New(testLogger(), reader, snk, store, cfg)
	require.NoError(t, eng.Run(context.Background(), []models.Target{target}))

	mark, _, _ := store.Get(target.ID)
	require.Equal(t, int64(3), mark)
}

func TestRerunAddsNothing(t *testing.T) {
	reader := staticReader(0, func(_ context.Context, _ common.Address, _ []byte, atBlock int64) ([]byte, error) {
		return uint256Bytes(atBlock), nil
	})
	snk := newRecordingSink()
	store := newMemStore()
	target := balanceTarget("dai_reserve", 1, 1)

	cfg := testConfig()
	cfg.EndBlock = 50

	eng := New(testLogger(), reader, snk, store, cfg)
	require.NoError(t, eng.Run(context.Background(), []models.Target{target}))
	firstAppends := snk.appends
	require.Len(t, snk.blockNumbers(target.ID), 50)

	require.NoError(t, eng.Run(context.Background(), []models.Target{target}))
	require.Equal(t, firstAppends, snk.appends)
	require.Len(t, snk.blockNumbers(target.ID), 50)
}

func TestCancellationLeavesRangeUncommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	reader := staticReader(10, func(_ context.Context, _ common.Address, _ []byte, atBlock int64) ([]byte, error) {
		if atBlock == 5 {
			cancel()
			return nil, context.Canceled
		}
		return uint256Bytes(atBlock), nil
	})
	snk := newRecordingSink()
	store := newMemStore()
	target := balanceTarget("dai_reserve", 1, 1)

	cfg := testConfig()
	cfg.StepSize = 2
	cfg.FanOut = 1

	eng := New(testLogger(), reader, snk, store, cfg)
	err := eng.Run(ctx, []models.Target{target})
	require.ErrorIs(t, err, context.Canceled)

	// [1,2] and [3,4] committed; [5,6] was in flight and stays re-collectible
	mark, ok, storeErr := store.Get(target.ID)
	require.NoError(t, storeErr)
	require.True(t, ok)
	require.Equal(t, int64(4), mark)
}

func TestSinkErrorRetriedThenCommitted(t *testing.T) {
	reader := staticReader(0, func(_ context.Context, _ common.Address, _ []byte, atBlock int64) ([]byte, error) {
		return uint256Bytes(atBlock), nil
	})
	inner := newRecordingSink()
	var fails atomic.Int64
	snk := &sinkMock{
		AppendFunc: func(ctx context.Context, target models.Target, rows []models.Row) error {
			if fails.Add(1) == 1 {
				return errors.New("table busy")
			}
			return inner.Append(ctx, target, rows)
		},
		MaxBlockNumberFunc: inner.MaxBlockNumber,
	}
	store := newMemStore()
	target := balanceTarget("dai_reserve", 1, 1)

	cfg := testConfig()
	cfg.EndBlock = 10
	cfg.MaxRangeAttempts = 3

	eng := New(testLogger(), reader, snk, store, cfg)
	require.NoError(t, eng.Run(context.Background(), []models.Target{target}))

	require.Len(t, inner.blockNumbers(target.ID), 10)
	mark, _, _ := store.Get(target.ID)
	require.Equal(t, int64(10), mark)

	status := eng.Status()
	require.Equal(t, 1, status[0].SinkErrorCount)
}

func TestFunctionOutputsDecoded(t *testing.T) {
	uint256T, err := abi.NewType("uint256", "", nil)
	require.NoError(t, err)
	addressT, err := abi.NewType("address", "", nil)
	require.NoError(t, err)
	boolT, err := abi.NewType("bool", "", nil)
	require.NoError(t, err)

	pairOutputs := abi.Arguments{{Type: addressT}, {Type: boolT}}
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	pairReturn, err := pairOutputs.Pack(owner, true)
	require.NoError(t, err)

	target := models.Target{
		ID:           "vault_state",
		Name:         "vault_state",
		ChainID:      1,
		Address:      common.HexToAddress("0x1"),
		StartBlock:   1,
		SamplePeriod: 1,
		Functions: []models.FunctionCall{
			{
				Name:    "totalSupply",
				Data:    []byte{0x18, 0x16, 0x0d, 0xdd},
				Outputs: abi.Arguments{{Type: uint256T}},
				Columns: []string{"total_supply"},
			},
			{
				Name:    "ownerAndPaused",
				Data:    []byte{0x01, 0x02, 0x03, 0x04},
				Outputs: pairOutputs,
				Columns: []string{"owner", "paused"},
			},
		},
	}

	reader := staticReader(1, func(_ context.Context, _ common.Address, data []byte, _ int64) ([]byte, error) {
		if data[0] == 0x18 {
			return uint256Bytes(42), nil
		}
		return pairReturn, nil
	})
	snk := newRecordingSink()

	eng := New(testLogger(), reader, snk, newMemStore(), testConfig())
	require.NoError(t, eng.Run(context.Background(), []models.Target{target}))

	rows := snk.rows[target.ID]
	require.Len(t, rows, 1)
	require.Equal(t, []string{"42", owner.Hex(), "true"}, rows[0].Values)
}

func TestSampleBlocksAnchoredToStartBlock(t *testing.T) {
	target := balanceTarget("dai_reserve", 100, 25)

	blocks := sampleBlocks(target, models.BlockRange{Start: 101, End: 200})
	require.Equal(t, []int64{125, 150, 175, 200}, blocks)

	// a range before the anchor grid has nothing to sample
	blocks = sampleBlocks(target, models.BlockRange{Start: 201, End: 210})
	require.Empty(t, blocks)

	single := balanceTarget("dai_reserve", 1, 1)
	blocks = sampleBlocks(single, models.BlockRange{Start: 7, End: 7})
	require.Equal(t, []int64{7}, blocks)
}
