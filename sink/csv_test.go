package sink_test

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loopfi/loop-harvester/models"
	"github.com/loopfi/loop-harvester/sink"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTarget() models.Target {
	return models.Target{
		ID:   "lp_eth_pool",
		Name: "Loop ETH Lending Market",
		Functions: []models.FunctionCall{
			{Name: "spotPrice", Columns: []string{"spot_price"}},
		},
	}
}

func row(block int64, value string) models.Row {
	return models.Row{
		BlockNumber: block,
		Timestamp:   time.Unix(1700000000+block, 0).UTC(),
		Values:      []string{value},
	}
}

func TestCSVAppendAndScan(t *testing.T) {
	dir := t.TempDir()
	s, err := sink.NewCSV(testLogger(), dir, false)
	require.NoError(t, err)
	target := testTarget()

	_, found, err := s.MaxBlockNumber(context.Background(), target.ID)
	require.NoError(t, err)
	require.False(t, found)

	rows := []models.Row{row(1001, "42"), row(1101, "43")}
	require.NoError(t, s.Append(context.Background(), target, rows))

	max, found, err := s.MaxBlockNumber(context.Background(), target.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1101), max)

	f, err := os.Open(filepath.Join(dir, "lp_eth_pool.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"block_number", "timestamp", "spot_price"},
		{"1001", rows[0].Timestamp.Format("2006-01-02 15:04:05"), "42"},
		{"1101", rows[1].Timestamp.Format("2006-01-02 15:04:05"), "43"},
	}, records)
}

// re-appending an overlapping range must not duplicate blocks
func TestCSVDedupByBlockNumber(t *testing.T) {
	s, err := sink.NewCSV(testLogger(), t.TempDir(), false)
	require.NoError(t, err)
	target := testTarget()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, target, []models.Row{row(1001, "42"), row(1101, "43")}))
	// same range redelivered plus one new block
	require.NoError(t, s.Append(ctx, target, []models.Row{row(1001, "42"), row(1101, "43"), row(1201, "44")}))

	max, found, err := s.MaxBlockNumber(ctx, target.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1201), max)

	// fresh sink instance scans the file from scratch: still 3 data rows
	reopened, err := sink.NewCSV(testLogger(), s.Dir(), false)
	require.NoError(t, err)
	max, found, err = reopened.MaxBlockNumber(ctx, target.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1201), max)
}

func TestCSVCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := sink.NewCSV(testLogger(), dir, true)
	require.NoError(t, err)
	target := testTarget()
	ctx := context.Background()

	// two appends produce two concatenated zstd frames
	require.NoError(t, s.Append(ctx, target, []models.Row{row(1001, "42")}))
	require.NoError(t, s.Append(ctx, target, []models.Row{row(1101, "43")}))

	reopened, err := sink.NewCSV(testLogger(), dir, true)
	require.NoError(t, err)
	max, found, err := reopened.MaxBlockNumber(ctx, target.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(1101), max)
}
