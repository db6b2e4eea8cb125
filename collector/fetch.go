package collector

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-errors/errors"
	"golang.org/x/sync/errgroup"

	"github.com/loopfi/loop-harvester/models"
)

// sampleBlocks lists the blocks to read in r at the target's sample period,
// anchored to the target's start block so successive ranges continue the
// same grid regardless of how the planner cut them.
func sampleBlocks(target models.Target, r models.BlockRange) []int64 {
	stride := target.SamplePeriod
	if stride < 1 {
		stride = 1
	}
	first := r.Start
	if rem := (first - target.StartBlock) % stride; rem != 0 {
		first += stride - rem
	}
	var blocks []int64
	for b := first; b <= r.End; b += stride {
		blocks = append(blocks, b)
	}
	return blocks
}

// fetchRange reads every sampled block in r. It returns rows for the whole
// range or an error; callers never see partial results.
func (e *engine) fetchRange(
	ctx context.Context, target models.Target, r models.BlockRange,
) ([]models.Row, error) {
	blocks := sampleBlocks(target, r)
	if len(blocks) == 0 {
		return nil, nil
	}

	rows := make([]models.Row, len(blocks))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.cfg.FanOut)

dispatch:
	for i, blockNumber := range blocks {
		if i > 0 && e.cfg.Pacing > 0 {
			select {
			case <-gctx.Done():
				break dispatch
			case <-time.After(e.cfg.Pacing):
			}
		}
		i, blockNumber := i, blockNumber
		group.Go(func() error {
			row, err := e.fetchBlock(gctx, target, blockNumber)
			if err != nil {
				return errors.Errorf("block %d: %w", blockNumber, err)
			}
			rows[i] = row
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

// fetchBlock reads the block timestamp and every configured call at one
// block, producing a row with values in the target's column order.
func (e *engine) fetchBlock(
	ctx context.Context, target models.Target, blockNumber int64,
) (models.Row, error) {
	timestamp, err := e.reader.BlockTimestamp(ctx, blockNumber)
	if err != nil {
		return models.Row{}, err
	}

	var values []string
	if target.Balance != nil {
		output, err := e.reader.CallContract(
			ctx, target.Balance.Token, erc20BalanceData(target.Balance.Holder), blockNumber)
		if err != nil {
			return models.Row{}, err
		}
		balance, err := decodeUint256(output)
		if err != nil {
			return models.Row{}, err
		}
		values = []string{balance}
	} else {
		for _, fn := range target.Functions {
			output, err := e.reader.CallContract(ctx, target.Address, fn.Data, blockNumber)
			if err != nil {
				return models.Row{}, errors.Errorf("%s: %w", fn.Name, err)
			}
			decoded, err := decodeOutputs(fn, output)
			if err != nil {
				return models.Row{}, errors.Errorf("%s: %w", fn.Name, err)
			}
			values = append(values, decoded...)
		}
	}
	return models.Row{BlockNumber: blockNumber, Timestamp: timestamp, Values: values}, nil
}

func decodeOutputs(fn models.FunctionCall, data []byte) ([]string, error) {
	vals, err := fn.Outputs.UnpackValues(data)
	if err != nil {
		return nil, errors.Errorf("failed to decode return data: %w", err)
	}
	if len(vals) != len(fn.Columns) {
		return nil, errors.Errorf("returned %d values, want %d", len(vals), len(fn.Columns))
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = formatValue(v)
	}
	return out, nil
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case *big.Int:
		return x.String()
	case common.Address:
		return x.Hex()
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	case []byte:
		return hexutil.Encode(x)
	case [32]byte:
		return hexutil.Encode(x[:])
	default:
		return fmt.Sprintf("%v", x)
	}
}

var balanceOfSelector = [4]byte{0x70, 0xa0, 0x82, 0x31}

// erc20BalanceData builds calldata for balanceOf(address).
func erc20BalanceData(holder common.Address) []byte {
	data := make([]byte, 4+32)
	copy(data[:4], balanceOfSelector[:])
	copy(data[4+12:], holder.Bytes())
	return data
}

func decodeUint256(data []byte) (string, error) {
	if len(data) < 32 {
		return "", errors.Errorf("short return data: %d bytes", len(data))
	}
	return new(big.Int).SetBytes(data[:32]).String(), nil
}
