package models

import (
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// TargetID identifies one unit of collection, used to key watermarks and
// sink tables.
type TargetID string

// FunctionCall is one tracked contract function, validated and pre-packed at
// configuration load time so the engine never touches raw ABI.
type FunctionCall struct {
	Name string
	// Data is the packed calldata (selector + encoded args).
	Data []byte
	// Outputs decodes the eth_call return payload.
	Outputs abi.Arguments
	// Columns receives the decoded outputs, one per output value.
	Columns []string
}

// BalanceCall tracks an ERC20 balance: balanceOf(Holder) issued against Token.
type BalanceCall struct {
	Token  common.Address
	Holder common.Address
	Column string
}

// Target is a fully validated unit of collection. Immutable after
// configuration load.
type Target struct {
	ID      TargetID
	Name    string
	ChainID int64
	// Address of the contract tracked functions are called on.
	Address common.Address
	// StartBlock is the first block worth sampling (contract creation).
	StartBlock int64
	// SamplePeriod is the stride between sampled blocks within a range.
	SamplePeriod int64

	// Exactly one of Functions / Balance is set.
	Functions []FunctionCall
	Balance   *BalanceCall
}

// Columns returns the value column names, in row order, excluding the
// implicit block_number and timestamp columns.
func (t Target) Columns() []string {
	if t.Balance != nil {
		return []string{t.Balance.Column}
	}
	var cols []string
	for _, fn := range t.Functions {
		cols = append(cols, fn.Columns...)
	}
	return cols
}
