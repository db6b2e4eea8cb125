package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	yaml "gopkg.in/yaml.v2"

	"github.com/loopfi/loop-harvester/models"
)

type targetsFile struct {
	Targets  []contractEntry `yaml:"targets"`
	Balances []balanceEntry  `yaml:"balances"`
}

type contractEntry struct {
	ID           string          `yaml:"id"`
	Name         string          `yaml:"name"`
	ChainID      int64           `yaml:"chain_id"`
	Address      string          `yaml:"address"`
	StartBlock   int64           `yaml:"start_block"`
	SamplePeriod int64           `yaml:"sample_period"`
	ABI          string          `yaml:"abi"`
	Functions    []functionEntry `yaml:"functions"`
}

type functionEntry struct {
	Name    string   `yaml:"name"`
	Args    []string `yaml:"args"`
	Columns []string `yaml:"columns"`
}

type balanceEntry struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	ChainID      int64  `yaml:"chain_id"`
	Token        string `yaml:"token"`
	Holder       string `yaml:"holder"`
	Column       string `yaml:"column"`
	StartBlock   int64  `yaml:"start_block"`
	SamplePeriod int64  `yaml:"sample_period"`
}

// LoadTargets reads and fully validates the targets file. All ABI work
// happens here, before any network call: the collector only ever sees
// pre-packed calldata.
func LoadTargets(path string) ([]models.Target, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ConfigurationError{Reason: fmt.Sprintf("cannot read targets file: %s", err)}
	}
	var file targetsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, ConfigurationError{Reason: fmt.Sprintf("cannot parse targets file: %s", err)}
	}

	var targets []models.Target
	seen := make(map[models.TargetID]bool)
	for _, entry := range file.Targets {
		target, err := buildFunctionTarget(entry)
		if err != nil {
			return nil, err
		}
		if seen[target.ID] {
			return nil, ConfigurationError{Target: string(target.ID), Reason: "duplicate target id"}
		}
		seen[target.ID] = true
		targets = append(targets, target)
	}
	for _, entry := range file.Balances {
		target, err := buildBalanceTarget(entry)
		if err != nil {
			return nil, err
		}
		if seen[target.ID] {
			return nil, ConfigurationError{Target: string(target.ID), Reason: "duplicate target id"}
		}
		seen[target.ID] = true
		targets = append(targets, target)
	}
	if len(targets) == 0 {
		return nil, ConfigurationError{Reason: "targets file declares no targets"}
	}
	return targets, nil
}

func buildFunctionTarget(entry contractEntry) (models.Target, error) {
	if entry.ID == "" {
		return models.Target{}, ConfigurationError{Reason: "target without an id"}
	}
	if !common.IsHexAddress(entry.Address) {
		return models.Target{}, ConfigurationError{Target: entry.ID, Reason: fmt.Sprintf("%q is not an address", entry.Address)}
	}
	if len(entry.Functions) == 0 {
		return models.Target{}, ConfigurationError{Target: entry.ID, Reason: "no functions to track"}
	}
	contractABI, err := abi.JSON(strings.NewReader(entry.ABI))
	if err != nil {
		return models.Target{}, ConfigurationError{Target: entry.ID, Reason: fmt.Sprintf("invalid ABI: %s", err)}
	}

	var functions []models.FunctionCall
	for _, fn := range entry.Functions {
		call, err := buildFunctionCall(entry.ID, contractABI, fn)
		if err != nil {
			return models.Target{}, err
		}
		functions = append(functions, call)
	}
	return models.Target{
		ID:           models.TargetID(entry.ID),
		Name:         nameOrID(entry.Name, entry.ID),
		ChainID:      entry.ChainID,
		Address:      common.HexToAddress(entry.Address),
		StartBlock:   entry.StartBlock,
		SamplePeriod: entry.SamplePeriod,
		Functions:    functions,
	}, nil
}

func buildFunctionCall(targetID string, contractABI abi.ABI, entry functionEntry) (models.FunctionCall, error) {
	method, ok := contractABI.Methods[entry.Name]
	if !ok {
		return models.FunctionCall{}, ConfigurationError{
			Target: targetID,
			Reason: fmt.Sprintf("function %s not found in ABI", entry.Name),
		}
	}
	if len(entry.Args) != len(method.Inputs) {
		return models.FunctionCall{}, ConfigurationError{
			Target: targetID,
			Reason: fmt.Sprintf("function %s takes %d arguments, got %d", entry.Name, len(method.Inputs), len(entry.Args)),
		}
	}
	if len(entry.Columns) != len(method.Outputs) {
		return models.FunctionCall{}, ConfigurationError{
			Target: targetID,
			Reason: fmt.Sprintf("function %s returns %d values, got %d column names", entry.Name, len(method.Outputs), len(entry.Columns)),
		}
	}

	args := make([]interface{}, len(entry.Args))
	for i, raw := range entry.Args {
		value, err := convertArg(method.Inputs[i].Type, raw)
		if err != nil {
			return models.FunctionCall{}, ConfigurationError{
				Target: targetID,
				Reason: fmt.Sprintf("function %s argument %d: %s", entry.Name, i, err),
			}
		}
		args[i] = value
	}
	data, err := contractABI.Pack(entry.Name, args...)
	if err != nil {
		return models.FunctionCall{}, ConfigurationError{
			Target: targetID,
			Reason: fmt.Sprintf("function %s: cannot pack calldata: %s", entry.Name, err),
		}
	}
	return models.FunctionCall{
		Name:    entry.Name,
		Data:    data,
		Outputs: method.Outputs,
		Columns: entry.Columns,
	}, nil
}

func buildBalanceTarget(entry balanceEntry) (models.Target, error) {
	if entry.ID == "" {
		return models.Target{}, ConfigurationError{Reason: "balance target without an id"}
	}
	if !common.IsHexAddress(entry.Token) {
		return models.Target{}, ConfigurationError{Target: entry.ID, Reason: fmt.Sprintf("token %q is not an address", entry.Token)}
	}
	if !common.IsHexAddress(entry.Holder) {
		return models.Target{}, ConfigurationError{Target: entry.ID, Reason: fmt.Sprintf("holder %q is not an address", entry.Holder)}
	}
	column := entry.Column
	if column == "" {
		column = "balance"
	}
	return models.Target{
		ID:           models.TargetID(entry.ID),
		Name:         nameOrID(entry.Name, entry.ID),
		ChainID:      entry.ChainID,
		StartBlock:   entry.StartBlock,
		SamplePeriod: entry.SamplePeriod,
		Balance: &models.BalanceCall{
			Token:  common.HexToAddress(entry.Token),
			Holder: common.HexToAddress(entry.Holder),
			Column: column,
		},
	}, nil
}

// convertArg turns a YAML string into the Go value go-ethereum's packer
// expects for the ABI type.
func convertArg(t abi.Type, raw string) (interface{}, error) {
	switch t.T {
	case abi.AddressTy:
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("%q is not an address", raw)
		}
		return common.HexToAddress(raw), nil
	case abi.UintTy:
		n, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("%q is not a decimal integer", raw)
		}
		switch t.Size {
		case 8:
			return uint8(n.Uint64()), nil
		case 16:
			return uint16(n.Uint64()), nil
		case 32:
			return uint32(n.Uint64()), nil
		case 64:
			return n.Uint64(), nil
		default:
			return n, nil
		}
	case abi.IntTy:
		n, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("%q is not a decimal integer", raw)
		}
		switch t.Size {
		case 8:
			return int8(n.Int64()), nil
		case 16:
			return int16(n.Int64()), nil
		case 32:
			return int32(n.Int64()), nil
		case 64:
			return n.Int64(), nil
		default:
			return n, nil
		}
	case abi.BoolTy:
		return strconv.ParseBool(raw)
	case abi.StringTy:
		return raw, nil
	case abi.BytesTy:
		return hexutil.Decode(raw)
	default:
		return nil, fmt.Errorf("unsupported argument type %s", t.String())
	}
}

func nameOrID(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
