package hexutils

import (
	"strconv"

	"github.com/go-errors/errors"
)

// IntFromHex parses a 0x-prefixed JSON-RPC quantity into an int64.
func IntFromHex(hexNumber string) (int64, error) {
	// Empty string is OK
	if len(hexNumber) == 0 {
		return 0, nil
	}
	if len(hexNumber) < 2 || hexNumber[:2] != "0x" {
		return 0, errors.Errorf("couldn't parse '%s' as number, must start with '0x'", hexNumber)
	}
	n, err := strconv.ParseInt(hexNumber[2:], 16, 64)
	if err != nil {
		return 0, errors.Errorf("failed to parse '%s' as int: %w", hexNumber, err)
	}
	return n, nil
}

// HexFromInt encodes a block number as a 0x-prefixed quantity for JSON-RPC
// params, without leading zeros.
func HexFromInt(n int64) string {
	return "0x" + strconv.FormatInt(n, 16)
}
