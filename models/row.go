package models

import "time"

// Row is one output record for a sampled block: the block number, its
// timestamp, and one value per tracked column. Values are positional and
// follow the column order fixed by the target configuration.
type Row struct {
	BlockNumber int64
	Timestamp   time.Time
	Values      []string
}
