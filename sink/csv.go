package sink

import (
	"context"
	"encoding/csv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/go-errors/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/loopfi/loop-harvester/models"
)

// timestamps are written the way the collected CSVs have always carried them
const timeLayout = "2006-01-02 15:04:05"

// CSVSink appends one CSV file per target under a data directory. It is the
// durable source of truth for reconciliation: resuming scans the existing
// file for the maximum committed block, and Append drops any row at or below
// it (dedup by block number).
//
// With compression enabled files are written as concatenated zstd frames
// (one frame per append), which the decoder reads back as a single stream.
type CSVSink struct {
	log      *slog.Logger
	dir      string
	compress bool

	mutex    sync.Mutex
	maxBlock map[models.TargetID]int64 // populated lazily from disk
}

var _ Sink = &CSVSink{}

func NewCSV(log *slog.Logger, dir string, compress bool) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Errorf("failed to create data dir %s: %w", dir, err)
	}
	return &CSVSink{
		log:      log.With("module", "csv_sink"),
		dir:      dir,
		compress: compress,
		maxBlock: make(map[models.TargetID]int64),
	}, nil
}

// Dir is the data directory files are written under.
func (s *CSVSink) Dir() string {
	return s.dir
}

func (s *CSVSink) path(target models.TargetID) string {
	name := string(target) + ".csv"
	if s.compress {
		name += ".zst"
	}
	return filepath.Join(s.dir, name)
}

func (s *CSVSink) Append(_ context.Context, target models.Target, rows []models.Row) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	known, haveAny, err := s.maxBlockLocked(target.ID)
	if err != nil {
		return err
	}

	fresh := rows[:0:0]
	for _, row := range rows {
		if haveAny && row.BlockNumber <= known {
			continue
		}
		fresh = append(fresh, row)
	}
	if len(fresh) == 0 {
		return nil
	}

	path := s.path(target.ID)
	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var out io.Writer = f
	var enc *zstd.Encoder
	if s.compress {
		enc, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return err
		}
		out = enc
	}

	w := csv.NewWriter(out)
	if writeHeader {
		header := append([]string{"block_number", "timestamp"}, target.Columns()...)
		if err := w.Write(header); err != nil {
			return errors.Errorf("failed to write header for %s: %w", target.ID, err)
		}
	}
	for _, row := range fresh {
		record := make([]string, 0, 2+len(row.Values))
		record = append(record, strconv.FormatInt(row.BlockNumber, 10), row.Timestamp.UTC().Format(timeLayout))
		record = append(record, row.Values...)
		if err := w.Write(record); err != nil {
			return errors.Errorf("failed to write row for %s: %w", target.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Errorf("failed to flush rows for %s: %w", target.ID, err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return errors.Errorf("failed to close zstd frame for %s: %w", target.ID, err)
		}
	}
	if err := f.Sync(); err != nil {
		return errors.Errorf("failed to sync %s: %w", path, err)
	}

	s.maxBlock[target.ID] = fresh[len(fresh)-1].BlockNumber
	s.log.Debug("Appended rows", "target", target.ID, "rows", len(fresh), "deduped", len(rows)-len(fresh))
	return nil
}

func (s *CSVSink) MaxBlockNumber(_ context.Context, target models.TargetID) (int64, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.maxBlockLocked(target)
}

func (s *CSVSink) maxBlockLocked(target models.TargetID) (int64, bool, error) {
	if n, ok := s.maxBlock[target]; ok {
		return n, true, nil
	}
	n, found, err := s.scanMaxBlock(target)
	if err != nil {
		return 0, false, err
	}
	if found {
		s.maxBlock[target] = n
	}
	return n, found, nil
}

// scanMaxBlock reads the whole file back; rows always append in increasing
// block order but the scan tolerates any order.
func (s *CSVSink) scanMaxBlock(target models.TargetID) (int64, bool, error) {
	path := s.path(target)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var in io.Reader = f
	if s.compress {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return 0, false, err
		}
		defer dec.Close()
		in = dec
	}

	r := csv.NewReader(in)
	r.FieldsPerRecord = -1
	max := int64(0)
	found := false
	first := true
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, false, errors.Errorf("failed to scan %s: %w", path, err)
		}
		if first {
			first = false // header
			continue
		}
		if len(record) == 0 {
			continue
		}
		n, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			return 0, false, errors.Errorf("bad block number %q in %s: %w", record[0], path, err)
		}
		if n > max {
			max = n
		}
		found = true
	}
	return max, found, nil
}
