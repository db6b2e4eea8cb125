// Package duneapi uploads committed rows to Dune's table API, one table per
// target. Tables are created lazily on first insert and duplicate creation is
// tolerated, so repeated runs need no setup step.
package duneapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/loopfi/loop-harvester/models"
	"github.com/loopfi/loop-harvester/sink"
)

const (
	DefaultURL = "https://api.dune.com/api/v1"

	MaxRetries = 10 // per request, on top of the engine's range retries

	timeLayout = "2006-01-02 15:04:05"
)

type client struct {
	log        *slog.Logger
	httpClient *retryablehttp.Client
	cfg        Config
	bufPool    *sync.Pool

	mutex    sync.Mutex
	created  map[models.TargetID]bool
	maxBlock map[models.TargetID]int64 // highest block the API accepted per target
}

var _ sink.Sink = &client{}

func New(log *slog.Logger, cfg Config) (*client, error) { // revive:disable-line:unexported-return
	if cfg.APIKey == "" {
		return nil, errors.Errorf("dune API key is required")
	}
	if cfg.Namespace == "" {
		return nil, errors.Errorf("dune namespace is required")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = MaxRetries
	httpClient.Logger = log
	httpClient.CheckRetry = retryablehttp.DefaultRetryPolicy
	httpClient.Backoff = retryablehttp.LinearJitterBackoff
	return &client{
		log:        log,
		httpClient: httpClient,
		cfg:        cfg,
		bufPool: &sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
		created:  make(map[models.TargetID]bool),
		maxBlock: make(map[models.TargetID]int64),
	}, nil
}

func (c *client) Append(ctx context.Context, target models.Target, rows []models.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := c.ensureTable(ctx, target); err != nil {
		return err
	}

	// the table API has no read path, so dedup on redelivery happens here:
	// rows the API already accepted in this process are dropped
	c.mutex.Lock()
	known, haveKnown := c.maxBlock[target.ID]
	c.mutex.Unlock()
	fresh := rows
	if haveKnown {
		fresh = rows[:0:0]
		for _, row := range rows {
			if row.BlockNumber <= known {
				continue
			}
			fresh = append(fresh, row)
		}
	}
	if len(fresh) == 0 {
		c.log.Debug("Rows already inserted", "table", tableName(target))
		return nil
	}

	start := time.Now()
	buffer := c.bufPool.Get().(*bytes.Buffer)
	defer c.bufPool.Put(buffer)
	buffer.Reset()

	if err := writeCSV(buffer, target, fresh); err != nil {
		return err
	}
	written, err := c.insert(ctx, target, buffer.Bytes())
	if err != nil {
		c.log.Error("INSERT FAILED",
			"table", tableName(target),
			"rows", len(fresh),
			"error", err,
			"duration", time.Since(start),
		)
		return err
	}
	c.mutex.Lock()
	c.maxBlock[target.ID] = fresh[len(fresh)-1].BlockNumber
	c.mutex.Unlock()
	c.log.Info("ROWS INSERTED",
		"table", tableName(target),
		"rowsWritten", written,
		"duration", time.Since(start),
	)
	return nil
}

// MaxBlockNumber is unsupported: the table API has no read endpoint, so
// callers resume from the stored watermark instead.
func (c *client) MaxBlockNumber(context.Context, models.TargetID) (int64, bool, error) {
	return 0, false, sink.ErrMaxBlockUnsupported
}

func (c *client) ensureTable(ctx context.Context, target models.Target) error {
	c.mutex.Lock()
	done := c.created[target.ID]
	c.mutex.Unlock()
	if done {
		return nil
	}

	schema := []tableColumn{
		{Name: "block_number", Type: "double", Nullable: true},
		{Name: "timestamp", Type: "timestamp", Nullable: true},
	}
	for _, col := range target.Columns() {
		schema = append(schema, tableColumn{Name: col, Type: "varchar", Nullable: true})
	}
	body, err := json.Marshal(createTableRequest{
		Namespace:   c.cfg.Namespace,
		TableName:   tableName(target),
		Schema:      schema,
		Description: fmt.Sprintf("Collected state for %s", target.Name),
		IsPrivate:   false,
	})
	if err != nil {
		return errors.Errorf("failed to encode create table request: %w", err)
	}

	url := fmt.Sprintf("%s/table/create", c.cfg.URL)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DUNE-API-KEY", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Errorf("create table: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := readError(resp.Body)
		// a table surviving from an earlier run is fine
		if !strings.Contains(apiErr, "already exist") {
			return errors.Errorf("create table %s: status %d: %s", tableName(target), resp.StatusCode, apiErr)
		}
	}

	c.log.Debug("Table ready", "table", tableName(target))
	c.mutex.Lock()
	c.created[target.ID] = true
	c.mutex.Unlock()
	return nil
}

func (c *client) insert(ctx context.Context, target models.Target, payload []byte) (int, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/table/%s/%s/insert", c.cfg.URL, c.cfg.Namespace, tableName(target))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "text/csv")
	req.Header.Set("X-DUNE-API-KEY", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observeInsertErr(err, start)
		return 0, errors.Errorf("insert: %w", err)
	}
	defer resp.Body.Close()
	observeInsertCode(resp.StatusCode, start)

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("insert into %s: status %d: %s",
			tableName(target), resp.StatusCode, readError(resp.Body))
	}
	var response insertResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, errors.Errorf("failed to decode insert response: %w", err)
	}
	return response.RowsWritten, nil
}

func writeCSV(buffer *bytes.Buffer, target models.Target, rows []models.Row) error {
	w := csv.NewWriter(buffer)
	header := append([]string{"block_number", "timestamp"}, target.Columns()...)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, 0, len(row.Values)+2)
		record = append(record,
			strconv.FormatInt(row.BlockNumber, 10),
			row.Timestamp.UTC().Format(timeLayout),
		)
		record = append(record, row.Values...)
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func tableName(target models.Target) string {
	name := strings.ToLower(target.Name)
	return strings.ReplaceAll(name, " ", "_")
}

func readError(body io.Reader) string {
	var response errorResponse
	if err := json.NewDecoder(body).Decode(&response); err != nil {
		return "unreadable error body"
	}
	return response.Error
}
