// Package etherscan looks up contract creation blocks, used at startup for
// targets that don't pin a start block in configuration.
package etherscan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-errors/errors"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultURL = "https://api.etherscan.io/v2/api"

	MaxRetries = 5
)

type Config struct {
	APIKey string
	URL    string
}

type apiResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type creationInfo struct {
	ContractAddress string `json:"contractAddress"`
	BlockNumber     string `json:"blockNumber"`
}

type client struct {
	log        *slog.Logger
	httpClient *retryablehttp.Client
	cfg        Config
}

func New(log *slog.Logger, cfg Config) (*client, error) { // revive:disable-line:unexported-return
	if cfg.APIKey == "" {
		return nil, errors.Errorf("etherscan API key is required")
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
	}, nil
}

// ContractCreationBlock returns the block the contract was deployed in.
func (c *client) ContractCreationBlock(ctx context.Context, chainID int64, address common.Address) (int64, error) {
	params := url.Values{}
	params.Set("chainid", strconv.FormatInt(chainID, 10))
	params.Set("module", "contract")
	params.Set("action", "getcontractcreation")
	params.Set("contractaddresses", address.Hex())
	params.Set("apikey", c.cfg.APIKey)

	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodGet, fmt.Sprintf("%s?%s", c.cfg.URL, params.Encode()), nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Errorf("creation block lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("creation block lookup: status %d", resp.StatusCode)
	}
	var response apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return 0, errors.Errorf("failed to decode etherscan response: %w", err)
	}
	if response.Status != "1" {
		return 0, errors.Errorf("etherscan error: %s", response.Message)
	}
	var infos []creationInfo
	if err := json.Unmarshal(response.Result, &infos); err != nil {
		return 0, errors.Errorf("failed to decode creation result: %w", err)
	}
	if len(infos) == 0 {
		return 0, errors.Errorf("no creation data for contract %s", address.Hex())
	}
	blockNumber, err := strconv.ParseInt(infos[0].BlockNumber, 10, 64)
	if err != nil {
		return 0, errors.Errorf("malformed creation block %q: %w", infos[0].BlockNumber, err)
	}
	c.log.Info("Resolved contract creation block",
		"contract", address.Hex(),
		"blockNumber", blockNumber,
	)
	return blockNumber, nil
}
