package config

import (
	"fmt"
	"time"

	flags "github.com/jessevdk/go-flags"
)

// ConfigurationError is fatal: nothing is collected when the run or a target
// is misconfigured.
type ConfigurationError struct {
	Target string
	Reason string
}

func (e ConfigurationError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("configuration: %s", e.Reason)
	}
	return fmt.Sprintf("configuration: target %s: %s", e.Target, e.Reason)
}

type RPCClient struct {
	URLs           []string      `long:"rpc-url" env:"ETH_RPC_URLS" env-delim:"," description:"JSON-RPC endpoint URLs, rotated on failure"`                            // nolint:lll
	FailThreshold  int           `long:"rpc-fail-threshold" env:"RPC_FAIL_THRESHOLD" description:"consecutive failures before an endpoint is marked dead" default:"3"` // nolint:lll
	Cooldown       time.Duration `long:"rpc-cooldown" env:"RPC_COOLDOWN" description:"how long a dead endpoint stays out of rotation" default:"30s"`                   // nolint:lll
	MaxAttempts    int           `long:"rpc-max-attempts" env:"RPC_MAX_ATTEMPTS" description:"endpoint rotations per read before the read fails" default:"3"`          // nolint:lll
	RequestTimeout time.Duration `long:"rpc-request-timeout" env:"RPC_REQUEST_TIMEOUT" description:"timeout for a single JSON-RPC request" default:"30s"`              // nolint:lll
}

func (r RPCClient) HasError() error {
	if len(r.URLs) == 0 {
		return ConfigurationError{Reason: "at least one RPC URL is required (ETH_RPC_URLS)"}
	}
	return nil
}

type DuneClient struct {
	APIKey    string `long:"dune-api-key" env:"DUNE_API_KEY" description:"API key for the Dune table API"`
	URL       string `long:"dune-api-url" env:"DUNE_API_URL" description:"base URL for the Dune API" default:"https://api.dune.com/api/v1"` // nolint:lll
	Namespace string `long:"dune-namespace" env:"DUNE_NAMESPACE" description:"Dune namespace the tables live under"`
}

type EtherscanClient struct {
	APIKey string `long:"etherscan-api-key" env:"ETHERSCAN_API_KEY" description:"API key for creation block lookups"`
	URL    string `long:"etherscan-api-url" env:"ETHERSCAN_API_URL" description:"base URL for the Etherscan API" default:"https://api.etherscan.io/v2/api"` // nolint:lll
}

type Config struct {
	TargetsFile string   `long:"targets" env:"TARGETS_FILE" description:"path to the YAML targets file" default:"targets.yaml"`
	DataDir     string   `long:"data-dir" env:"DATA_DIR" description:"directory for CSV output and watermarks" default:"data"`
	Sinks       []string `long:"sink" env:"SINKS" env-delim:"," choice:"csv" choice:"dune" default:"csv" description:"where committed rows go; repeatable"` // nolint:lll
	CompressCSV bool     `long:"compress-csv" env:"COMPRESS_CSV" description:"write zstd-compressed CSV files"`

	StepSize               int64         `long:"step-size" env:"BLOCK_PERIOD" description:"maximum blocks fetched and committed as one range" default:"1000"`         // nolint:lll
	SamplePeriod           int64         `long:"sample-period" env:"BLOCKS_PERIOD" description:"default stride between sampled blocks" default:"100"`                 // nolint:lll
	Pacing                 time.Duration `long:"pacing" env:"BLOCK_RETRIEVAL_PERIOD" description:"minimum delay between block reads within a target" default:"100ms"` // nolint:lll
	FanOut                 int           `long:"fan-out" env:"FAN_OUT" description:"concurrent block reads within a range" default:"4"`
	MaxRangeAttempts       int           `long:"max-range-attempts" env:"MAX_RANGE_ATTEMPTS" description:"retries per range before the target is abandoned" default:"5"` // nolint:lll
	MaxConcurrentTargets   int           `long:"max-concurrent-targets" env:"MAX_CONCURRENT_TARGETS" description:"targets collected in parallel" default:"4"`            // nolint:lll
	EndBlock               int64         `long:"end-block" env:"END_BLOCK" description:"stop at this block instead of the chain head"`
	Interval               time.Duration `long:"interval" env:"COLLECT_INTERVAL" description:"repeat the run on this interval; zero runs once"`
	ReportProgressInterval time.Duration `long:"report-progress-interval" env:"REPORT_PROGRESS_INTERVAL" description:"interval to report progress" default:"30s"` // nolint:lll
	MetricsAddr            string        `long:"metrics-addr" env:"METRICS_ADDR" description:"prometheus listen address" default:":2112"`
	Verbose                bool          `long:"verbose" short:"v" env:"VERBOSE" description:"enable debug logging"`

	RPC       RPCClient
	Dune      DuneClient
	Etherscan EtherscanClient
}

func (c Config) HasError() error {
	if err := c.RPC.HasError(); err != nil {
		return err
	}
	for _, s := range c.Sinks {
		if s == "dune" {
			if c.Dune.APIKey == "" {
				return ConfigurationError{Reason: "the dune sink requires DUNE_API_KEY"}
			}
			if c.Dune.Namespace == "" {
				return ConfigurationError{Reason: "the dune sink requires DUNE_NAMESPACE"}
			}
		}
	}
	if len(c.Sinks) == 0 {
		return ConfigurationError{Reason: "at least one sink is required"}
	}
	if c.StepSize < 1 {
		return ConfigurationError{Reason: "step size must be positive"}
	}
	if c.SamplePeriod < 1 {
		return ConfigurationError{Reason: "sample period must be positive"}
	}
	return nil
}

func Parse() (*Config, error) {
	var config Config
	parser := flags.NewParser(&config, flags.Default)
	_, err := parser.Parse()
	if err != nil {
		return nil, err
	}
	if err := config.HasError(); err != nil {
		return nil, err
	}
	return &config, nil
}
