package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// RPC holds connection settings for the ledger node.
type RPC struct {
	URL        string
	WSURL      string
	Commitment string // processed | confirmed | finalized
	TxTimeout  time.Duration

	// Compute budget instructions are prepended when non-zero.
	ComputeUnitLimit              uint32
	ComputeUnitPriceMicroLamports uint64
	SkipPreflight                 bool
}

// Crank holds the matching/settlement loop settings.
type Crank struct {
	KeypairPath  string
	ProgramID    string // confidential exchange program
	MXEProgramID string // MPC execution environment program

	PollInterval      time.Duration
	MaxMatchesPerTick int

	BlockhashPrefetch        int
	BlockhashRefreshInterval time.Duration

	BatchMaxAccounts int
	BatchConcurrency int
	BatchMaxRetries  int

	// Per-operation retry ceiling for lifecycle processors, distinct from
	// the per-call retry policy.
	MaxRetriesPerOperation int

	RelayerFeeBps uint64

	// DataDir enables the on-disk request journal when set. Empty means
	// in-memory only: dedup state is rebuilt by re-scanning the ledger.
	DataDir string
}

// MPC selects the computation backend.
type MPC struct {
	// Simulated selects the demo backend that always reports a match and a
	// full fill. Real mode requires ClusterURL and never falls back.
	Simulated  bool
	ClusterURL string
}

// Alerts configures the notification fan-out.
type Alerts struct {
	MinSeverity     string
	DedupeWindow    time.Duration
	SlackWebhookURL string
	WebhookURL      string
}

// Server configures the operator status API.
type Server struct {
	ListenAddr string
}

type Config struct {
	RPC    RPC
	Crank  Crank
	MPC    MPC
	Alerts Alerts
	Server Server
}

func Default() Config {
	return Config{
		RPC: RPC{
			URL:        "http://localhost:8899",
			WSURL:      "ws://localhost:8900",
			Commitment: "confirmed",
			TxTimeout:  30 * time.Second,
		},
		Crank: Crank{
			KeypairPath:              "data/crank-keypair.json",
			PollInterval:             5 * time.Second,
			MaxMatchesPerTick:        5,
			BlockhashPrefetch:        3,
			BlockhashRefreshInterval: 20 * time.Second,
			BatchMaxAccounts:         100,
			BatchConcurrency:         4,
			BatchMaxRetries:          2,
			MaxRetriesPerOperation:   3,
			RelayerFeeBps:            10,
		},
		MPC: MPC{
			Simulated: true,
		},
		Alerts: Alerts{
			MinSeverity:  "warning",
			DedupeWindow: 5 * time.Minute,
		},
		Server: Server{
			ListenAddr: ":8080",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if it exists) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	setString(&cfg.RPC.URL, "CRANK_RPC_URL")
	setString(&cfg.RPC.WSURL, "CRANK_WS_URL")
	setString(&cfg.RPC.Commitment, "CRANK_COMMITMENT")
	setDuration(&cfg.RPC.TxTimeout, "CRANK_TX_TIMEOUT_MS")
	setBool(&cfg.RPC.SkipPreflight, "CRANK_SKIP_PREFLIGHT")
	if v, ok := envUint("CRANK_COMPUTE_UNIT_LIMIT"); ok {
		cfg.RPC.ComputeUnitLimit = uint32(v)
	}
	if v, ok := envUint("CRANK_COMPUTE_UNIT_PRICE"); ok {
		cfg.RPC.ComputeUnitPriceMicroLamports = v
	}

	setString(&cfg.Crank.KeypairPath, "CRANK_KEYPAIR_PATH")
	setString(&cfg.Crank.ProgramID, "CRANK_PROGRAM_ID")
	setString(&cfg.Crank.MXEProgramID, "CRANK_MXE_PROGRAM_ID")
	setDuration(&cfg.Crank.PollInterval, "CRANK_POLL_INTERVAL_MS")
	setInt(&cfg.Crank.MaxMatchesPerTick, "CRANK_MAX_MATCHES_PER_TICK")
	setInt(&cfg.Crank.BlockhashPrefetch, "CRANK_BLOCKHASH_PREFETCH")
	setDuration(&cfg.Crank.BlockhashRefreshInterval, "CRANK_BLOCKHASH_REFRESH_MS")
	setInt(&cfg.Crank.BatchMaxAccounts, "CRANK_BATCH_MAX_ACCOUNTS")
	setInt(&cfg.Crank.BatchConcurrency, "CRANK_BATCH_CONCURRENCY")
	setInt(&cfg.Crank.BatchMaxRetries, "CRANK_BATCH_MAX_RETRIES")
	setInt(&cfg.Crank.MaxRetriesPerOperation, "CRANK_MAX_RETRIES_PER_OP")
	if v, ok := envUint("CRANK_RELAYER_FEE_BPS"); ok {
		cfg.Crank.RelayerFeeBps = v
	}
	setString(&cfg.Crank.DataDir, "CRANK_DATA_DIR")

	setBool(&cfg.MPC.Simulated, "CRANK_MPC_SIMULATED")
	setString(&cfg.MPC.ClusterURL, "CRANK_MPC_CLUSTER_URL")

	setString(&cfg.Alerts.MinSeverity, "CRANK_ALERT_MIN_SEVERITY")
	setDuration(&cfg.Alerts.DedupeWindow, "CRANK_ALERT_DEDUPE_MS")
	setString(&cfg.Alerts.SlackWebhookURL, "CRANK_SLACK_WEBHOOK_URL")
	setString(&cfg.Alerts.WebhookURL, "CRANK_ALERT_WEBHOOK_URL")

	setString(&cfg.Server.ListenAddr, "CRANK_LISTEN_ADDR")

	return cfg
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// setDuration reads a millisecond count.
func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

func envUint(key string) (uint64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
