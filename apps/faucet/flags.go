package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/safro/faucet-platform/internal/chain"
	"github.com/safro/faucet-platform/internal/config"
)

const envVarPrefix = "FAUCET"

func prefixEnvVars(name string, aliases ...string) []string {
	return append([]string{envVarPrefix + "_" + name}, aliases...)
}

var (
	PortFlag = &cli.StringFlag{
		Name:    "port",
		Usage:   "Listen port, 8080 or :8080",
		EnvVars: prefixEnvVars("PORT", "PORT"),
		Value:   "8080",
	}
	LogLevelFlag = &cli.StringFlag{
		Name:    "log-level",
		Usage:   "debug, info, warn or error",
		EnvVars: prefixEnvVars("LOG_LEVEL"),
		Value:   "info",
	}
	LogFormatFlag = &cli.StringFlag{
		Name:    "log-format",
		Usage:   "json or text",
		EnvVars: prefixEnvVars("LOG_FORMAT"),
		Value:   "json",
	}
	ConfigSourceFlag = &cli.StringFlag{
		Name:    "config-source",
		Usage:   "Where faucet parameters are read from: postgres, rest or file",
		EnvVars: prefixEnvVars("CONFIG_SOURCE"),
		Value:   "postgres",
	}
	ConfigFileFlag = &cli.StringFlag{
		Name:    "config-file",
		Usage:   "YAML file with faucet parameters, for --config-source=file",
		EnvVars: prefixEnvVars("CONFIG_FILE"),
		Value:   "faucet.yaml",
	}
	ConfigRESTURLFlag = &cli.StringFlag{
		Name:    "config-rest-url",
		Usage:   "PostgREST/Supabase base URL, for --config-source=rest",
		EnvVars: prefixEnvVars("CONFIG_REST_URL", "SUPABASE_URL"),
	}
	ConfigRESTKeyFlag = &cli.StringFlag{
		Name:    "config-rest-key",
		Usage:   "Service key for the config REST endpoint",
		EnvVars: prefixEnvVars("CONFIG_REST_KEY", "SUPABASE_SERVICE_ROLE_KEY"),
	}
	ConfigRESTTableFlag = &cli.StringFlag{
		Name:    "config-rest-table",
		Usage:   "Table holding faucet parameters",
		EnvVars: prefixEnvVars("CONFIG_REST_TABLE"),
		Value:   config.DefaultRESTTable,
	}
	DatabaseURLFlag = &cli.StringFlag{
		Name:    "database-url",
		Usage:   "Postgres URL for the attempt ledger (and config when --config-source=postgres). Empty keeps attempts in memory",
		EnvVars: prefixEnvVars("DATABASE_URL", "DATABASE_URL"),
	}
	ChainModeFlag = &cli.StringFlag{
		Name:    "chain-mode",
		Usage:   "rest talks to the configured LCD endpoint, synthetic runs an in-process chain",
		EnvVars: prefixEnvVars("CHAIN_MODE"),
		Value:   "rest",
	}
	SyntheticGenesisFlag = &cli.StringFlag{
		Name:    "synthetic-genesis",
		Usage:   "Starting balance of the synthetic chain's sender, per denom",
		EnvVars: prefixEnvVars("SYNTHETIC_GENESIS"),
		Value:   chain.DefaultSyntheticGenesis,
	}
	RequestTimeoutFlag = &cli.DurationFlag{
		Name:    "request-timeout",
		Usage:   "Upper bound for admission plus dispatch of one request",
		EnvVars: prefixEnvVars("REQUEST_TIMEOUT"),
		Value:   60 * time.Second,
	}
	RetryBackoffFlag = &cli.DurationFlag{
		Name:    "retry-backoff",
		Usage:   "Linear backoff step between broadcast attempts",
		EnvVars: prefixEnvVars("RETRY_BACKOFF"),
		Value:   time.Second,
	}
	BroadcastTimeoutFlag = &cli.DurationFlag{
		Name:    "broadcast-timeout",
		Usage:   "How long to wait for a broadcast transaction to be included",
		EnvVars: prefixEnvVars("BROADCAST_TIMEOUT"),
		Value:   30 * time.Second,
	}
	LedgerFailClosedFlag = &cli.BoolFlag{
		Name:    "ledger-fail-closed",
		Usage:   "Deny requests when the ledger count query fails instead of treating the count as zero",
		EnvVars: prefixEnvVars("LEDGER_FAIL_CLOSED"),
	}
	RecordTimeoutFlag = &cli.DurationFlag{
		Name:    "record-timeout",
		Usage:   "Timeout for writing one attempt to the ledger",
		EnvVars: prefixEnvVars("RECORD_TIMEOUT"),
		Value:   5 * time.Second,
	}
	TrustRemoteAddrFlag = &cli.BoolFlag{
		Name:    "trust-remote-addr",
		Usage:   "Use the connection address when no X-Forwarded-For/X-Real-IP header is present",
		EnvVars: prefixEnvVars("TRUST_REMOTE_ADDR"),
	}
	BurstPerMinuteFlag = &cli.IntFlag{
		Name:    "burst-per-minute",
		Usage:   "Per-identity request burst limit, 0 disables",
		EnvVars: prefixEnvVars("BURST_PER_MINUTE"),
	}
	GeoURLFlag = &cli.StringFlag{
		Name:    "geo-url",
		Usage:   "ip-api compatible geolocation endpoint, empty disables",
		EnvVars: prefixEnvVars("GEO_URL"),
	}
	GeoTimeoutFlag = &cli.DurationFlag{
		Name:    "geo-timeout",
		Usage:   "Timeout for one geolocation lookup",
		EnvVars: prefixEnvVars("GEO_TIMEOUT"),
		Value:   2 * time.Second,
	}
)

// Flags contains the list of configuration options available to the binary.
var Flags = []cli.Flag{
	PortFlag,
	LogLevelFlag,
	LogFormatFlag,
	ConfigSourceFlag,
	ConfigFileFlag,
	ConfigRESTURLFlag,
	ConfigRESTKeyFlag,
	ConfigRESTTableFlag,
	DatabaseURLFlag,
	ChainModeFlag,
	SyntheticGenesisFlag,
	RequestTimeoutFlag,
	RetryBackoffFlag,
	BroadcastTimeoutFlag,
	LedgerFailClosedFlag,
	RecordTimeoutFlag,
	TrustRemoteAddrFlag,
	BurstPerMinuteFlag,
	GeoURLFlag,
	GeoTimeoutFlag,
}

// options is the process configuration. Faucet parameters are not here; they are
// loaded per request from the config source.
type options struct {
	addr             string
	logLevel         slog.Level
	logFormat        string
	configSource     string
	configFile       string
	configRESTURL    string
	configRESTKey    string
	configRESTTable  string
	databaseURL      string
	chainMode        string
	syntheticGenesis string
	requestTimeout   time.Duration
	retryBackoff     time.Duration
	broadcastTimeout time.Duration
	ledgerFailClosed bool
	recordTimeout    time.Duration
	trustRemoteAddr  bool
	burstPerMinute   int
	geoURL           string
	geoTimeout       time.Duration
}

func optionsFromCLI(ctx *cli.Context) (options, error) {
	o := options{
		addr:             listenAddr(ctx.String(PortFlag.Name)),
		logFormat:        ctx.String(LogFormatFlag.Name),
		configSource:     ctx.String(ConfigSourceFlag.Name),
		configFile:       ctx.String(ConfigFileFlag.Name),
		configRESTURL:    ctx.String(ConfigRESTURLFlag.Name),
		configRESTKey:    ctx.String(ConfigRESTKeyFlag.Name),
		configRESTTable:  ctx.String(ConfigRESTTableFlag.Name),
		databaseURL:      ctx.String(DatabaseURLFlag.Name),
		chainMode:        ctx.String(ChainModeFlag.Name),
		syntheticGenesis: ctx.String(SyntheticGenesisFlag.Name),
		requestTimeout:   ctx.Duration(RequestTimeoutFlag.Name),
		retryBackoff:     ctx.Duration(RetryBackoffFlag.Name),
		broadcastTimeout: ctx.Duration(BroadcastTimeoutFlag.Name),
		ledgerFailClosed: ctx.Bool(LedgerFailClosedFlag.Name),
		recordTimeout:    ctx.Duration(RecordTimeoutFlag.Name),
		trustRemoteAddr:  ctx.Bool(TrustRemoteAddrFlag.Name),
		burstPerMinute:   ctx.Int(BurstPerMinuteFlag.Name),
		geoURL:           ctx.String(GeoURLFlag.Name),
		geoTimeout:       ctx.Duration(GeoTimeoutFlag.Name),
	}
	if err := o.logLevel.UnmarshalText([]byte(ctx.String(LogLevelFlag.Name))); err != nil {
		return options{}, fmt.Errorf("invalid --%s: %w", LogLevelFlag.Name, err)
	}
	switch o.logFormat {
	case "json", "text":
	default:
		return options{}, fmt.Errorf("invalid --%s %q", LogFormatFlag.Name, o.logFormat)
	}
	switch o.configSource {
	case "postgres":
		if o.databaseURL == "" {
			return options{}, fmt.Errorf("--%s is required for --%s=postgres", DatabaseURLFlag.Name, ConfigSourceFlag.Name)
		}
	case "rest", "file":
	default:
		return options{}, fmt.Errorf("invalid --%s %q", ConfigSourceFlag.Name, o.configSource)
	}
	switch o.chainMode {
	case "rest", "synthetic":
	default:
		return options{}, fmt.Errorf("invalid --%s %q", ChainModeFlag.Name, o.chainMode)
	}
	return o, nil
}

// listenAddr accepts PORT=8080 or PORT=:8080.
func listenAddr(port string) string {
	port = strings.TrimPrefix(strings.TrimSpace(port), ":")
	if port == "" {
		port = "8080"
	}
	return ":" + port
}
