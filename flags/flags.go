package flags

import (
	"time"

	"github.com/urfave/cli/v2"
)

const envVarPrefix = "EXPLOIT"

func prefixEnvVars(name string) []string {
	return []string{envVarPrefix + "_" + name}
}

var (
	// Chain
	ChainRpcFlag = &cli.StringFlag{
		Name:    "chain-rpc",
		Usage:   "HTTP or websocket url of the chain to run against",
		EnvVars: prefixEnvVars("CHAIN_RPC"),
		Value:   "http://127.0.0.1:8545",
	}
	ChainIdFlag = &cli.UintFlag{
		Name:    "chain-id",
		Usage:   "Chain id used for signing; read from the node when zero",
		EnvVars: prefixEnvVars("CHAIN_ID"),
	}
	BackendFlag = &cli.StringFlag{
		Name:    "backend",
		Usage:   "How transactions are sent: rpc (raw eth_sendRawTransaction) or ethclient",
		EnvVars: prefixEnvVars("BACKEND"),
		Value:   "rpc",
	}
	InclusionTimeoutFlag = &cli.DurationFlag{
		Name:    "inclusion-timeout",
		Usage:   "How long to wait for a submitted transaction to be included",
		EnvVars: prefixEnvVars("INCLUSION_TIMEOUT"),
		Value:   30 * time.Second,
	}
	PollIntervalFlag = &cli.DurationFlag{
		Name:    "poll-interval",
		Usage:   "Receipt polling interval",
		EnvVars: prefixEnvVars("POLL_INTERVAL"),
		Value:   500 * time.Millisecond,
	}
	GasPriceFlag = &cli.Uint64Flag{
		Name:    "gas-price",
		Usage:   "Gas price in gwei for transactions the player signs",
		EnvVars: prefixEnvVars("GAS_PRICE"),
	}

	// Exploit
	ScenarioFlag = &cli.StringFlag{
		Name:    "scenario",
		Usage:   "Name of the scenario to run",
		EnvVars: prefixEnvVars("SCENARIO"),
	}
	ScenarioFileFlag = &cli.StringFlag{
		Name:    "scenario-file",
		Usage:   "YAML or JSON file describing the deployed scenarios",
		EnvVars: prefixEnvVars("SCENARIO_FILE"),
	}
	PlayerKeyFlag = &cli.StringFlag{
		Name:    "player-key",
		Usage:   "Hex private key of the player account",
		EnvVars: prefixEnvVars("PLAYER_KEY"),
	}
	FixturesFlag = &cli.StringFlag{
		Name:    "fixtures",
		Usage:   "JSON file of captured raw transactions",
		EnvVars: prefixEnvVars("FIXTURES"),
	}
	MaxNonceIterationsFlag = &cli.Uint64Flag{
		Name:    "max-nonce-iterations",
		Usage:   "Ceiling for nonce and salt searches",
		EnvVars: prefixEnvVars("MAX_NONCE_ITERATIONS"),
		Value:   10_000,
	}
	SubmitRetriesFlag = &cli.IntFlag{
		Name:    "submit-retries",
		Usage:   "Times a timed out submission is resent",
		EnvVars: prefixEnvVars("SUBMIT_RETRIES"),
		Value:   3,
	}
	RetryDelayFlag = &cli.DurationFlag{
		Name:    "retry-delay",
		Usage:   "Base delay between submission retries",
		EnvVars: prefixEnvVars("RETRY_DELAY"),
		Value:   time.Second,
	}
	MaxRepeatFlag = &cli.IntFlag{
		Name:    "max-repeat",
		Usage:   "Upper bound for repeated calls",
		EnvVars: prefixEnvVars("MAX_REPEAT"),
		Value:   10_000,
	}
	ArchiveFlag = &cli.BoolFlag{
		Name:    "archive",
		Usage:   "Persist captured transactions and traces to the master database",
		EnvVars: prefixEnvVars("ARCHIVE"),
	}
	VerbosityFlag = &cli.IntFlag{
		Name:    "verbosity",
		Usage:   "Log level: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		EnvVars: prefixEnvVars("VERBOSITY"),
		Value:   3,
	}

	// MasterDb
	MasterDbHostFlag = &cli.StringFlag{
		Name:    "master-db-host",
		Usage:   "The host of the master database",
		EnvVars: prefixEnvVars("MASTER_DB_HOST"),
		Value:   "127.0.0.1",
	}
	MasterDbPortFlag = &cli.IntFlag{
		Name:    "master-db-port",
		Usage:   "The port of the master database",
		EnvVars: prefixEnvVars("MASTER_DB_PORT"),
		Value:   5432,
	}
	MasterDbUserFlag = &cli.StringFlag{
		Name:    "master-db-user",
		Usage:   "The user of the master database",
		EnvVars: prefixEnvVars("MASTER_DB_USER"),
	}
	MasterDbPasswordFlag = &cli.StringFlag{
		Name:    "master-db-password",
		Usage:   "The password of the master database",
		EnvVars: prefixEnvVars("MASTER_DB_PASSWORD"),
	}
	MasterDbNameFlag = &cli.StringFlag{
		Name:    "master-db-name",
		Usage:   "The db name of the master database",
		EnvVars: prefixEnvVars("MASTER_DB_NAME"),
		Value:   "exploit",
	}

	// Command specific
	MigrationsDirFlag = &cli.StringFlag{
		Name:    "migrations-dir",
		Usage:   "Directory holding the sql migrations",
		EnvVars: prefixEnvVars("MIGRATIONS_DIR"),
		Value:   "./migrations",
	}
	RunIdFlag = &cli.StringFlag{
		Name:  "run-id",
		Usage: "Run to show; the latest run of --scenario when empty",
	}
	OutputFlag = &cli.StringFlag{
		Name:  "output",
		Usage: "File the fetched fixtures are written to",
		Value: "fixtures.json",
	}
	DeployerFlag = &cli.StringFlag{
		Name:     "deployer",
		Usage:    "Account whose CREATE addresses are listed",
		Required: true,
	}
	StartNonceFlag = &cli.Uint64Flag{
		Name:  "start-nonce",
		Usage: "First nonce to list",
	}
	CountFlag = &cli.IntFlag{
		Name:  "count",
		Usage: "Number of consecutive nonces to list",
		Value: 10,
	}
)

var chainFlags = []cli.Flag{
	ChainRpcFlag,
	ChainIdFlag,
	BackendFlag,
	InclusionTimeoutFlag,
	PollIntervalFlag,
	GasPriceFlag,
}

var exploitFlags = []cli.Flag{
	ScenarioFlag,
	ScenarioFileFlag,
	PlayerKeyFlag,
	FixturesFlag,
	MaxNonceIterationsFlag,
	SubmitRetriesFlag,
	RetryDelayFlag,
	MaxRepeatFlag,
	ArchiveFlag,
	VerbosityFlag,
}

var DBFlags = []cli.Flag{
	MasterDbHostFlag,
	MasterDbPortFlag,
	MasterDbUserFlag,
	MasterDbPasswordFlag,
	MasterDbNameFlag,
}

// Flags contains the list of configuration options available to the binary.
var Flags []cli.Flag

func init() {
	Flags = append(Flags, chainFlags...)
	Flags = append(Flags, exploitFlags...)
	Flags = append(Flags, DBFlags...)
}
