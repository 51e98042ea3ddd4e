package config

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/urfave/cli/v2"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/flags"
)

const (
	BackendRPC       = "rpc"
	BackendEthClient = "ethclient"
)

type Config struct {
	Chain    ChainConfig
	Exploit  ExploitConfig
	MasterDB DBConfig
}

type ChainConfig struct {
	ChainRpcUrl      string
	ChainId          uint
	Backend          string
	InclusionTimeout time.Duration
	PollInterval     time.Duration
	GasPriceGwei     uint64
}

// GasPrice is nil when unset so the signer picks its default.
func (c ChainConfig) GasPrice() *big.Int {
	if c.GasPriceGwei == 0 {
		return nil
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(c.GasPriceGwei), big.NewInt(params.GWei))
}

type ExploitConfig struct {
	Scenario           string
	ScenarioFile       string
	PlayerKey          string
	FixturesPath       string
	MaxNonceIterations uint64
	SubmitRetries      int
	RetryDelay         time.Duration
	MaxRepeat          int
	Archive            bool
	Verbosity          int
}

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// LoadConfig reads the flags and checks what every command relies on.
func LoadConfig(cliCtx *cli.Context) (Config, error) {
	cfg := NewConfig(cliCtx)
	if err := cfg.Chain.Check(); err != nil {
		return cfg, err
	}
	log.Info("loaded chain config", "rpc", cfg.Chain.ChainRpcUrl, "backend", cfg.Chain.Backend, "chain_id", cfg.Chain.ChainId)
	return cfg, nil
}

func NewConfig(cliCtx *cli.Context) Config {
	return Config{
		Chain: ChainConfig{
			ChainRpcUrl:      cliCtx.String(flags.ChainRpcFlag.Name),
			ChainId:          cliCtx.Uint(flags.ChainIdFlag.Name),
			Backend:          cliCtx.String(flags.BackendFlag.Name),
			InclusionTimeout: cliCtx.Duration(flags.InclusionTimeoutFlag.Name),
			PollInterval:     cliCtx.Duration(flags.PollIntervalFlag.Name),
			GasPriceGwei:     cliCtx.Uint64(flags.GasPriceFlag.Name),
		},
		Exploit: ExploitConfig{
			Scenario:           cliCtx.String(flags.ScenarioFlag.Name),
			ScenarioFile:       cliCtx.String(flags.ScenarioFileFlag.Name),
			PlayerKey:          cliCtx.String(flags.PlayerKeyFlag.Name),
			FixturesPath:       cliCtx.String(flags.FixturesFlag.Name),
			MaxNonceIterations: cliCtx.Uint64(flags.MaxNonceIterationsFlag.Name),
			SubmitRetries:      cliCtx.Int(flags.SubmitRetriesFlag.Name),
			RetryDelay:         cliCtx.Duration(flags.RetryDelayFlag.Name),
			MaxRepeat:          cliCtx.Int(flags.MaxRepeatFlag.Name),
			Archive:            cliCtx.Bool(flags.ArchiveFlag.Name),
			Verbosity:          cliCtx.Int(flags.VerbosityFlag.Name),
		},
		MasterDB: DBConfig{
			Host:     cliCtx.String(flags.MasterDbHostFlag.Name),
			Port:     cliCtx.Int(flags.MasterDbPortFlag.Name),
			Name:     cliCtx.String(flags.MasterDbNameFlag.Name),
			User:     cliCtx.String(flags.MasterDbUserFlag.Name),
			Password: cliCtx.String(flags.MasterDbPasswordFlag.Name),
		},
	}
}

func (c ChainConfig) Check() error {
	if c.ChainRpcUrl == "" {
		return errs.NewConfigError("chain rpc url is required", flags.ChainRpcFlag.Name)
	}
	switch c.Backend {
	case BackendRPC, BackendEthClient:
	default:
		return errs.NewConfigError("backend must be rpc or ethclient", flags.BackendFlag.Name).
			AddContext("backend", c.Backend)
	}
	return nil
}

// CheckRun validates the settings only the run command needs.
func (c ExploitConfig) CheckRun() error {
	if c.Scenario == "" {
		return errs.NewConfigError("a scenario is required", flags.ScenarioFlag.Name)
	}
	if c.PlayerKey == "" {
		return errs.NewConfigError("the player key is required", flags.PlayerKeyFlag.Name)
	}
	if c.SubmitRetries < 0 || c.MaxRepeat <= 0 {
		return errs.NewError(errs.ErrorTypeValidation, "retry and repeat bounds must be positive").
			AddContext("submit_retries", c.SubmitRetries).
			AddContext("max_repeat", c.MaxRepeat)
	}
	return nil
}
