package main

import (
	"context"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
	"github.com/mjkid221/damn-vulnerable-defi/config"
	"github.com/mjkid221/damn-vulnerable-defi/database"
	"github.com/mjkid221/damn-vulnerable-defi/exploit"
	"github.com/mjkid221/damn-vulnerable-defi/flags"
	"github.com/mjkid221/damn-vulnerable-defi/ledger"
	"github.com/mjkid221/damn-vulnerable-defi/oracle"
	"github.com/mjkid221/damn-vulnerable-defi/scenarios"
	"github.com/mjkid221/damn-vulnerable-defi/synchronizer/node"
	txmgr "github.com/mjkid221/damn-vulnerable-defi/txmgr/ethereum"
	"github.com/mjkid221/damn-vulnerable-defi/txstore"
)

func setVerbosity(level int) {
	if level <= 0 {
		log.SetDefault(log.NewLogger(log.DiscardHandler()))
		return
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(level), true)))
}

func openLedger(ctx context.Context, cfg config.ChainConfig) (ledger.Ledger, func(), error) {
	opts := ledger.Options{InclusionTimeout: cfg.InclusionTimeout, PollInterval: cfg.PollInterval}
	if cfg.Backend == config.BackendEthClient {
		l, err := ledger.DialBackendLedger(ctx, cfg.ChainRpcUrl, opts)
		return l, func() {}, err
	}
	client, err := node.DialEthClient(ctx, cfg.ChainRpcUrl)
	if err != nil {
		return nil, nil, errs.WrapError(errs.ErrorTypeNetwork, "dial chain", err)
	}
	return ledger.NewRPCLedger(client, opts), client.Close, nil
}

func chainID(ctx context.Context, cfg config.ChainConfig, l ledger.Ledger) (*big.Int, error) {
	if cfg.ChainId != 0 {
		return new(big.Int).SetUint64(uint64(cfg.ChainId)), nil
	}
	return l.ChainID(ctx)
}

// scenarioConfig returns the file entry for name, or an empty one when no
// file is configured.
func scenarioConfig(path, name string) (config.ScenarioConfig, error) {
	path = config.FindScenarioFile(path)
	if path == "" {
		return config.ScenarioConfig{}, nil
	}
	file, err := config.LoadScenarioFile(path)
	if err != nil {
		return config.ScenarioConfig{}, err
	}
	log.Info("loaded scenario file", "path", path, "scenario", name)
	return file.Scenario(name), nil
}

func runExploit(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		return err
	}
	setVerbosity(cfg.Exploit.Verbosity)
	if err := cfg.Exploit.CheckRun(); err != nil {
		return err
	}
	build, err := scenarios.Lookup(cfg.Exploit.Scenario)
	if err != nil {
		return err
	}
	sc, err := scenarioConfig(cfg.Exploit.ScenarioFile, cfg.Exploit.Scenario)
	if err != nil {
		return err
	}
	if sc.RPCURL != "" && !ctx.IsSet(flags.ChainRpcFlag.Name) {
		cfg.Chain.ChainRpcUrl = sc.RPCURL
	}

	l, closeLedger, err := openLedger(ctx.Context, cfg.Chain)
	if err != nil {
		return err
	}
	defer closeLedger()
	id, err := chainID(ctx.Context, cfg.Chain, l)
	if err != nil {
		return err
	}

	var db *database.DB
	var storeOpts []txstore.Option
	if cfg.Exploit.Archive {
		if db, err = database.NewDB(ctx.Context, cfg.MasterDB); err != nil {
			return err
		}
		defer db.Close()
		storeOpts = append(storeOpts, txstore.WithArchive(db))
	}
	store := txstore.New(storeOpts...)

	params, err := scenarioParams(sc, store, cfg.Exploit.FixturesPath)
	if err != nil {
		return err
	}
	signer, err := txmgr.NewCallSignerFromHex(cfg.Exploit.PlayerKey, id, cfg.Chain.GasPrice())
	if err != nil {
		return err
	}
	params.Ledger = l
	params.Player = signer.From()
	params.ChainID = id
	params.GasPrice = cfg.Chain.GasPrice()

	ecfg, err := build(ctx.Context, params)
	if err != nil {
		return err
	}
	ecfg.Ledger = l
	ecfg.Store = store
	ecfg.Signer = signer
	ecfg.Oracle = oracle.New(cfg.Exploit.MaxNonceIterations)
	ecfg.SubmitRetries = cfg.Exploit.SubmitRetries
	if ecfg.SubmitRetries == 0 {
		ecfg.SubmitRetries = exploit.NoRetries
	}
	ecfg.RetryDelay = cfg.Exploit.RetryDelay
	ecfg.MaxRepeat = cfg.Exploit.MaxRepeat
	if db != nil {
		ecfg.Sink = db
	}

	res := exploit.RunExploit(ctx.Context, *ecfg)
	for _, e := range res.Trace {
		log.Debug("trace", "index", e.Index, "state", e.State, "step", e.Step, "iteration", e.Iteration, "tx", e.TxHash, "err", e.Err)
	}
	if !res.Success {
		log.Error("exploit failed", "scenario", ecfg.Name, "run", res.RunID, "kind", res.ErrKind(), "err", res.Err)
		return res.Err
	}
	log.Info("exploit succeeded", "scenario", ecfg.Name, "run", res.RunID, "entries", len(res.Trace))
	for name, addr := range res.FinalState.Addresses {
		st := res.FinalState.Accounts[addr]
		log.Info("final state", "name", name, "address", addr, "nonce", st.Nonce, "balance", st.Balance, "code_size", st.CodeSize)
	}
	return nil
}

// scenarioParams turns the file entry into builder input and captures the
// fixtures into store.
func scenarioParams(sc config.ScenarioConfig, store *txstore.Store, fixturesPath string) (scenarios.Params, error) {
	var p scenarios.Params
	var err error
	if p.Addresses, err = sc.ParseAddresses(); err != nil {
		return p, err
	}
	if p.Amounts, err = sc.ParseAmounts(); err != nil {
		return p, err
	}
	if p.Code, err = sc.ParseCode(); err != nil {
		return p, err
	}
	p.Secrets = sc.Secrets
	p.Store = store

	if fixturesPath == "" {
		fixturesPath = sc.Fixtures
	}
	if fixturesPath != "" {
		fixtures, err := store.LoadFixtures(fixturesPath)
		if err != nil {
			return p, err
		}
		for name, addr := range fixtures.Addresses {
			if _, ok := p.Addresses[name]; !ok {
				p.Addresses[name] = addr
			}
		}
		log.Info("loaded fixtures", "path", fixturesPath, "captures", len(fixtures.IDs), "addresses", len(fixtures.Addresses))
	}
	return p, nil
}

func fetchFixtures(ctx *cli.Context) error {
	cfg, err := config.LoadConfig(ctx)
	if err != nil {
		return err
	}
	setVerbosity(cfg.Exploit.Verbosity)
	sc, err := scenarioConfig(cfg.Exploit.ScenarioFile, cfg.Exploit.Scenario)
	if err != nil {
		return err
	}
	hashes, err := sc.ParseFixtureHashes()
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		return errs.NewConfigError("scenario lists no fixture hashes", "fixtureHashes")
	}
	rpcURL := cfg.Chain.ChainRpcUrl
	if sc.RPCURL != "" && !ctx.IsSet(flags.ChainRpcFlag.Name) {
		rpcURL = sc.RPCURL
	}
	client, err := node.DialEthClient(ctx.Context, rpcURL)
	if err != nil {
		return err
	}
	defer client.Close()

	fixtures, entries, err := txstore.New().FetchFixtures(ctx.Context, client, hashes)
	if err != nil {
		return err
	}
	out := ctx.String(flags.OutputFlag.Name)
	if err := txstore.WriteFixtures(out, entries); err != nil {
		return err
	}
	log.Info("fixtures written", "path", out, "captures", len(fixtures.IDs))
	return nil
}

func showTrace(ctx *cli.Context) error {
	cfg := config.NewConfig(ctx)
	setVerbosity(cfg.Exploit.Verbosity)
	db, err := database.NewDB(ctx.Context, cfg.MasterDB)
	if err != nil {
		return err
	}
	defer db.Close()

	var runID uuid.UUID
	if raw := ctx.String(flags.RunIdFlag.Name); raw != "" {
		if runID, err = uuid.Parse(raw); err != nil {
			return errs.WrapError(errs.ErrorTypeConfig, "malformed run id", err)
		}
	} else {
		if cfg.Exploit.Scenario == "" {
			return errs.NewConfigError("either a run id or a scenario is required", flags.RunIdFlag.Name)
		}
		if runID, err = db.ExploitTrace.QueryLatestRunID(cfg.Exploit.Scenario); err != nil {
			return err
		}
		if runID == uuid.Nil {
			return errs.NewError(errs.ErrorTypeNotFound, "scenario never ran").AddContext("scenario", cfg.Exploit.Scenario)
		}
	}

	rows, err := db.ExploitTrace.QueryTraceByRunID(runID)
	if err != nil {
		return err
	}
	for _, e := range database.TraceEntries(rows) {
		line := fmt.Sprintf("%4d %-10s %-22s", e.Index, e.State, e.Step)
		if e.Iteration >= 0 {
			line += fmt.Sprintf(" #%d", e.Iteration)
		}
		if e.TxHash != (common.Hash{}) {
			line += " " + e.TxHash.Hex()
		}
		if e.Err != "" {
			line += fmt.Sprintf(" %s: %s", e.ErrKind, e.Err)
		}
		fmt.Fprintln(ctx.App.Writer, line)
	}
	return nil
}

func migrate(ctx *cli.Context) error {
	cfg := config.NewConfig(ctx)
	setVerbosity(cfg.Exploit.Verbosity)
	db, err := database.NewDB(ctx.Context, cfg.MasterDB)
	if err != nil {
		log.Error("failed to connect to database", "err", err)
		return err
	}
	defer db.Close()

	dir := ctx.String(flags.MigrationsDirFlag.Name)
	if err := db.ExecuteSQLMigration(dir); err != nil {
		return err
	}
	log.Info("migrations applied", "dir", dir)
	return nil
}

// predictAddresses prints where the deployer's next contracts will land.
func predictAddresses(ctx *cli.Context) error {
	raw := ctx.String(flags.DeployerFlag.Name)
	if !common.IsHexAddress(raw) {
		return errs.NewConfigError("malformed deployer address", flags.DeployerFlag.Name)
	}
	count := ctx.Int(flags.CountFlag.Name)
	if count <= 0 {
		return errs.NewError(errs.ErrorTypeValidation, "count must be positive").AddContext("count", count)
	}
	start := new(big.Int).SetUint64(ctx.Uint64(flags.StartNonceFlag.Name))
	addrs, err := oracle.PredictRange(common.HexToAddress(raw), start, count)
	if err != nil {
		return err
	}
	for i, addr := range addrs {
		nonce := new(big.Int).Add(start, big.NewInt(int64(i)))
		fmt.Fprintf(ctx.App.Writer, "%s %s\n", nonce, addr.Hex())
	}
	return nil
}

func listScenarios(ctx *cli.Context) error {
	for _, name := range scenarios.Names() {
		fmt.Fprintln(ctx.App.Writer, name)
	}
	return nil
}

func NewCli(gitCommit, gitDate string) *cli.App {
	myFlags := flags.Flags
	return &cli.App{
		Version:              fmt.Sprintf("v0.1.0-%s-%s", gitCommit, gitDate),
		Description:          "Drives scripted exploits against EVM challenge deployments",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:        "run",
				Description: "Runs a scenario against the configured chain",
				Flags:       myFlags,
				Action:      runExploit,
			},
			{
				Name:        "fetch-fixtures",
				Description: "Downloads the scenario's captured transactions into a fixture file",
				Flags:       append(append([]cli.Flag{}, myFlags...), flags.OutputFlag),
				Action:      fetchFixtures,
			},
			{
				Name:        "trace",
				Description: "Prints a stored exploit trace",
				Flags:       append(append([]cli.Flag{}, myFlags...), flags.RunIdFlag),
				Action:      showTrace,
			},
			{
				Name:        "migrate",
				Description: "Runs the database migrations",
				Flags:       append(append([]cli.Flag{}, flags.DBFlags...), flags.MigrationsDirFlag, flags.VerbosityFlag),
				Action:      migrate,
			},
			{
				Name:        "predict",
				Description: "Lists the CREATE addresses of consecutive deployer nonces",
				Flags:       []cli.Flag{flags.DeployerFlag, flags.StartNonceFlag, flags.CountFlag},
				Action:      predictAddresses,
			},
			{
				Name:        "scenarios",
				Description: "Lists the known scenarios",
				Action:      listScenarios,
			},
			{
				Name:        "version",
				Description: "print version",
				Action: func(ctx *cli.Context) error {
					cli.ShowVersion(ctx)
					return nil
				},
			},
		},
	}
}
