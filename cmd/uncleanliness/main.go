// Command uncleanliness walks an EVM chain block by block, tracking how
// far each address's balance is tainted by a configured set of source
// addresses, and exports the result as CSV (and, optionally, to
// Postgres).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/chainwatch/uncleanliness/internal/chainsource"
	"github.com/chainwatch/uncleanliness/internal/config"
	"github.com/chainwatch/uncleanliness/internal/driver"
	"github.com/chainwatch/uncleanliness/internal/export"
	"github.com/chainwatch/uncleanliness/internal/query"
)

var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "path to the TOML configuration file",
		Required: true,
	}
	resetFlag = &cli.BoolFlag{
		Name:    "reset",
		Aliases: []string{"r"},
		Usage:   "clear the store and re-bootstrap from the earliest source cohort before running",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity: 0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "uncleanliness",
		Usage: "EVM value-flow taint accounting",
		Flags: []cli.Flag{configFlag, resetFlag, verbosityFlag},
		Action: func(c *cli.Context) error {
			setupLogger(c.Int(verbosityFlag.Name))
			return runDriver(c)
		},
		Commands: []*cli.Command{
			{
				Name:  "stats",
				Usage: "print a quick summary of the store's current state",
				Flags: []cli.Flag{configFlag, verbosityFlag},
				Action: func(c *cli.Context) error {
					setupLogger(c.Int(verbosityFlag.Name))
					return runStats(c)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "uncleanliness:", err)
		os.Exit(1)
	}
}

// legacyLevels mirrors geth's traditional 0-5 --verbosity scale (crit
// through trace), since the CLI flag predates slog's named levels.
var legacyLevels = []slog.Level{
	log.LevelCrit, log.LevelError, log.LevelWarn, log.LevelInfo, log.LevelDebug, log.LevelTrace,
}

func setupLogger(verbosity int) {
	if verbosity < 0 {
		verbosity = 0
	}
	if verbosity >= len(legacyLevels) {
		verbosity = len(legacyLevels) - 1
	}
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, legacyLevels[verbosity], true)
	log.SetDefault(log.NewLogger(handler))
}

func loadAndDial(c *cli.Context) (config.Config, *chainsource.Client, error) {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return config.Config{}, nil, err
	}

	url, err := config.ChainSourceURL()
	if err != nil {
		return config.Config{}, nil, err
	}

	client, err := chainsource.Dial(c.Context, url)
	if err != nil {
		return config.Config{}, nil, err
	}
	chainsource.LogDialed(url)
	return cfg, client, nil
}

func runDriver(c *cli.Context) error {
	cfg, client, err := loadAndDial(c)
	if err != nil {
		return err
	}
	defer client.Close()

	d, err := driver.New(cfg, client)
	if err != nil {
		return err
	}
	defer d.Close()

	resume, err := d.Resume(c.Context, c.Bool(resetFlag.Name))
	if err != nil {
		return fmt.Errorf("resolving resume point: %w", err)
	}
	log.Info("starting run", "from_block", resume, "end_block", cfg.EndBlockNumber)

	if err := d.Run(c.Context, resume); err != nil {
		return err
	}

	return exportResults(c.Context, cfg, d)
}

func exportResults(ctx context.Context, cfg config.Config, d *driver.Driver) error {
	engine := query.New(d.Store, d.Chain, cfg.CleanFallbackBlock)
	csvExporter := export.New(engine, cfg.OutputDir)

	last, ok, err := d.Store.LastBlockNumber()
	if err != nil {
		return err
	}
	if !ok {
		log.Warn("nothing to export: store has no recorded blocks")
		return nil
	}

	if err := csvExporter.AddressesPerBlockCount(0, last); err != nil {
		return err
	}
	if err := csvExporter.TaintedUpto(last); err != nil {
		return err
	}

	if cfg.PostgresDSN == "" {
		return nil
	}
	pg, err := export.DialPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pg.Close()

	tainted, err := engine.TaintedUpto(last)
	if err != nil {
		return err
	}
	for addr, score := range tainted {
		if err := pg.RecordSnapshot(ctx, last, addr, score); err != nil {
			return err
		}
	}
	return nil
}

func runStats(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}

	url, err := config.ChainSourceURL()
	if err != nil {
		return err
	}
	client, err := chainsource.Dial(c.Context, url)
	if err != nil {
		return err
	}
	defer client.Close()

	d, err := driver.New(cfg, client)
	if err != nil {
		return err
	}
	defer d.Close()

	last, ok, err := d.Store.LastBlockNumber()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("store has never been bootstrapped")
		return nil
	}

	engine := query.New(d.Store, client, cfg.CleanFallbackBlock)
	bestAddr, bestScore, err := engine.MaxDirty(0, last)
	if err != nil {
		return err
	}

	fmt.Printf("last processed block: %d\n", last)
	fmt.Printf("most tainted address in range: %s (dirty %s of balance %s)\n",
		bestAddr.Hex(), bestScore.DirtyAmount.String(), bestScore.Balance.String())
	return nil
}
