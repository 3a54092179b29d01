// Command notifyhub-sweep removes client mappings whose owning server has
// stopped heartbeating, once, and prints the report. Run it from cron or a
// systemd timer when no instance schedules the sweep itself.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"notifyhub/internal/app"
	"notifyhub/internal/config"
	"notifyhub/internal/session"
	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	var timeout time.Duration

	flagSet := pflag.NewFlagSet("notifyhub-sweep", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", os.Getenv("NOTIFYHUB_CONFIG"), "path to config (.json or .yaml)")
	flagSet.DurationVar(&timeout, "timeout", time.Minute, "give up after this long")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.NewManager(cfgPath, nil).Load()
	if err != nil {
		return err
	}
	if cfg.Store.Driver == config.DriverMemory {
		return errors.New("store.driver memory has nothing to sweep; configure redis or sqlite")
	}
	log := logx.NewConsole(cfg.Logging.Level)

	sc, err := app.MapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelT := context.WithTimeout(ctx, timeout)
	defer cancelT()

	rep, err := session.NewSweeper(st, log, nil).Sweep(ctx)
	out, _ := json.MarshalIndent(rep, "", "  ")
	fmt.Println(string(out))
	return err
}
