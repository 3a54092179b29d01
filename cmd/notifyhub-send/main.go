// Command notifyhub-send delivers one notification through the configured
// outbound channels and prints the JSON response.
//
//	echo '{"type":"slack","body":"deploy done"}' | notifyhub-send -c notifyhub.yaml
//	notifyhub-send -c notifyhub.yaml --pretty request.json
//
// The exit status is 1 when the notification fails.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"notifyhub/internal/app"
	"notifyhub/internal/channel"
	"notifyhub/internal/config"
	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

func main() {
	ok, err := run(os.Args[1:], os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) (bool, error) {
	var cfgPath string
	var pretty bool

	flagSet := pflag.NewFlagSet("notifyhub-send", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", os.Getenv("NOTIFYHUB_CONFIG"), "path to config (.json or .yaml)")
	flagSet.BoolVar(&pretty, "pretty", false, "indent the JSON response")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return false, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.NewManager(cfgPath, nil).Load()
	if err != nil {
		return false, err
	}
	log := logx.NewWriter(os.Stderr, cfg.Logging.Level)

	sc := storage.Config{Driver: config.DriverMemory}
	if cfg.RateLimit.Strategy == config.StrategyDistributed || cfg.Channels.Websocket.Enabled {
		// the shared store is only needed for cross-process limits and pub/sub
		sc, err = app.MapStorageConfig(cfg)
		if err != nil {
			return false, err
		}
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return false, err
	}
	defer st.Close()

	router, err := app.NewChannelRouter(cfg, st, log)
	if err != nil {
		return false, err
	}

	in, closeIn, err := input(flagSet.Args(), stdin)
	if err != nil {
		return false, err
	}
	defer closeIn()

	var resp channel.Response
	req, err := channel.DecodeRequest(in)
	if err != nil {
		resp = channel.Response{Type: "unknown", Timestamp: time.Now().UTC().Format(channel.TimestampLayout), Error: err.Error()}
	} else {
		resp = router.Notify(ctx, req)
	}

	enc := json.NewEncoder(stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(resp); err != nil {
		return false, err
	}
	return resp.Success, nil
}

// input returns the request source: the first argument ("-" is stdin) or stdin.
func input(args []string, stdin io.Reader) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
