// Command helix-gw keeps a gateway connection alive from the terminal:
// it resolves the device token, optionally launches and monitors a local
// gateway process, completes the handshake, and logs pushed events until
// interrupted. Useful for smoke-testing a gateway install.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/helix-app/helix-gateway/gwclient"
	"github.com/helix-app/helix-gateway/internal/config"
	"github.com/helix-app/helix-gateway/internal/logx"
	"github.com/helix-app/helix-gateway/internal/token"
	"github.com/helix-app/helix-gateway/launcher"
	"github.com/helix-app/helix-gateway/monitor"
)

func main() {
	cfg := config.Default()
	launchBin := flag.String("launch", "", "gateway binary to launch locally (empty connects to an existing gateway)")
	launchDir := flag.String("launch-dir", "", "working directory for the launched gateway")
	subscribe := flag.String("subscribe", "chat,node.status", "comma separated event names to log")
	cfg.BindFlags()
	flag.Parse()

	if path := os.Getenv("GATEWAY_CONFIG"); path != "" {
		if err := cfg.LoadFile(path, false); err != nil {
			logx.Log.Fatal().Err(err).Msg("load config file")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Token == "" {
		dir, err := token.DefaultDir()
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("resolve helix home")
		}
		tok, err := token.Ensure(dir)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("resolve gateway token")
		}
		cfg.Token = tok
	}

	if *launchBin != "" {
		l := launcher.New(launcher.Config{Binary: *launchBin, Dir: *launchDir, Token: cfg.Token})
		info, err := l.Start(ctx)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("launch gateway")
		}
		defer func() { _ = l.Stop() }()
		cfg.ServerURL = info.URL

		mon := monitor.New(monitor.Config{
			BaseURL: fmt.Sprintf("http://127.0.0.1:%d", info.Port),
		}, func(ev monitor.StatusEvent) {
			logx.Log.Info().Str("gateway_state", string(ev.State)).Msg(ev.Message)
		}, func(attempt int) {
			restartGateway(ctx, l)
		})
		mon.NotifyStarting()
		mon.Start(ctx)
		defer mon.Stop()
		mon.NotifyStarted()
	}

	client, err := gwclient.New(cfg)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}
	for _, name := range strings.Split(*subscribe, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		event := name
		client.On(event, func(data json.RawMessage) {
			logx.Log.Info().Str("event", event).RawJSON("data", data).Msg("event")
		})
	}
	client.On(gwclient.EventError, func(data json.RawMessage) {
		logx.Log.Error().RawJSON("data", data).Msg("gateway error")
		stop()
	})

	if cfg.StatusAddr != "" {
		if addr, err := gwclient.StartStatusServer(ctx, cfg.StatusAddr, client); err == nil {
			logx.Log.Info().Str("addr", addr).Msg("status server listening")
		} else {
			logx.Log.Fatal().Err(err).Msg("start status server")
		}
	}
	if cfg.MetricsAddr != "" {
		if addr, err := gwclient.StartMetricsServer(ctx, cfg.MetricsAddr); err == nil {
			logx.Log.Info().Str("addr", addr).Msg("metrics server listening")
		} else {
			logx.Log.Fatal().Err(err).Msg("start metrics server")
		}
	}

	logx.Log.Info().Str("gateway", cfg.ServerURL).Str("client_id", cfg.ClientID).Msg("dialing gateway")
	if err := client.Dial(ctx); err != nil {
		logx.Log.Fatal().Err(err).Msg("dial gateway")
	}
	defer func() { _ = client.Close() }()

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout+cfg.RequestTimeout)
	err = client.WaitState(waitCtx, gwclient.StateConnected)
	cancel()
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("gateway handshake did not complete")
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	result, err := client.Request(reqCtx, "health", nil)
	cancel()
	if err != nil {
		logx.Log.Error().Err(err).Msg("health request failed")
	} else {
		logx.Log.Info().RawJSON("result", result).Msg("gateway healthy")
	}

	<-ctx.Done()
	logx.Log.Info().Msg("shutting down")
}

// restartGateway bounces the local gateway process after the monitor
// declares it unhealthy.
func restartGateway(ctx context.Context, l *launcher.Launcher) {
	_ = l.Stop()
	// Give the old listener a moment to release the port.
	time.Sleep(time.Second)
	if _, err := l.Start(ctx); err != nil {
		logx.Log.Error().Err(err).Msg("gateway restart failed")
	}
}
