// wsmux-tail subscribes to one or more channels and prints delivered
// events to the console.
//
// Usage:
//
//	wsmux-tail --endpoint wss://feed.example.com/ws --channel trades --channel ticker
//	wsmux-tail --config configs/wsmux.yaml --types trade --verbose
//
// Without --endpoint the subscriptions list of the config file is used.
// The token is read from WSMUX_AUTH_TOKEN (or a .env file) when not set
// in the config.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/rickgao/wsmux/internal/auth"
	"github.com/rickgao/wsmux/internal/config"
	"github.com/rickgao/wsmux/internal/connection"
	"github.com/rickgao/wsmux/internal/mux"
	"github.com/rickgao/wsmux/internal/status"
	"github.com/rickgao/wsmux/internal/version"
)

func main() {
	configPath := flag.StringP("config", "c", "", "path to config file (optional)")
	endpoint := flag.StringP("endpoint", "e", "", "WebSocket URL to subscribe on")
	channels := flag.StringSlice("channel", nil, "channel to subscribe to (repeatable)")
	types := flag.StringSlice("types", nil, "only print events of these types")
	codec := flag.String("codec", "", "wire codec: json or cbor")
	verbose := flag.BoolP("verbose", "v", false, "print full event payloads")
	envFile := flag.String("env-file", ".env", "dotenv file to load if present")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *codec != "" {
		cfg.Connection.Codec = *codec
	}

	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	subs, err := subscriptions(cfg, *endpoint, *channels, *types)
	if err != nil {
		logger.Error("invalid arguments", "error", err)
		os.Exit(2)
	}

	creds, err := auth.LoadCredentials(cfg.Auth.Token, cfg.Auth.TokenFile)
	if err != nil {
		logger.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}
	if creds != nil {
		creds.Scheme = cfg.Auth.Scheme
		creds.HeaderName = cfg.Auth.Header
	}
	header := creds.Header()
	header.Set("User-Agent", version.UserAgent())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	observer := status.NewObserver(logger)
	registry := connection.NewRegistry(cfg.RegistryConfig(header), observer, logger)
	m := mux.New(cfg.MuxConfig(), registry, observer, logger)

	var out sync.Mutex
	printEvent := func(ev mux.Event) {
		line := formatEvent(ev, *verbose)
		out.Lock()
		fmt.Println(line)
		out.Unlock()
	}

	watched := make(map[string]bool)
	for _, sub := range subs {
		connOpts := sub.Options(cfg.Connection)
		if key := connection.EndpointKey(sub.Endpoint, connOpts); !watched[key] {
			watched[key] = true
			stopWatch := m.OnConnectionStatus(key, func(tr status.Transition) {
				attrs := []any{"endpoint", tr.Key, "status", tr.Status}
				if tr.Attempt > 0 {
					attrs = append(attrs, "attempt", tr.Attempt)
				}
				if tr.Err != nil {
					attrs = append(attrs, "error", tr.Err)
				}
				logger.Info("connection status", attrs...)
			})
			defer stopWatch()
		}

		opts := []mux.SubscribeOption{
			mux.WithOptions(connOpts),
			mux.WithConnectionLost(func(err error) {
				logger.Error("connection lost", "channel", sub.Channel, "error", err)
				cancel()
			}),
			mux.WithErrorHandler(func(err error) {
				logger.Error("subscription dropped", "channel", sub.Channel, "error", err)
			}),
		}
		if len(sub.Types) > 0 {
			opts = append(opts, mux.WithFilter(sub.Types...))
		}

		unsub, err := m.Subscribe(ctx, sub.Endpoint, sub.Channel, printEvent, opts...)
		if err != nil {
			logger.Error("subscribe failed", "endpoint", sub.Endpoint, "channel", sub.Channel, "error", err)
			closeMux(m, logger)
			os.Exit(1)
		}
		defer unsub()
		logger.Info("subscribed", "endpoint", sub.Endpoint, "channel", sub.Channel)
	}

	logger.Info("streaming - press Ctrl+C to stop")
	<-ctx.Done()

	closeMux(m, logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, err
		}
		return cfg, cfg.Validate()
	}
	return config.LoadAndValidate(path)
}

// subscriptions resolves what to subscribe to. Flags win over the config
// file's subscriptions list.
func subscriptions(cfg *config.Config, endpoint string, channels, types []string) ([]config.SubscriptionConfig, error) {
	if endpoint == "" {
		if len(channels) > 0 {
			return nil, errors.New("--channel requires --endpoint")
		}
		if len(cfg.Subscriptions) == 0 {
			return nil, errors.New("no subscriptions: pass --endpoint and --channel or use a config file")
		}
		subs := make([]config.SubscriptionConfig, len(cfg.Subscriptions))
		copy(subs, cfg.Subscriptions)
		if len(types) > 0 {
			for i := range subs {
				subs[i].Types = types
			}
		}
		return subs, nil
	}

	if len(channels) == 0 {
		return nil, errors.New("--endpoint requires at least one --channel")
	}
	subs := make([]config.SubscriptionConfig, 0, len(channels))
	for _, ch := range channels {
		subs = append(subs, config.SubscriptionConfig{Endpoint: endpoint, Channel: ch, Types: types})
	}
	return subs, nil
}

func formatEvent(ev mux.Event, verbose bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]", ev.ReceivedAt.Format(time.TimeOnly), ev.Channel)
	if ev.Type != "" {
		fmt.Fprintf(&b, " type=%s", ev.Type)
	}
	if ev.EventID != "" {
		fmt.Fprintf(&b, " id=%s", ev.EventID)
	}
	if ev.Seq != 0 {
		fmt.Fprintf(&b, " seq=%d", ev.Seq)
	}

	if !verbose {
		fmt.Fprintf(&b, " bytes=%d", len(ev.Payload.Bytes()))
		return b.String()
	}

	var v any
	if err := ev.Payload.Decode(&v); err != nil {
		fmt.Fprintf(&b, " payload_error=%q", err)
		return b.String()
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(&b, " payload=%v", v)
		return b.String()
	}
	b.WriteString("\n")
	b.Write(bytes.TrimSpace(data))
	return b.String()
}

func closeMux(m *mux.Mux, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}
