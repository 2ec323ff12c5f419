package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"golang.org/x/net/netutil"

	"github.com/bringyour/docsync/collab"
)

const CollabdVersion = "0.0.1"

const MdnsService = "_collab._tcp"

func main() {
	usage := `Collaboration server.

Stores:
    memory              transaction logs in memory
    badger:<dir>        transaction logs in an embedded database
    postgres:<url>      transaction logs in postgres

Usage:
    collabd [--config=<config>] [--addr=<addr>] [--root=<root>] [--store=<store>]
        [--jwt_secret=<jwt_secret> | --allow_all]
        [--save_delay=<save_delay>] [--cleanup_delay=<cleanup_delay>]
        [--admin_addr=<admin_addr>] [--max_conns=<max_conns>]
        [--mdns] [--verbosity=<level>]
    collabd -h | --help
    collabd --version

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --config=<config>                JWCC settings file.
    --addr=<addr>                    Listen address [default: :8080].
    --root=<root>                    Document root directory [default: .].
    --store=<store>                  Transaction log store [default: memory].
    --jwt_secret=<jwt_secret>        HMAC secret for client tokens.
    --allow_all                      Accept every connection without a token.
    --save_delay=<save_delay>        Override the save debounce, e.g. 500ms.
    --cleanup_delay=<cleanup_delay>  Override the empty room cleanup delay.
    --admin_addr=<admin_addr>        Operator api listen address, e.g. 127.0.0.1:8081.
    --max_conns=<max_conns>          Maximum concurrent connections [default: 4096].
    --mdns                           Advertise the server on the local network.
    --verbosity=<level>              glog verbosity [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabdVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)

	settings, err := loadSettings(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid settings (%s).\n", err)
		os.Exit(1)
	}

	app := fx.New(
		fx.NopLogger,
		fx.Supply(opts, settings),
		fx.Provide(
			newPrometheusRegistry,
			newMetrics,
			newStorage,
			newTransactionStore,
			newPermission,
			newRegistry,
			newLegacyRegistry,
			newServer,
			newAdmin,
		),
		fx.Invoke(runHttpServer),
		fx.Invoke(runAdminServer),
		fx.Invoke(advertise),
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		glog.Errorf("[collabd]start error = %s\n", err)
		glog.Flush()
		os.Exit(1)
	}

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer signalCancel()
	select {
	case <-signalCtx.Done():
	case <-app.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		glog.Errorf("[collabd]stop error = %s\n", err)
	}
	glog.Flush()
}

func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	if level, err := opts.String("--verbosity"); err == nil {
		flag.Set("v", level)
	}
}

func loadSettings(opts docopt.Opts) (*collab.Settings, error) {
	settings := collab.DefaultSettings()
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		fileSettings, err := collab.LoadSettingsFile(configPath)
		if err != nil {
			return nil, err
		}
		settings = fileSettings
	}
	if saveDelayStr, err := opts.String("--save_delay"); err == nil && saveDelayStr != "" {
		saveDelay, err := time.ParseDuration(saveDelayStr)
		if err != nil {
			return nil, fmt.Errorf("--save_delay: %w", err)
		}
		settings.SaveDelay = saveDelay
	}
	if cleanupDelayStr, err := opts.String("--cleanup_delay"); err == nil && cleanupDelayStr != "" {
		cleanupDelay, err := time.ParseDuration(cleanupDelayStr)
		if err != nil {
			return nil, fmt.Errorf("--cleanup_delay: %w", err)
		}
		settings.CleanupDelay = cleanupDelay
	}
	return settings, nil
}

func newPrometheusRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func newMetrics(registry *prometheus.Registry) *collab.Metrics {
	return collab.NewMetrics(registry)
}

func newStorage(opts docopt.Opts) (collab.Storage, error) {
	root, _ := opts.String("--root")
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("Document root is not a directory: %s", root)
	}
	return collab.NewFileStorage(root), nil
}

func newTransactionStore(lc fx.Lifecycle, opts docopt.Opts) (collab.TransactionStore, error) {
	storeSpec, _ := opts.String("--store")

	var store collab.TransactionStore
	switch {
	case storeSpec == "memory":
		store = collab.NewMemoryTransactionStore()
	case strings.HasPrefix(storeSpec, "badger:"):
		badgerStore, err := collab.OpenBadgerTransactionStore(strings.TrimPrefix(storeSpec, "badger:"))
		if err != nil {
			return nil, err
		}
		store = badgerStore
	case strings.HasPrefix(storeSpec, "postgres:"):
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		postgresStore, err := collab.OpenPostgresTransactionStore(ctx, strings.TrimPrefix(storeSpec, "postgres:"))
		if err != nil {
			return nil, err
		}
		store = postgresStore
	default:
		return nil, fmt.Errorf("Unknown store: %s", storeSpec)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newPermission(opts docopt.Opts) (collab.Permission, error) {
	if allowAll, _ := opts.Bool("--allow_all"); allowAll {
		glog.Infof("[collabd]accepting all connections without a token\n")
		return collab.AllowAll(), nil
	}
	secret, _ := opts.String("--jwt_secret")
	if secret == "" {
		secret = os.Getenv("COLLAB_JWT_SECRET")
	}
	if secret == "" {
		return nil, errors.New("--jwt_secret, COLLAB_JWT_SECRET or --allow_all is required")
	}
	return collab.NewJwtPermission([]byte(secret)), nil
}

func newRegistry(
	lc fx.Lifecycle,
	storage collab.Storage,
	settings *collab.Settings,
	metrics *collab.Metrics,
) *collab.Registry {
	registry := collab.NewRegistry(context.Background(), storage, settings, metrics)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			// flushes dirty documents
			return registry.Close(ctx)
		},
	})
	return registry
}

func newLegacyRegistry(
	lc fx.Lifecycle,
	store collab.TransactionStore,
	settings *collab.Settings,
	metrics *collab.Metrics,
) *collab.LegacyRegistry {
	legacyRegistry := collab.NewLegacyRegistry(context.Background(), store, settings, metrics)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			legacyRegistry.Close()
			return nil
		},
	})
	return legacyRegistry
}

func newServer(
	lc fx.Lifecycle,
	registry *collab.Registry,
	legacyRegistry *collab.LegacyRegistry,
	permission collab.Permission,
	settings *collab.Settings,
	prometheusRegistry *prometheus.Registry,
) *collab.Server {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			// closes the sessions before the registries flush
			cancel()
			return nil
		},
	})
	return collab.NewServer(
		ctx,
		registry,
		legacyRegistry,
		permission,
		settings,
		prometheusRegistry,
	)
}

func runHttpServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, opts docopt.Opts, server *collab.Server) error {
	addr, _ := opts.String("--addr")
	maxConnsStr, _ := opts.String("--max_conns")
	maxConns, err := strconv.Atoi(maxConnsStr)
	if err != nil {
		return fmt.Errorf("--max_conns: %w", err)
	}
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			if 0 < maxConns {
				listener = netutil.LimitListener(listener, maxConns)
			}
			fmt.Printf("collabd %s on %s\n", CollabdVersion, listener.Addr())
			go func() {
				if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					glog.Infof("[collabd]serve error = %s\n", err)
					shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// hijacked websocket connections are not tracked by the http server.
			// They end when the registries close.
			return httpServer.Shutdown(ctx)
		},
	})
	return nil
}

func newAdmin(registry *collab.Registry, legacyRegistry *collab.LegacyRegistry) *collab.Admin {
	return collab.NewAdmin(registry, legacyRegistry)
}

func runAdminServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, opts docopt.Opts, admin *collab.Admin) {
	adminAddr, _ := opts.String("--admin_addr")
	if adminAddr == "" {
		return
	}
	adminServer := &http.Server{
		Addr:    adminAddr,
		Handler: admin,
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			listener, err := net.Listen("tcp", adminAddr)
			if err != nil {
				return err
			}
			glog.V(1).Infof("[collabd]admin on %s\n", listener.Addr())
			go func() {
				if err := adminServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					glog.Infof("[collabd]admin serve error = %s\n", err)
					shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return adminServer.Shutdown(ctx)
		},
	})
}

func advertise(lc fx.Lifecycle, opts docopt.Opts) {
	if mdns, _ := opts.Bool("--mdns"); !mdns {
		return
	}
	addr, _ := opts.String("--addr")
	var mdnsServer *zeroconf.Server
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, portStr, err := net.SplitHostPort(addr)
			if err != nil {
				return err
			}
			port, err := net.LookupPort("tcp", portStr)
			if err != nil {
				return err
			}
			host, _ := os.Hostname()
			mdnsServer, err = zeroconf.Register(
				fmt.Sprintf("collabd-%s", host),
				MdnsService,
				"local.",
				port,
				[]string{fmt.Sprintf("version=%s", CollabdVersion)},
				nil,
			)
			if err != nil {
				return err
			}
			glog.V(1).Infof("[collabd]advertising %s on port %d\n", MdnsService, port)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if mdnsServer != nil {
				mdnsServer.Shutdown()
			}
			return nil
		},
	})
}
