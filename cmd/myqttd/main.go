package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/myqtt/myqtt/broker"
	"github.com/myqtt/myqtt/config"
	"github.com/myqtt/myqtt/network"
	"github.com/myqtt/myqtt/pkg/logger"
	"github.com/myqtt/myqtt/session"
)

func main() {
	configPath := flag.String("config", "myqtt.yaml", "path to the broker configuration file")
	metricsAddr := flag.String("metrics", "", "expose Prometheus metrics on this address (e.g. :9344)")
	flag.Parse()

	log := logger.Default()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	brokerCfg, err := buildBrokerConfig(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	stats := broker.NewStats(registry)

	b, err := broker.New(brokerCfg, log, stats)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error("metrics endpoint", "err", err)
			}
		}()
	}

	if err := b.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	b.Shutdown()
}

// buildBrokerConfig maps the file configuration onto the engine's types.
func buildBrokerConfig(cfg *config.Config) (*broker.Config, error) {
	out := &broker.Config{
		SettingsBundles: make(map[string]*broker.Settings),
	}

	for name, s := range cfg.Settings {
		out.SettingsBundles[name] = &broker.Settings{
			Name:                   name,
			RequireAuth:            s.RequireAuth,
			RestrictIDs:            s.RestrictIDs,
			DropConnSameClientID:   s.DropConnSameClientID,
			DisableWildcardSupport: s.DisableWildcardSupport,
			ConnLimit:              s.ConnLimit,
			MessageSizeLimit:       s.MessageSizeLimit,
			StorageMessagesLimit:   s.StorageMessagesLimit,
			StorageQuotaLimit:      s.StorageQuotaLimit,
			MonthMessageQuota:      s.MonthMessageQuota,
			DayMessageQuota:        s.DayMessageQuota,
		}
	}

	for _, l := range cfg.Listeners {
		switch l.Protocol {
		case "mqtt-ws":
			out.WSListeners = append(out.WSListeners, broker.WSListenerConfig{
				Addr: l.Addr(),
				Path: l.Path,
			})
		case "mqtt-tls":
			out.Listeners = append(out.Listeners, &network.ListenerConfig{
				Address: l.Addr(),
				TLS: &network.TLSConfig{
					CertFile: l.CertFile,
					KeyFile:  l.KeyFile,
					CAFile:   l.CAFile,
				},
			})
		default:
			out.Listeners = append(out.Listeners, &network.ListenerConfig{
				Address: l.Addr(),
			})
		}
	}

	for _, d := range cfg.Domains {
		active := true
		if d.IsActive != nil {
			active = *d.IsActive
		}

		store, err := buildSessionStore(d.Persistence)
		if err != nil {
			return nil, fmt.Errorf("domain %s: %w", d.Name, err)
		}

		out.Domains = append(out.Domains, broker.DomainConfig{
			Name:             d.Name,
			StorageDir:       d.StorageDir,
			UsersDB:          d.UsersDB,
			UseSettings:      d.UseSettings,
			IsActive:         active,
			AnonymousDefault: d.AnonymousDefault,
			VirtualHosts:     d.VirtualHosts,
			SessionStore:     store,
		})
	}

	return out, nil
}

func buildSessionStore(p config.Persistence) (session.Store, error) {
	switch p.Type {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "pebble":
		return session.NewPebbleStore(session.PebbleStoreConfig{Path: p.Path})
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{
			Addr:     p.Addr,
			Password: p.Password,
			DB:       p.DB,
		})
	default:
		return nil, fmt.Errorf("unknown persistence type %q", p.Type)
	}
}
