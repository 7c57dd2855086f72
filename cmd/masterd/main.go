package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dpmaster-go/internal/config"
	"dpmaster-go/internal/eventloop"
	"dpmaster-go/internal/registry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var configFile string
	var addressMapFlags []string
	var nameserver string

	root := &cobra.Command{
		Use:   "masterd",
		Short: "UDP master-server registry for the DarkPlaces/Quake3 discovery protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := config.LoadFile(&cfg, configFile); err != nil {
					return err
				}
			}
			for _, raw := range addressMapFlags {
				spec, err := parseAddressMapFlag(raw)
				if err != nil {
					return err
				}
				cfg.AddressMaps = append(cfg.AddressMaps, spec)
			}
			return run(cmd.Context(), cfg, nameserver)
		},
	}

	flags := root.Flags()
	flags.UintVar(&cfg.HashBits, "hash-bits", cfg.HashBits, "server hash table size, as 2^h buckets per address family (0..8)")
	flags.IntVar(&cfg.MaxServers, "max-servers", cfg.MaxServers, "total registry capacity")
	flags.IntVar(&cfg.MaxPerAddress, "max-per-address", cfg.MaxPerAddress, "max entries sharing one IP (0 = unlimited)")
	flags.StringSliceVar(&cfg.ListenAddresses, "listen", cfg.ListenAddresses, "local socket(s) to bind (can be specified multiple times)")
	flags.Uint16Var(&cfg.DefaultPort, "default-port", cfg.DefaultPort, "fallback port for listen addresses that omit one")
	flags.BoolVar(&cfg.AllowLoopback, "allow-loopback", cfg.AllowLoopback, "bypass the loopback-source admission rule")
	flags.StringArrayVar(&addressMapFlags, "address-map", nil, "address rewrite rule, from=to (can be specified multiple times)")
	flags.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "bind address for the /metrics HTTP endpoint (empty disables it)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug/info/warn/error")
	flags.StringVar(&configFile, "config", "", "optional YAML config file")
	flags.StringVar(&nameserver, "nameserver", "", "DNS server (host:port) used to resolve hostname address-map literals; empty uses /etc/resolv.conf")

	root.AddCommand(newStatusCmd())
	return root
}

func parseAddressMapFlag(raw string) (config.AddressMapSpec, error) {
	for i := 0; i < len(raw); i++ {
		if raw[i] == '=' {
			return config.AddressMapSpec{From: raw[:i], To: raw[i+1:]}, nil
		}
	}
	return config.AddressMapSpec{}, fmt.Errorf("--address-map expects from=to, got %q", raw)
}

// newStatusCmd is a CLI convenience, not part of the wire protocol.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "print a usage hint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), "masterd: run the daemon with no subcommand to serve the registry")
			return nil
		},
	}
}

func setupLogger(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	switch level {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}
	log.Logger = logger
	return logger
}

func run(ctx context.Context, cfg config.Config, nameserver string) error {
	logger := setupLogger(cfg.LogLevel)

	addrMap := registry.NewAddressMap(logger)
	resolved, err := config.ResolveAddressMaps(cfg.AddressMaps, new(dns.Client), nameserver, logger)
	if err != nil {
		return fmt.Errorf("masterd: %w", err)
	}
	for _, rule := range resolved {
		if err := addrMap.AddRule(registry.MappingRule{
			FromAddr: rule.FromAddr,
			FromPort: rule.FromPort,
			ToAddr:   rule.ToAddr,
			ToPort:   rule.ToPort,
		}); err != nil {
			return fmt.Errorf("masterd: %w", err)
		}
	}
	addrMap.Freeze()

	table := registry.NewServerTable(registry.ServerTableConfig{
		MaxServers:    cfg.MaxServers,
		HashBits:      cfg.HashBits,
		MaxPerAddress: cfg.MaxPerAddress,
		AllowLoopback: cfg.AllowLoopback,
	}, addrMap)

	promReg := prometheus.NewRegistry()
	metrics := registry.NewMetrics(promReg)
	reg := registry.NewRegistry(table, addrMap, metrics, logger)

	conns, err := bindListeners(cfg.ListenAddresses, cfg.DefaultPort)
	if err != nil {
		return fmt.Errorf("masterd: %w", err)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, promReg, logger)
	}

	loop := eventloop.NewLoop(conns, reg, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().Int("sockets", len(conns)).Int("max_servers", cfg.MaxServers).Msg("masterd listening")
	return loop.Run(ctx)
}

// bindListeners binds one UDP socket per configured address. A bare port
// with no host (the default configuration's ":27950") is a wildcard and
// gets two sockets, one udp4 and one udp6, so the daemon listens on both
// families out of the box rather than silently picking just one. An
// explicit host binds a single socket in the family that host belongs to.
// IPv6 sockets are always V6-only, so the address family stored per entry
// stays unambiguous.
func bindListeners(addrs []string, defaultPort uint16) ([]*net.UDPConn, error) {
	if len(addrs) == 0 {
		addrs = []string{fmt.Sprintf(":%d", defaultPort)}
	}

	var conns []*net.UDPConn
	closeAll := func() {
		for _, c := range conns {
			c.Close()
		}
	}

	for _, a := range addrs {
		addr := a
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			addr = fmt.Sprintf("%s:%d", addr, defaultPort)
			host, _, err = net.SplitHostPort(addr)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("parse listen address %q: %w", a, err)
			}
		}

		if host == "" {
			for _, network := range []string{"udp4", "udp6"} {
				udpAddr, err := net.ResolveUDPAddr(network, addr)
				if err != nil {
					closeAll()
					return nil, fmt.Errorf("resolve listen address %q: %w", addr, err)
				}
				conn, err := net.ListenUDP(network, udpAddr)
				if err != nil {
					closeAll()
					return nil, fmt.Errorf("listen on %q (%s): %w", addr, network, err)
				}
				conns = append(conns, conn)
			}
			continue
		}

		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("resolve listen address %q: %w", addr, err)
		}

		network := "udp4"
		if udpAddr.IP.To4() == nil {
			network = "udp6"
		}

		conn, err := net.ListenUDP(network, udpAddr)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("listen on %q: %w", addr, err)
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info().Str("addr", addr).Msg("serving /metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}
