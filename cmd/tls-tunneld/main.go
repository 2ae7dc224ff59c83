// Command tls-tunneld runs the reverse-tunnel server: it accepts client
// control connections, authenticates them, and binds the public listeners
// each authenticated client publishes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/varphone/tls-tunnel/internal/config"
	"github.com/varphone/tls-tunnel/internal/log"
	"github.com/varphone/tls-tunnel/internal/server"
	"github.com/varphone/tls-tunnel/internal/transport"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "config file path")
	showVersion := flag.Bool("version", false, "show version and exit")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tls-tunneld v%s\n", version)
		return
	}

	if *configFile == "" {
		fmt.Println("usage: tls-tunneld -config <file.yaml>")
		os.Exit(1)
	}

	log.SetVerbose(*verbose)

	cfg, err := config.LoadServerConfig(*configFile)
	if err != nil {
		log.L.WithError(err).Fatal("failed to load config")
	}

	tp, err := buildTransport(cfg)
	if err != nil {
		log.L.WithError(err).Fatal("failed to build transport")
	}

	srvCfg := server.DefaultConfig()
	srvCfg.AuthKey = cfg.AuthKey
	srvCfg.BindPort = parsePort(cfg.BindAddr)
	if cfg.AuthTimeout > 0 {
		srvCfg.AuthTimeout = cfg.AuthTimeout
	}
	if cfg.IdleTimeout > 0 {
		srvCfg.IdleTimeout = cfg.IdleTimeout
	}
	if cfg.StatsInterval > 0 {
		srvCfg.StatsInterval = cfg.StatsInterval
	}

	srv := server.New(tp, cfg.BindAddr, srvCfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.L.WithFields(log.Fields{"addr": cfg.BindAddr, "transport": cfg.Transport}).Info("tls-tunneld starting")
	if err := srv.Run(ctx); err != nil {
		log.L.WithError(err).Fatal("server exited")
	}
}

func buildTransport(cfg *config.ServerConfig) (transport.Transport, error) {
	opts := transport.Options{
		CertFile:    cfg.CertFile,
		KeyFile:     cfg.KeyFile,
		BehindProxy: cfg.BehindProxy,
		ServerPath:  cfg.ServerPath,
	}
	switch cfg.Transport {
	case config.TransportWebSocket:
		return transport.NewWebSocket(opts), nil
	default:
		return transport.NewTLS(opts), nil
	}
}

func parsePort(bindAddr string) uint16 {
	var port uint16
	for i := len(bindAddr) - 1; i >= 0; i-- {
		if bindAddr[i] == ':' {
			_, _ = fmt.Sscanf(bindAddr[i+1:], "%d", &port)
			break
		}
	}
	return port
}
