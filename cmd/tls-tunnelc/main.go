// Command tls-tunnelc runs the reverse-tunnel client: it dials the server,
// authenticates, publishes the configured proxies and visitors, and serves
// traffic for the life of the connection, reconnecting on failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/varphone/tls-tunnel/internal/client"
	"github.com/varphone/tls-tunnel/internal/config"
	"github.com/varphone/tls-tunnel/internal/log"
	"github.com/varphone/tls-tunnel/internal/transport"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "config file path")
	showVersion := flag.Bool("version", false, "show version and exit")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tls-tunnelc v%s\n", version)
		return
	}

	if *configFile == "" {
		fmt.Println("usage: tls-tunnelc -config <file.yaml>")
		os.Exit(1)
	}

	log.SetVerbose(*verbose)

	cfg, err := config.LoadClientConfig(*configFile)
	if err != nil {
		log.L.WithError(err).Fatal("failed to load config")
	}

	tp, err := buildTransport(cfg)
	if err != nil {
		log.L.WithError(err).Fatal("failed to build transport")
	}

	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}

	c := client.New(tp, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.L.WithFields(log.Fields{"server": cfg.ServerAddr, "transport": cfg.Transport}).Info("tls-tunnelc starting")
	if err := c.Run(ctx); err != nil {
		log.L.WithError(err).Fatal("client exited")
	}
}

func buildTransport(cfg *config.ClientConfig) (transport.Transport, error) {
	opts := transport.Options{
		AuthKey:     cfg.AuthKey,
		SkipVerify:  cfg.SkipVerify,
		CACertFile:  cfg.CACertFile,
		ServerName:  cfg.ServerName,
		ServerPath:  cfg.ServerPath,
		DialTimeout: cfg.Pool.ConnectTimeout,
	}
	switch cfg.Transport {
	case config.TransportWebSocket:
		return transport.NewWebSocket(opts), nil
	default:
		return transport.NewTLS(opts), nil
	}
}
