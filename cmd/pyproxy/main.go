// Command pyproxy runs a local SOCKS5 ingress that relays connections to a
// remote Trojan server over TLS, or dials them directly, per routing rules.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pyproxy/config"
	"pyproxy/heartbeat"
	"pyproxy/logger"
	"pyproxy/router"
	"pyproxy/socks5"
	"pyproxy/trojan"
)

const version = "1.0.0"

const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	showVersion := flag.Bool("version", false, "print version and exit")
	initConfig := flag.Bool("init", false, "write a starter config file at --config and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("pyproxy " + version)
		os.Exit(0)
	}

	if *initConfig {
		if err := scaffoldConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "pyproxy: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote starter config to %s\n", *configPath)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "pyproxy: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}

	logCfg := logger.Configuration{
		Level:   level,
		Console: true,
	}
	if cfg.Log.File != "" {
		logCfg.File = true
		logCfg.FilePath = cfg.Log.File
		logCfg.Rotation = logger.RotationConfig{
			MaxSize:    50,
			MaxAge:     7,
			MaxBackups: 10,
			LocalTime:  true,
		}
		if dir := filepath.Dir(cfg.Log.File); dir != "" {
			_ = os.MkdirAll(dir, 0755)
		}
	}
	log := logger.NewLoggerWithConfig(logCfg)
	defer log.Close()

	log.WithFields("starting pyproxy", logger.Fields{
		"version": version,
		"config":  configPath,
		"upstream": fmt.Sprintf("%s:%d", cfg.Trojan.Server, cfg.Trojan.Port),
		"listen":   fmt.Sprintf("%s:%d", cfg.Local.Listen, cfg.Local.Port),
	})

	upstream := trojan.UpstreamConfig{
		Server:       cfg.Trojan.Server,
		Port:         cfg.Trojan.Port,
		PasswordHash: cfg.Trojan.PasswordHash,
		SNI:          cfg.Trojan.SNI,
		VerifySSL:    cfg.Trojan.VerifySSL,
	}

	dialer := trojan.NewDialer(upstream, log)
	r := router.New(router.Rules{
		DirectDomains: cfg.Routing.DirectDomains,
		ProxyDomains:  cfg.Routing.ProxyDomains,
	}, log)

	server := socks5.New(cfg, r, dialer, log)
	prober := heartbeat.New(upstream, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prober.Start(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.WithFields("shutdown signal received", logger.Fields{"signal": sig.String()})
	case err := <-serveErr:
		if err != nil {
			log.ErrorWithFields("listener stopped unexpectedly", logger.Fields{"error": err.Error()})
			cancel()
			prober.Stop()
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	cancel()
	_ = server.Close()
	prober.Stop()

	select {
	case <-serveErr:
	case <-shutdownCtx.Done():
		log.WarnWithFields("shutdown grace period exceeded", logger.Fields{})
	}

	log.WithFields("pyproxy exited", logger.Fields{})
	return nil
}
