package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/lattechat/latte/pkg/auth"
	"github.com/lattechat/latte/pkg/logging"
	"github.com/lattechat/latte/pkg/server"
	"github.com/lattechat/latte/pkg/version"
)

func main() {
	// A .env in the working directory can seed LATTE_* variables in
	// deployments; absence is not an error.
	_ = godotenv.Load()

	cfg := server.DefaultConfig()

	configFile := flag.String("config", envOr("LATTE_CONFIG", ""), "YAML config file (flags override it)")
	flag.StringVar(&cfg.MessageAddr, "message", envOr("LATTE_MESSAGE_ADDR", cfg.MessageAddr), "TCP bind address of the message channel")
	flag.StringVar(&cfg.FileAddr, "file", envOr("LATTE_FILE_ADDR", cfg.FileAddr), "TCP bind address of the file relay channel")
	flag.StringVar(&cfg.MetricsAddr, "metrics", envOr("LATTE_METRICS_ADDR", cfg.MetricsAddr), "HTTP bind address for Prometheus /metrics (empty to disable)")
	flag.StringVar(&cfg.CredentialsDB, "credentials-db", envOr("LATTE_CREDENTIALS_DB", ""), "SQLite credentials database (empty = built-in set)")
	flag.StringVar(&cfg.CredentialsFile, "credentials-file", envOr("LATTE_CREDENTIALS_FILE", ""), "YAML credentials file to import on startup")

	logLevel := flag.String("log-level", envOr("LATTE_LOG_LEVEL", "info"), "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", envOr("LATTE_LOG_FORMAT", "text"), "Log format: text or json")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if *configFile != "" {
		loaded, err := server.LoadConfig(*configFile)
		if err != nil {
			slog.Error("load config", "err", err)
			os.Exit(1)
		}
		// Flags set explicitly on the command line win over the file.
		cfg = mergeFlags(loaded, cfg)
	}

	creds, closeStore, err := openCredentials(cfg)
	if err != nil {
		slog.Error("open credential store", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	slog.Info("starting Latte server", "version", version.String())

	srv := server.New(cfg, server.Dependencies{Creds: creds})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// openCredentials wires the credential store: SQLite when configured,
// the built-in static set otherwise, with an optional YAML import.
func openCredentials(cfg server.Config) (auth.Store, func(), error) {
	if cfg.CredentialsDB != "" {
		store, err := auth.OpenSQLStore(cfg.CredentialsDB)
		if err != nil {
			return nil, nil, err
		}
		if cfg.CredentialsFile != "" {
			n, err := auth.LoadCredentialsYAML(cfg.CredentialsFile, store)
			if err != nil {
				_ = store.Close()
				return nil, nil, err
			}
			slog.Info("imported credentials", "count", n, "file", cfg.CredentialsFile)
		}
		return store, func() { _ = store.Close() }, nil
	}

	store := auth.NewStaticStore(auth.DefaultCredentials)
	if cfg.CredentialsFile != "" {
		n, err := auth.LoadCredentialsYAML(cfg.CredentialsFile, store)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("imported credentials", "count", n, "file", cfg.CredentialsFile)
	}
	return store, func() {}, nil
}

// mergeFlags overlays values the user set on the command line onto a
// file-loaded config.
func mergeFlags(fileCfg, flagCfg server.Config) server.Config {
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["message"] {
		fileCfg.MessageAddr = flagCfg.MessageAddr
	}
	if set["file"] {
		fileCfg.FileAddr = flagCfg.FileAddr
	}
	if set["metrics"] {
		fileCfg.MetricsAddr = flagCfg.MetricsAddr
	}
	if set["credentials-db"] {
		fileCfg.CredentialsDB = flagCfg.CredentialsDB
	}
	if set["credentials-file"] {
		fileCfg.CredentialsFile = flagCfg.CredentialsFile
	}
	return fileCfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
