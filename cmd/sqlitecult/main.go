// Package main implements the sqlitecult server: the browser UI, the JSON
// API and the optional gRPC rows service over one folder of SQLite files.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/sqlitecult/sqlitecult/internal/app"
	"github.com/sqlitecult/sqlitecult/internal/config"
	"github.com/sqlitecult/sqlitecult/internal/observability"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		envFile     string
		dataDir     string
		dbDir       string
		httpAddr    string
		grpcAddr    string
		enableGRPC  bool
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for data files")
	flag.StringVar(&dbDir, "db-dir", "", "Folder holding the SQLite databases (default <data-dir>/databases)")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	flag.BoolVar(&enableGRPC, "grpc", false, "Enable the gRPC rows service")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "SQLiteCult - a web browser for a folder of SQLite databases\n\n")
		fmt.Fprintf(os.Stderr, "Usage: sqlitecult [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  sqlitecult --db-dir ./databases\n")
		fmt.Fprintf(os.Stderr, "  sqlitecult --config /etc/sqlitecult/config.yaml --grpc\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  SQLITECULT_DATA_DIR         Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  SQLITECULT_DATABASE_DIR     Folder holding the databases\n")
		fmt.Fprintf(os.Stderr, "  SQLITECULT_HTTP_ADDR        HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  SQLITECULT_JWT_SECRET       Secret for API tokens\n")
		fmt.Fprintf(os.Stderr, "  SQLITECULT_STORAGE_TYPE     Export storage (local, s3)\n")
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("sqlitecult version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// A missing dotenv file is not an error.
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envFile, err)
			os.Exit(1)
		}
	}

	cfg, err := loadConfig(configFile, dataDir, dbDir, httpAddr, grpcAddr, enableGRPC)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to create application")
	}
	printBanner(logger, cfg)

	if err := application.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start application")
	}
	if err := application.WaitForShutdown(ctx); err != nil {
		logger.WithError(err).Error("shutdown error")
		os.Exit(1)
	}
}

// loadConfig layers defaults or the config file, then the environment,
// then command line flags.
func loadConfig(configFile, dataDir, dbDir, httpAddr, grpcAddr string, enableGRPC bool) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if dbDir != "" {
		cfg.Database.Dir = dbDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	if enableGRPC {
		cfg.GRPC.Enabled = true
	}
	return cfg, nil
}

func printBanner(logger logrus.FieldLogger, cfg *config.Config) {
	fields := logrus.Fields{
		"version":   version,
		"databases": cfg.Database.Dir,
		"driver":    cfg.Database.Driver,
		"http":      cfg.HTTP.Addr,
		"storage":   cfg.Storage.Type,
		"api":       cfg.APIEnabled(),
	}
	if cfg.GRPC.Enabled {
		fields["grpc"] = cfg.GRPC.Addr
	}
	logger.WithFields(fields).Info("SQLiteCult configuration")
}
