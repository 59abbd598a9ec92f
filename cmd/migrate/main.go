// Command migrate applies the database schema.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cfdisync/backend/internal/infrastructure/config"
	"github.com/cfdisync/backend/internal/infrastructure/logger"
	"github.com/cfdisync/backend/internal/infrastructure/migration"
	"github.com/cfdisync/backend/migrations"
)

func main() {
	var dir, logLevel string
	flag.StringVar(&dir, "dir", "", "read migrations from this directory instead of the embedded set")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	log, err := logger.New(logger.Config{Level: logLevel, Format: "console", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(args, dir, log); err != nil {
		log.Fatal("migrate failed", zap.String("command", args[0]), zap.Error(err))
	}
}

func run(args []string, dir string, log *zap.Logger) error {
	switch args[0] {
	case "create":
		if len(args) < 2 {
			return fmt.Errorf("usage: migrate -dir migrations create <name>")
		}
		if dir == "" {
			dir = "migrations"
		}
		path, err := migration.Create(dir, args[1])
		if err != nil {
			return err
		}
		log.Info("migration created", zap.String("up_file", path))
		return nil
	case "list":
		entries, err := migration.List(migrations.FS)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Printf("%06d  %s\n", e.Version, e.Name)
		}
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	m, closeDB, err := open(cfg, dir, log)
	if err != nil {
		return err
	}
	defer closeDB()
	defer func() { _ = m.Close() }()

	switch args[0] {
	case "up":
		return m.Up()
	case "down":
		return m.Down()
	case "step", "goto", "force":
		if len(args) < 2 {
			return fmt.Errorf("%s needs a number", args[0])
		}
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", args[1], err)
		}
		switch args[0] {
		case "step":
			return m.Steps(n)
		case "goto":
			if n < 0 {
				return fmt.Errorf("version must be positive")
			}
			return m.GoTo(uint(n))
		default:
			return m.Force(n)
		}
	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version %d dirty=%t\n", v, dirty)
		return nil
	}
	printUsage()
	return fmt.Errorf("unknown command %q", args[0])
}

func open(cfg *config.Config, dir string, log *zap.Logger) (*migration.Migrator, func(), error) {
	if dir != "" {
		m, err := migration.NewFromDir(cfg.Database.DSN(), dir, log)
		return m, func() {}, err
	}
	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	m, err := migration.New(db, log)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return m, func() { _ = db.Close() }, nil
}

func printUsage() {
	fmt.Fprint(os.Stderr, `usage: migrate [flags] <command> [arg]

commands:
  up            apply all pending migrations
  down          roll back all migrations
  step <n>      apply n migrations (negative rolls back)
  goto <v>      migrate to version v
  version       print the applied version
  force <v>     mark version v as applied (fixes a dirty state)
  list          list embedded migrations
  create <name> write an empty numbered pair into -dir

flags:
`)
	flag.PrintDefaults()
}
