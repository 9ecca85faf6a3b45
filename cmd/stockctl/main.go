// Package main provides the operator CLI for the stock ledger.
// Usage: stockctl migrate up
//
//	stockctl audit --product <uuid> --location <uuid>
//	stockctl rebuild --location <uuid>
//	stockctl archive list
//	stockctl token --user ops@example.com --perms stock:audit,stock:rebuild
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	appctx "stockledger/internal/core/context"
	"stockledger/internal/core/id"
	"stockledger/internal/domain/auth"
	"stockledger/internal/domain/stock"
	"stockledger/internal/infrastructure/config"
	"stockledger/internal/infrastructure/lock"
	"stockledger/internal/infrastructure/migration"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/internal/infrastructure/storage/postgres/ledger_repo"
	"stockledger/pkg/logger"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: true,
		OutputPaths: []string{"stderr"},
		Service:     "stockctl",
	})
	if err != nil {
		fmt.Printf("Error: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx := appctx.WithTrace(context.Background(), appctx.NewTraceContext())
	ctx = appctx.WithUser(ctx, &appctx.UserContext{UserID: "stockctl", IsAdmin: true})
	ctx = logger.WithLogger(ctx, log.WithContext(ctx))

	args := os.Args[2:]
	switch os.Args[1] {
	case "migrate":
		err = runMigrate(ctx, cfg, log, args)
	case "audit":
		err = runAudit(ctx, cfg, args)
	case "rebuild":
		err = runRebuild(ctx, cfg, args)
	case "archive":
		err = runArchive(ctx, cfg, args)
	case "token":
		err = runToken(cfg, args)
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		logger.Error(ctx, "command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Stock Ledger Operator CLI

Usage:
  stockctl <command> [options]

Commands:
  migrate   Apply or inspect schema migrations (up, down, steps N, version, force N)
  audit     Compare ledger and batch balances, exit 2 on drift
  rebuild   Purge and replay derived state from source documents
  archive   List pre-rebuild archives or print one (archive list | archive <id>)
  token     Issue an operator access token
  help      Show this help

Configuration is read from config.yaml and STOCK_* environment variables,
the same as the server (e.g. STOCK_DATABASE_URL, STOCK_REDIS_ADDR, STOCK_JWT_SECRET).

Examples:
  stockctl migrate up
  stockctl audit --location <uuid>
  stockctl rebuild --product <uuid> --location <uuid>
  stockctl archive list --limit 20
  stockctl token --user ops@example.com --perms stock:read,stock:audit --ttl 1h`)
}

type env struct {
	pool      *postgres.Pool
	txManager *postgres.TxManager
	archives  *postgres.ArchiveStore
	stock     *stock.Service
	close     func()
}

// connect opens the database and, when configured, the Redis rebuild guard.
func connect(ctx context.Context, cfg *config.Config) (*env, error) {
	poolCfg := postgres.DefaultPoolConfig(cfg.Database.DSN())
	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.StatementTimeout = 0

	pool, err := postgres.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	closers := []func(){pool.Close}

	txManager := postgres.NewTxManager(pool)
	archives, err := postgres.NewArchiveStore(txManager)
	if err != nil {
		pool.Close()
		return nil, err
	}

	opts := []stock.Option{
		stock.WithSourceReader(ledger_repo.NewSourceRepo(txManager)),
		stock.WithArchiver(archives),
		stock.WithEpsilon(cfg.Stock.Epsilon),
	}
	if cfg.Redis.Addr != "" {
		rdb, err := lock.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		closers = append(closers, func() { _ = rdb.Close() })
		opts = append(opts, stock.WithGuard(lock.NewRedisGuard(rdb, cfg.Stock.RebuildLockTTL)))
	}

	return &env{
		pool:      pool,
		txManager: txManager,
		archives:  archives,
		stock:     stock.NewService(ledger_repo.NewLedgerRepo(txManager), txManager, opts...),
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

func runMigrate(ctx context.Context, cfg *config.Config, log *logger.Logger, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("migrate: expected up, down, steps, version or force")
	}

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.Database.DSN()))
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	migrator, err := migration.New(pool.Unwrap(), log.Zap())
	if err != nil {
		return err
	}
	defer func() { _ = migrator.Close() }()

	switch args[0] {
	case "up":
		return migrator.Up()
	case "down":
		return migrator.Down()
	case "steps":
		n, err := intArg(args, "steps")
		if err != nil {
			return err
		}
		return migrator.Steps(n)
	case "force":
		n, err := intArg(args, "force")
		if err != nil {
			return err
		}
		return migrator.Force(n)
	case "version":
		version, dirty, err := migrator.Version()
		if err != nil {
			return err
		}
		fmt.Printf("version: %d dirty: %t\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("migrate: unknown subcommand %q", args[0])
	}
}

func intArg(args []string, name string) (int, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("migrate %s: missing number", name)
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return 0, fmt.Errorf("migrate %s: %w", name, err)
	}
	return n, nil
}

func scopeFlags(fs *flag.FlagSet) func() (stock.Scope, error) {
	product := fs.String("product", "", "product id")
	location := fs.String("location", "", "location id")
	return func() (stock.Scope, error) {
		var scope stock.Scope
		var err error
		if scope.ProductID, err = id.ParseOptional(*product); err != nil {
			return scope, fmt.Errorf("invalid --product: %w", err)
		}
		if scope.LocationID, err = id.ParseOptional(*location); err != nil {
			return scope, fmt.Errorf("invalid --location: %w", err)
		}
		return scope, nil
	}
}

func runAudit(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	scopeOf := scopeFlags(fs)
	_ = fs.Parse(args)

	scope, err := scopeOf()
	if err != nil {
		return err
	}

	e, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	report, err := e.stock.Audit(ctx, scope)
	if err != nil {
		return err
	}
	if err := printJSON(report); err != nil {
		return err
	}

	if report.DriftCount > 0 {
		logger.Warn(ctx, "ledger drift detected", "scope", scope.String(), "drifting", report.DriftCount)
		e.close()
		os.Exit(2)
	}
	return nil
}

func runRebuild(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	scopeOf := scopeFlags(fs)
	yes := fs.Bool("yes", false, "skip the confirmation for an unscoped rebuild")
	_ = fs.Parse(args)

	scope, err := scopeOf()
	if err != nil {
		return err
	}
	if scope.ProductID == nil && scope.LocationID == nil && !*yes {
		return fmt.Errorf("rebuild of the whole ledger requires --yes")
	}

	e, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	res, err := e.stock.Rebuild(ctx, scope)
	if err != nil {
		return err
	}
	logger.Info(ctx, "rebuild finished",
		"scope", scope.String(),
		"applied", res.Applied,
		"failed", res.Failed,
		"drift_after", res.DriftAfter,
	)
	return printJSON(res)
}

func runArchive(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("archive: expected list or an archive id")
	}

	e, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.close()

	if args[0] == "list" {
		fs := flag.NewFlagSet("archive list", flag.ExitOnError)
		limit := fs.Int("limit", 50, "maximum archives to list")
		_ = fs.Parse(args[1:])

		records, err := e.archives.List(ctx, *limit)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%s  %s  scope=%s batches=%d movements=%d by=%s\n",
				r.ID, r.CreatedAt.Format(time.RFC3339), r.Scope, r.BatchCount, r.MovementCount, r.CreatedBy)
		}
		return nil
	}

	archiveID, err := id.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid archive id: %w", err)
	}
	snapshot, err := e.archives.Load(ctx, archiveID)
	if err != nil {
		return err
	}
	return printJSON(snapshot)
}

func runToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "subject user id or email")
	perms := fs.String("perms", strings.Join(auth.AllPermissions, ","), "comma-separated permissions")
	admin := fs.Bool("admin", false, "grant every permission")
	ttl := fs.Duration("ttl", cfg.JWT.AccessTokenExpiration, "token lifetime")
	_ = fs.Parse(args)

	if *user == "" {
		return fmt.Errorf("token: --user is required")
	}

	var granted []string
	for _, p := range strings.Split(*perms, ",") {
		if p = strings.TrimSpace(p); p != "" {
			granted = append(granted, p)
		}
	}

	svc := auth.NewJWTService(auth.JWTConfig{
		Secret:         cfg.JWT.Secret,
		Issuer:         cfg.JWT.Issuer,
		AccessTokenTTL: cfg.JWT.AccessTokenExpiration,
	})
	token, expiresAt, err := svc.GenerateAccessToken(appctx.UserContext{
		UserID:      *user,
		Email:       *user,
		Permissions: granted,
		IsAdmin:     *admin,
	}, *ttl)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "expires at %s\n", expiresAt.Format(time.RFC3339))
	fmt.Println(token)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
