package main

import (
	"context"
	dbsql "database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/treeverse/quotamgr/pkg/config"
	"github.com/treeverse/quotamgr/pkg/ddl"
	quotahttp "github.com/treeverse/quotamgr/pkg/http"
	"github.com/treeverse/quotamgr/pkg/log"
	"github.com/treeverse/quotamgr/pkg/quota"
	"github.com/treeverse/quotamgr/pkg/s3usage"
	"github.com/treeverse/quotamgr/pkg/snapshot"
	"github.com/treeverse/quotamgr/pkg/store"
	"github.com/treeverse/quotamgr/pkg/store/mem"
	"github.com/treeverse/quotamgr/pkg/store/redis"
	"github.com/treeverse/quotamgr/pkg/store/sql"
)

const closeTimeout = 30 * time.Second

func main() {
	Execute()
}

var rootCmd = &cobra.Command{
	Use:   "quotamgr",
	Short: "quotamgr tracks storage usage of web origins and coordinates their quotas",
	Long: `quotamgr collects how many bytes each origin stores, per storage class, from
every registered usage client, and answers usage and quota queries over an
internal HTTP API.  Usage may be tallied from S3 events arriving on SQS, or
read from YAML snapshot files.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:     "run",
	Short:   "Start the quotamgr server",
	Example: "quotamgr run --sqs-name=quotamgr-queue --db-dsn=postgres:///",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfig(viper.New(), cmd.Flags())
		if err != nil {
			return err
		}
		logger, err := log.NewLogger(cfg.LogLevel(), cfg.LogFormat())
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
		return run(cmd.Context(), cfg, logger)
	},
}

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "Create or upgrade the usage and quota settings tables",
	Example: "quotamgr migrate --db-dsn=postgres:///",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfig(viper.New(), cmd.Flags())
		if err != nil {
			return err
		}
		if cfg.Backend() != config.BackendSQL {
			return fmt.Errorf("nothing to migrate on backend %s", cfg.Backend())
		}
		db, err := openDB(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if _, err = db.ExecContext(cmd.Context(), ddl.DDL); err != nil {
			return fmt.Errorf("apply DDL: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Migrated")
		return nil
	},
}

// stores are where usage counters tallied from events and quota settings
// live.
type stores struct {
	usage    store.Store
	settings store.Store
	close    func() error
}

func openDB(ctx context.Context, cfg config.Config) (*dbsql.DB, error) {
	db, err := dbsql.Open(cfg.DBDriver(), cfg.DBDSN())
	if err != nil {
		return nil, fmt.Errorf("open DB: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}
	return db, nil
}

func openStores(ctx context.Context, cfg config.Config) (*stores, error) {
	switch cfg.Backend() {
	case config.BackendSQL:
		db, err := openDB(ctx, cfg)
		if err != nil {
			return nil, err
		}
		usage, err := sql.NewSQLStore(db, sql.WithTable(sql.UsageTable))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		settings, err := sql.NewSQLStore(db, sql.WithTable(sql.SettingsTable))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &stores{usage: usage, settings: settings, close: db.Close}, nil

	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr()})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping Redis at %s: %w", cfg.RedisAddr(), err)
		}
		prefix := cfg.RedisKeyPrefix()
		return &stores{
			usage:    redis.New(client, redis.WithKeyPrefix(prefix+"usage:")),
			settings: redis.New(client, redis.WithKeyPrefix(prefix+"settings:")),
			close:    client.Close,
		}, nil

	default:
		return &stores{
			usage:    mem.NewStore(),
			settings: mem.NewStore(),
			close:    func() error { return nil },
		}, nil
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	log := logger.Sugar()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Infow("Open stores", "backend", cfg.Backend())
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.close(); err != nil {
			log.Warnw("Close stores", "error", err)
		}
	}()

	m := quota.NewManager(st.settings,
		quota.WithLogger(logger),
		quota.WithDefaultTemporaryQuota(cfg.DefaultTemporaryQuota()),
		quota.WithClientTimeout(cfg.ClientTimeout()),
	)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := m.Close(closeCtx); err != nil {
			log.Errorw("Close manager", "error", err)
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	// Stop background work before waiting on it.
	defer stop()

	if name := cfg.SQSName(); name != "" {
		log.Infow("Open SQS", "queue", name)
		client, err := s3usage.NewSQS()
		if err != nil {
			return err
		}
		queueURL, err := s3usage.QueueURL(ctx, client, name)
		if err != nil {
			return err
		}
		if err = m.RegisterClient(s3usage.NewClient(st.usage), quota.StorageClasses...); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s3usage.Poll(ctx, logger, client, queueURL, cfg.KeyPattern(), cfg.KeyReplacement(), st.usage)
		}()
	}

	var snapshots []*snapshot.Client
	for _, path := range cfg.UsageSnapshots() {
		c, err := snapshot.NewClient(path)
		if err != nil {
			return err
		}
		if err = m.RegisterClient(c, quota.StorageClasses...); err != nil {
			return err
		}
		snapshots = append(snapshots, c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Watch(ctx, logger); err != nil {
				log.Errorw("Usage snapshot will not reload on change", "path", path, "error", err)
			}
		}()
		log.Infow("Registered usage snapshot", "path", path)
	}
	if len(snapshots) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reloadOnHangup(ctx, log, snapshots)
		}()
	}

	server := &quotahttp.Server{Quotas: m, Log: logger}
	log.Infow("Starting", "lineage", m.Lineage(), "listen", cfg.Listen())
	err = server.Serve(ctx, cfg.Listen())
	log.Info("Done!")
	return err
}

// reloadOnHangup reloads snapshots on every SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, log *zap.SugaredLogger, snapshots []*snapshot.Client) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			for _, c := range snapshots {
				if err := c.Reload(); err != nil {
					log.Errorw("Reload usage snapshot", "error", err)
				}
			}
			log.Infow("Reloaded usage snapshots", "count", len(snapshots))
		}
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)

	config.InitFlags(runCmd.Flags())
	config.InitFlags(migrateCmd.Flags())
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
