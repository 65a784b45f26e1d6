package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"textbuddies/backend/internal/chathub"
	"textbuddies/backend/internal/feed"
	"textbuddies/backend/internal/models"
	"textbuddies/backend/internal/storage"
	"textbuddies/backend/internal/sweeper"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// connOptions are the flags shared by every command.
type connOptions struct {
	dsn       string
	driver    string
	redisAddr string
	logLevel  string
}

// opener returns a store and a func releasing it.
type opener func(ctx context.Context, opts connOptions) (storage.Storage, *slog.Logger, func(), error)

func newRootCmd(open opener) *cobra.Command {
	opts := connOptions{}
	cmd := &cobra.Command{
		Use:           "admin",
		Short:         "TextBuddies maintenance commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.dsn, "dsn", os.Getenv("DATABASE_DSN"), "Postgres DSN (default $DATABASE_DSN)")
	cmd.PersistentFlags().StringVar(&opts.driver, "feed", envOr("FEED_DRIVER", feed.DriverRedis), "change feed driver: memory, redis or postgres")
	cmd.PersistentFlags().StringVar(&opts.redisAddr, "redis-addr", envOr("REDIS_ADDR", "localhost:6379"), "redis address for the redis feed")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", envOr("LOG_LEVEL", "WARN"), "log level")

	cmd.AddCommand(newSweepCmd(open, &opts))
	cmd.AddCommand(newEndRoomCmd(open, &opts))
	cmd.AddCommand(newResetSessionCmd(open, &opts))
	cmd.AddCommand(newStatsCmd(open, &opts))
	return cmd
}

func newSweepCmd(open opener, opts *connOptions) *cobra.Command {
	cfg := sweeper.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the cleanup jobs once",
		Long:  "Ends rooms left open too long, resets matched sessions without a room and expires abandoned searches.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, done, err := open(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer done()

			report, err := sweeper.New(store, clockwork.NewRealClock(), log, cfg).RunOnce(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "stale rooms ended:      %d\n", report.StaleRooms)
			fmt.Fprintf(out, "orphaned matches reset: %d\n", report.OrphanedMatches)
			fmt.Fprintf(out, "searches expired:       %d\n", report.ExpiredSearches)
			return err
		},
	}
	cmd.Flags().DurationVar(&cfg.StaleRoomAge, "stale-room-age", cfg.StaleRoomAge, "end active rooms older than this")
	cmd.Flags().DurationVar(&cfg.OrphanGrace, "orphan-grace", cfg.OrphanGrace, "reset matched sessions without a room after this")
	cmd.Flags().DurationVar(&cfg.SearchAge, "search-age", cfg.SearchAge, "expire searches older than this")
	return cmd
}

func newEndRoomCmd(open opener, opts *connOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "end-room <room-id>",
		Short: "End a chat room and return both participants to waiting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, done, err := open(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer done()

			room, err := store.GetRoomByID(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !room.IsActive() {
				fmt.Fprintf(cmd.OutOrStdout(), "room %s already ended at %s\n", room.ID, room.EndedAt.Format("2006-01-02 15:04:05"))
				return nil
			}
			if err := chathub.NewTeardownService(store, log).Disconnect(cmd.Context(), "admin", room.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "room %s ended\n", room.ID)
			return nil
		},
	}
}

func newResetSessionCmd(open opener, opts *connOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-session <session-id>",
		Short: "End the session's active room and set it to waiting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, log, done, err := open(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer done()

			ctx := cmd.Context()
			id := args[0]
			if _, err := store.GetSession(ctx, id); err != nil {
				return err
			}
			room, err := store.GetActiveRoomForSession(ctx, id)
			if err != nil {
				return err
			}
			if room != nil {
				if err := chathub.NewTeardownService(store, log).Disconnect(ctx, "admin", room.ID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "room %s ended\n", room.ID)
			}
			if err := store.SetSessionStatus(ctx, id, models.StatusWaiting); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s is waiting\n", id)
			return nil
		},
	}
}

func newStatsCmd(open opener, opts *connOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show session counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, done, err := open(cmd.Context(), *opts)
			if err != nil {
				return err
			}
			defer done()

			counts, err := store.CountSessionsByStatus(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, status := range []models.SessionStatus{models.StatusWaiting, models.StatusConnecting, models.StatusMatched} {
				fmt.Fprintf(out, "%-11s %d\n", status, counts[status])
			}
			return nil
		},
	}
}

// openStore connects to Postgres and the change feed so that rooms ended from
// here reach the live servers.
func openStore(ctx context.Context, opts connOptions) (storage.Storage, *slog.Logger, func(), error) {
	if opts.dsn == "" {
		return nil, nil, nil, errors.New("no database: set --dsn or DATABASE_DSN")
	}
	log := logs.GetLoggerFromString(opts.logLevel)

	db, err := storage.Connect(opts.dsn)
	if err != nil {
		return nil, nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, nil, err
	}

	closers := []io.Closer{sqlDB}
	fopts := feed.Options{Driver: opts.driver, DB: db, DSN: opts.dsn}
	if opts.driver == feed.DriverRedis {
		rdb := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		closers = append(closers, rdb)
		fopts.Redis = rdb
	}
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}

	changes, err := feed.Open(ctx, fopts, log)
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	closers = append(closers, changes)
	return storage.NewStorageService(db, changes, clockwork.NewRealClock(), log), log, release, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(openStore).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
