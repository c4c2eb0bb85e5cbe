package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/ajaybenii/test-system-backend/internal/apply"
	"github.com/ajaybenii/test-system-backend/internal/cache"
	"github.com/ajaybenii/test-system-backend/internal/handler"
	appI18n "github.com/ajaybenii/test-system-backend/internal/i18n"
	"github.com/ajaybenii/test-system-backend/internal/notify"
	"github.com/ajaybenii/test-system-backend/internal/store"
	"github.com/ajaybenii/test-system-backend/internal/store/mongostore"
	"github.com/ajaybenii/test-system-backend/internal/store/sqlite"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "testsystem",
		Short:        "Answer event ingestion service for test attempts",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.AddCommand(serve, provisionCmd(), reconcileCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

// storageFlags registers the backend selection flags shared by every command.
func storageFlags(f *pflag.FlagSet) {
	f.String("backend", "sqlite", "Storage backend (sqlite, mongo)")
	f.String("db", "testsystem.db", "SQLite database path")
	f.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	f.String("mongo-db", "test_system", "MongoDB database name")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP ingestion server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	storageFlags(f)
	f.Bool("ensure-indexes", true, "Create MongoDB indexes at startup")
	f.String("redis-addr", "", "Redis address for the summary cache (empty disables)")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.Duration("cache-ttl", cache.DefaultTTL, "Summary cache TTL")
	f.String("amqp-uri", "", "RabbitMQ URI for answer notifications (empty disables)")
	f.String("amqp-exchange", "testsystem.events", "RabbitMQ topic exchange")
	f.StringP("lang", "l", "en", "Default message language (en, ru)")
	f.Duration("request-timeout", 10*time.Second, "Per-request storage timeout")
	return cmd
}

func provisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the schema and indexes the service relies on",
		RunE:  runProvision,
	}
	storageFlags(cmd.Flags())
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-merge the newest logged answers into attempt summaries",
		RunE:  runReconcile,
	}
	f := cmd.Flags()
	storageFlags(f)
	f.String("attempt", "", "Attempt to reconcile")
	f.Bool("all", false, "Reconcile every attempt in the event log")
	cmd.MarkFlagsMutuallyExclusive("attempt", "all")
	cmd.MarkFlagsOneRequired("attempt", "all")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export attempt summaries and event logs as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	storageFlags(f)
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func setupLogging(v *viper.Viper) {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("TESTSYSTEM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("testsystem")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/testsystem")
	v.AddConfigPath("/etc/testsystem")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// openStore connects the configured backend. With ensureIndexes set, a
// MongoDB backend also creates its indexes; the unique attempt index is what
// makes concurrent first merges safe.
func openStore(ctx context.Context, v *viper.Viper, ensureIndexes bool) (store.Store, error) {
	switch backend := strings.ToLower(v.GetString("backend")); backend {
	case "sqlite", "":
		s, err := sqlite.New(v.GetString("db"))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		slog.Info("opened sqlite store", "path", v.GetString("db"))
		return s, nil
	case "mongo", "mongodb":
		s, err := mongostore.New(ctx, mongostore.Config{
			URI:      v.GetString("mongo-uri"),
			Database: v.GetString("mongo-db"),
		})
		if err != nil {
			return nil, fmt.Errorf("open mongo: %w", err)
		}
		if ensureIndexes {
			if err := s.EnsureIndexes(ctx); err != nil {
				s.Close()
				return nil, fmt.Errorf("ensure indexes: %w", err)
			}
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, v, v.GetBool("ensure-indexes"))
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	redisClient, err := cache.NewClient(ctx, cache.Config{
		Addr:     v.GetString("redis-addr"),
		Password: v.GetString("redis-password"),
		DB:       v.GetInt("redis-db"),
	})
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	summaries := cache.New(redisClient, db, v.GetDuration("cache-ttl"))

	publisher, err := notify.NewPublisher(v.GetString("amqp-uri"), v.GetString("amqp-exchange"))
	if err != nil {
		return err
	}
	defer publisher.Close()

	applier := apply.New(db, db, apply.WithNotifiers(summaries, publisher))
	h := handler.New(applier, db, summaries, db)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if timeout := v.GetDuration("request-timeout"); timeout > 0 {
		r.Use(handler.RequestTimeout(timeout))
	}
	r.Use(appI18n.Middleware(lang))
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("starting server",
		"addr", addr,
		"backend", v.GetString("backend"),
		"lang", lang,
		"cache", redisClient != nil,
		"notifications", v.GetString("amqp-uri") != "",
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runProvision(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := openStore(cmd.Context(), v, true)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("storage provisioned", "backend", v.GetString("backend"))
	return nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()

	db, err := openStore(ctx, v, false)
	if err != nil {
		return err
	}
	defer db.Close()

	ids := []string{v.GetString("attempt")}
	if v.GetBool("all") {
		ids, err = db.ListAttemptIDs(ctx)
		if err != nil {
			return fmt.Errorf("list attempts: %w", err)
		}
	}

	applier := apply.New(db, db)
	total := 0
	for _, id := range ids {
		n, err := applier.Reconcile(ctx, id)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", id, err)
		}
		total += n
	}
	slog.Info("reconcile finished", "attempts", len(ids), "merged", total)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := openStore(cmd.Context(), v, false)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := store.Export(cmd.Context(), db)
	if err != nil {
		return fmt.Errorf("export attempts: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	return nil
}
