package main

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/ledger/internal/config"
	"github.com/clinic/ledger/internal/domain/auditevent"
	"github.com/clinic/ledger/internal/domain/importer"
	"github.com/clinic/ledger/internal/domain/merge"
	"github.com/clinic/ledger/internal/domain/patient"
	"github.com/clinic/ledger/internal/domain/payment"
	"github.com/clinic/ledger/internal/platform/backup"
	"github.com/clinic/ledger/internal/platform/db"
	"github.com/clinic/ledger/internal/platform/middleware"
	"github.com/clinic/ledger/internal/platform/sheet"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledger-server",
		Short: "Clinic ledger import and patient registry server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(importCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a ledger spreadsheet from the command line",
	}

	preflightCmd := &cobra.Command{
		Use:   "preflight <file>",
		Short: "Preview an import without writing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sheetName, _ := cmd.Flags().GetString("sheet")

			app, cleanup, err := buildApp()
			if err != nil {
				return err
			}
			defer cleanup()

			plan, err := preflightFile(context.Background(), app, args[0], sheetName)
			if err != nil {
				return err
			}
			return printJSON(plan)
		},
	}
	preflightCmd.Flags().String("sheet", "", "Worksheet name for .xlsx files (defaults to the first sheet)")
	cmd.AddCommand(preflightCmd)

	commitCmd := &cobra.Command{
		Use:   "commit <file>",
		Short: "Preview and apply an import in one step",
		RunE: func(cmd *cobra.Command, args []string) error {
			sheetName, _ := cmd.Flags().GetString("sheet")
			actor, _ := cmd.Flags().GetString("actor")

			app, cleanup, err := buildApp()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := context.Background()
			plan, err := preflightFile(ctx, app, args[0], sheetName)
			if err != nil {
				return err
			}
			if plan.Counts.Ambiguous > 0 {
				return fmt.Errorf("%d row(s) are ambiguous; resolve them through the API before committing", plan.Counts.Ambiguous)
			}

			result, err := app.committer.Commit(ctx, &importer.CommitRequest{
				Plan:  plan,
				Actor: actor,
			})
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
	commitCmd.Flags().String("sheet", "", "Worksheet name for .xlsx files (defaults to the first sheet)")
	commitCmd.Flags().String("actor", "cli", "Actor recorded in the audit trail")
	commitCmd.Args = cobra.ExactArgs(1)
	cmd.AddCommand(commitCmd)

	return cmd
}

func preflightFile(ctx context.Context, app *application, path, sheetName string) (*importer.ImportPlan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var header sheet.RawRow
	var rows []sheet.RawRow
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		header, rows, err = sheet.ReadXLSX(f, sheetName)
	case ".csv":
		header, rows, err = sheet.ReadCSV(f)
	default:
		return nil, fmt.Errorf("unsupported file type %q; expected .xlsx or .csv", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	mapping, err := sheet.DetectMapping(header)
	if err != nil {
		return nil, err
	}
	return app.planner.Preflight(ctx, filepath.Base(path), rows, mapping)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// application holds the wired service graph shared by the server and the
// import CLI subcommands.
type application struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool

	patientRepo patient.Repository
	paymentRepo payment.Repository
	auditSvc    *auditevent.Service

	planner   *importer.Planner
	committer *importer.Committer
	mergeSvc  *merge.Service

	patientSvc *patient.Service
	paymentSvc *payment.Service

	fingerprints importer.FingerprintRepo
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" || os.Getenv("ENV") == "" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func buildApp() (*application, func(), error) {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	secret := []byte(cfg.PlanSigningSecret)
	if len(secret) == 0 {
		// Dev-only: an ephemeral secret means plans do not survive restarts.
		buf := make([]byte, 32)
		if _, err := cryptorand.Read(buf); err != nil {
			pool.Close()
			return nil, nil, err
		}
		secret = []byte(hex.EncodeToString(buf))
		logger.Warn().Msg("PLAN_SIGNING_SECRET not set; using an ephemeral secret")
	}

	txRunner := db.NewPgxTxRunner(pool)
	snapshotter := backup.NewPgDumpSnapshotter(cfg.DatabaseURL, cfg.BackupDir, cfg.PgDumpPath, logger)

	patientRepo := patient.NewRepo(pool)
	paymentRepo := payment.NewRepo(pool)
	auditRepo := auditevent.NewRepo(pool)
	fingerprintRepo := importer.NewFingerprintRepo(pool)
	dependentsRepo := merge.NewDependentsRepo(pool)

	auditSvc := auditevent.NewService(auditRepo)
	signer := importer.NewPlanSigner(secret, cfg.PlanTTL())
	resolver := importer.NewResolver(patientRepo)

	app := &application{
		cfg:          cfg,
		logger:       logger,
		pool:         pool,
		patientRepo:  patientRepo,
		paymentRepo:  paymentRepo,
		auditSvc:     auditSvc,
		fingerprints: fingerprintRepo,
		patientSvc:   patient.NewService(patientRepo),
		paymentSvc:   payment.NewService(paymentRepo),
		planner:      importer.NewPlanner(resolver, fingerprintRepo, signer, logger),
		committer: importer.NewCommitter(
			txRunner, snapshotter, resolver, fingerprintRepo,
			patientRepo, paymentRepo, auditSvc, signer, logger,
		),
		mergeSvc: merge.NewService(txRunner, patientRepo, paymentRepo, dependentsRepo, auditSvc, logger),
	}
	return app, pool.Close, nil
}

func runServer() error {
	app, cleanup, err := buildApp()
	if err != nil {
		return err
	}
	defer cleanup()
	logger := app.logger
	logger.Info().Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.UploadLimit("1M", "25M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: app.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})

	apiV1 := e.Group("/api/v1")
	patient.NewHandler(app.patientSvc).RegisterRoutes(apiV1)
	payment.NewHandler(app.paymentSvc).RegisterRoutes(apiV1)
	importer.NewHandler(app.planner, app.committer, app.fingerprints).RegisterRoutes(apiV1)
	merge.NewHandler(app.mergeSvc).RegisterRoutes(apiV1)
	auditevent.NewHandler(app.auditSvc).RegisterRoutes(apiV1)

	// Graceful shutdown on SIGINT/SIGTERM.
	go func() {
		addr := ":" + app.cfg.Port
		logger.Info().Str("addr", addr).Msg("server listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
