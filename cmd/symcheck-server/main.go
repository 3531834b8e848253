package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/symcheck/symcheck/internal/config"
	"github.com/symcheck/symcheck/internal/domain/symptom"
	"github.com/symcheck/symcheck/internal/platform/auth"
	"github.com/symcheck/symcheck/internal/platform/db"
	"github.com/symcheck/symcheck/internal/platform/hipaa"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "symcheck-server",
		Short:        "Symptom checker API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// loadConfig loads and validates configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg))
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			conn, err := openDatabase(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer conn.close()

			fmt.Printf("Running %s migrations\n", conn.dialect)
			count, err := conn.migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			conn, err := openDatabase(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer conn.close()

			statuses, err := conn.migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status (%s)\n", conn.dialect)
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
	})

	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Print a new random PHI_ENCRYPTION_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := hipaa.GenerateKeyHex()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit stream",
	}

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of an audit stream file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				path = cfg.AuditLogPath
			}
			return verifyAuditFile(cmd, path)
		},
	}
	verifyCmd.Flags().String("file", "", "Audit stream file (defaults to AUDIT_LOG_PATH)")
	cmd.AddCommand(verifyCmd)
	return cmd
}

func verifyAuditFile(cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := hipaa.VerifyChain(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d record(s), chain intact\n", path, n)
	return nil
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users referenced by symptom entries",
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a user email",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			name, _ := cmd.Flags().GetString("name")
			if email == "" {
				return fmt.Errorf("--email is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			conn, err := openDatabase(ctx, cfg, cfg.DatabaseDriver == config.DriverSQLite)
			if err != nil {
				return err
			}
			defer conn.close()

			// Registering a user touches no PHI, so no codec or audit sink is needed.
			store := symptom.NewStore(conn.repo, nil, nil, zerolog.Nop())
			u, err := store.CreateUser(ctx, email, name)
			if err != nil {
				var ve *symptom.ValidationError
				if errors.As(err, &ve) {
					return fmt.Errorf("invalid user: %s", strings.Join(ve.FieldNames(), ", "))
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (%s)\n", u.ID, u.Email)
			return nil
		},
	}
	addCmd.Flags().String("email", "", "User email address")
	addCmd.Flags().String("name", "", "Display name")
	cmd.AddCommand(addCmd)
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			sub, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if sub == "" {
				return fmt.Errorf("--sub is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(jwtConfig(cfg), sub, roles, ttl)
			if err != nil {
				return fmt.Errorf("issue token (is AUTH_SIGNING_KEY set?): %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("sub", "", "Token subject (user id)")
	cmd.Flags().StringSlice("roles", []string{auth.RoleUser}, "Roles to grant")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
}

// dbConn bundles the storage handles for one driver.
type dbConn struct {
	dialect  db.Dialect
	repo     symptom.Repository
	audit    auditStore
	checker  db.Checker
	migrator *db.Migrator
	close    func()
}

// auditStore is the queryable audit table: a sink for writes and a querier
// for the compliance endpoints.
type auditStore interface {
	hipaa.AuditSink
	hipaa.AuditQuerier
}

// openDatabase connects to the configured driver. With migrate set, pending
// migrations are applied before returning.
func openDatabase(ctx context.Context, cfg *config.Config, migrate bool) (*dbConn, error) {
	conn := &dbConn{}
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		sqlDB := db.SQLFromPool(pool)
		conn.dialect = db.DialectPostgres
		conn.repo = symptom.NewPGRepo(pool)
		conn.audit = hipaa.NewPGAuditStore(pool)
		conn.checker = db.PGChecker{Pool: pool}
		conn.close = func() {
			sqlDB.Close()
			pool.Close()
		}
		if conn.migrator, err = db.NewMigrator(sqlDB, conn.dialect); err != nil {
			conn.close()
			return nil, err
		}
	default:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		conn.dialect = db.DialectSQLite
		conn.repo = symptom.NewSQLiteRepo(sqlDB)
		conn.audit = hipaa.NewSQLAuditStore(sqlDB)
		conn.checker = db.SQLChecker{DB: sqlDB}
		conn.close = func() { sqlDB.Close() }
		if conn.migrator, err = db.NewMigrator(sqlDB, conn.dialect); err != nil {
			conn.close()
			return nil, err
		}
	}

	if migrate {
		if _, err := conn.migrator.Up(ctx); err != nil {
			conn.close()
			return nil, err
		}
	}
	return conn, nil
}
