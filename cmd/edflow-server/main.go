package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/edflow/internal/config"
	"github.com/ehr/edflow/internal/domain/emergency"
	"github.com/ehr/edflow/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "edflow-server",
		Short: "Emergency department patient-flow and triage engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(triageCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ED API server",
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
			target, _ := cmd.Flags().GetInt("to")
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.UpTo(ctx, target)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: 2, ApplicationName: "edflow-migrate"})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, db.Migrations()))
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		state, at := "pending", ""
		if s.Applied {
			state = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
	}
}

func triageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triage",
		Short: "Offline triage tools",
	}

	scoreCmd := &cobra.Command{
		Use:   "score",
		Short: "Score a triage assessment read from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			rulesFile, _ := cmd.Flags().GetString("rules")

			rules, err := loadRules(rulesFile)
			if err != nil {
				return err
			}

			var in io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open assessment: %w", err)
				}
				defer f.Close()
				in = f
			}
			return scoreAssessment(in, cmd.OutOrStdout(), rules, time.Now().UTC())
		},
	}
	scoreCmd.Flags().String("file", "-", "Assessment JSON file, - for stdin")
	scoreCmd.Flags().String("rules", "", "Rule document to use instead of the built-in rules")
	cmd.AddCommand(scoreCmd)

	return cmd
}

type scoreOutput struct {
	Triage    emergency.TriageResult `json:"triage"`
	Detection emergency.Detection    `json:"detection"`
}

func scoreAssessment(in io.Reader, out io.Writer, rules *emergency.RuleSet, now time.Time) error {
	var a emergency.TriageAssessment
	if err := json.NewDecoder(in).Decode(&a); err != nil {
		return fmt.Errorf("decode assessment: %w", err)
	}
	res, err := emergency.ScoreTriage(rules, &a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(scoreOutput{Triage: res, Detection: emergency.DetectProtocols(rules, &a, now)})
}

// loadRules returns the embedded rules when path is empty.
func loadRules(path string) (*emergency.RuleSet, error) {
	if path == "" {
		return emergency.DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return emergency.ParseRules(data)
}
