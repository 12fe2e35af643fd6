package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	redisclient "github.com/docsyncd/docsyncd/internal/infra/redis"
	"github.com/docsyncd/docsyncd/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status [doc_id]",
	Short: "Show sync status, either overall or for one document",
	Args:  cobra.MaximumNArgs(1),
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()
	repo := postgres.NewJobRepo(db)

	if len(args) == 1 {
		job, err := repo.GetByDocID(ctx, args[0])
		if err != nil {
			slog.Error("Failed to look up document", "docID", args[0], "error", err)
			os.Exit(1)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
		_, _ = fmt.Fprintln(w, "JOB\tSTATUS\tRETRIES\tPROGRESS\tERROR")
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d%%\t%s\n",
			job.ID, job.Status, job.Retries, job.Progress, job.Error)
		_ = w.Flush()
		return
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		slog.Error("Failed to query job stats", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT")
	for status, count := range stats.ByStatus {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", status, count)
	}
	_, _ = fmt.Fprintf(w, "TOTAL\t%d\n", stats.Total)
	_ = w.Flush()

	fmt.Printf("\nsuccess rate: %.1f%%  avg duration: %.0fms\n", stats.SuccessRate*100, stats.AvgDuration)

	if cfg.Redis.URL != "" {
		rc, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to redis, skipping dead-letter listing", "error", err)
			return
		}
		defer func() {
			_ = rc.Close()
		}()

		docs, err := rc.DeadDocs(ctx, 100)
		if err != nil {
			slog.Warn("Failed to list dead-letter index", "error", err)
			return
		}
		if len(docs) > 0 {
			fmt.Println("\ndead documents (oldest first):")
			for _, d := range docs {
				fmt.Printf("  %s\n", d)
			}
		}
	}
}
