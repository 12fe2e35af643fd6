package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	redisclient "github.com/docsyncd/docsyncd/internal/infra/redis"
	"github.com/docsyncd/docsyncd/internal/infra/storage/postgres"
	"github.com/docsyncd/docsyncd/internal/sync/statemachine"
)

var recoverCmd = &cobra.Command{
	Use:   "recover [doc_id]",
	Short: "Move a DEAD document back to RETRYING so the pipeline picks it up again",
	Args:  cobra.ExactArgs(1),
	Run:   runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) {
	docID := args[0]
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

	machine := statemachine.New(postgres.NewJobRepo(db), nil, nil, nil, slog.Default())
	job, err := machine.Recover(ctx, docID)
	if err != nil {
		slog.Error("Failed to recover document", "docID", docID, "error", err)
		os.Exit(1)
	}

	if cfg.Redis.URL != "" {
		if rc, err := redisclient.NewClient(cfg.Redis); err == nil {
			if err := rc.ClearDead(ctx, docID); err != nil {
				slog.Warn("Failed to clear dead-letter entry", "docID", docID, "error", err)
			}
			_ = rc.Close()
		}
	}

	fmt.Printf("doc %s recovered: job %s is %s (retries kept at %d)\n", docID, job.ID, job.Status, job.Retries)
}
