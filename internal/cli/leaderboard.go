package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"nadfeud/internal/app"
	"nadfeud/internal/config"
	"nadfeud/internal/domain"
	"nadfeud/internal/infra/memory"
	"nadfeud/internal/infra/postgres"
)

// NewLeaderboardCmd prints a leaderboard straight from Postgres as JSON.
func NewLeaderboardCmd(configPath *string) *cobra.Command {
	var (
		window string
		role   string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Print the current leaderboard as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Postgres.URL == "" {
				return fmt.Errorf("postgres url not configured")
			}
			db := openBun(cfg.Postgres.URL)
			defer db.Close()

			// no cache for a one-shot read
			boards := app.NewLeaderboardService(postgres.NewLeaderboardReader(db.DB), memory.NewLeaderboardCache(0))
			board, err := boards.Leaderboard(cmd.Context(), domain.LeaderboardQuery{
				Window: domain.LeaderboardWindow(window),
				Role:   role,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(board)
		},
	}
	cmd.Flags().StringVar(&window, "window", string(domain.WindowAllTime), "all or week")
	cmd.Flags().StringVar(&role, "role", "", "only include users with this role")
	cmd.Flags().IntVar(&limit, "limit", app.DefaultLeaderboardLimit, "maximum number of entries")
	return cmd
}
