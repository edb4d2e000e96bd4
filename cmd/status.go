package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"pairsync/internal/app"
	"pairsync/internal/config"
	"pairsync/internal/localstate"
	"pairsync/internal/remote/httpstore"
	"pairsync/internal/week"
)

// NewStatusCommand creates the status command, a headless client that
// syncs against the configured server and prints the pair's week.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Sync against the configured server and print this week's standing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
}

func runStatus(cmd *cobra.Command, rootOpts *RootOptions) error {
	ctx := context.Background()
	cfg, err := config.Load(rootOpts.ConfigPath)
	if err != nil {
		return err
	}

	var store *httpstore.Client
	if cfg.Client.AuthToken != "" {
		store = httpstore.NewWithToken(cfg.Client.BaseURL, cfg.Client.AuthToken, log.Logger)
	} else {
		store, err = httpstore.Register(ctx, cfg.Client.BaseURL, cfg.Client.AccountID, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to register device: %w", err)
		}
	}

	statePath := cfg.Client.StatePath
	if statePath == "" {
		statePath = "pairsync.db"
	}
	local, err := localstate.Open(statePath)
	if err != nil {
		return err
	}
	defer local.Close()

	engine, err := app.New(app.Options{
		Store:  store,
		Local:  local,
		Logger: log.Logger,
	})
	if err != nil {
		return err
	}

	if err := engine.Setup(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	c := engine.Cache()
	if !c.Flags().HasGroup {
		fmt.Fprintln(out, "No partner yet. Create or join a group from the app.")
		return nil
	}

	now := time.Now()
	me := c.CurrentUser()
	partner := c.Partner()
	goal := c.CurrentWeek(now)
	pair := c.Pair()

	fmt.Fprintf(out, "%s and %s, week of %s (%d day(s) left)\n",
		me.DisplayName, partner.DisplayName,
		goal.WeekStart.Format("Jan 2"), week.DaysRemaining(now, pair.WeekStartDay))
	fmt.Fprintf(out, "  %-12s %d/%d day(s)\n", me.DisplayName, c.WorkoutDays(me.ID, goal), me.WeeklyGoal)
	fmt.Fprintf(out, "  %-12s %d/%d day(s)\n", partner.DisplayName, c.WorkoutDays(partner.ID, goal), partner.WeeklyGoal)
	if goal.WagerText != "" {
		fmt.Fprintf(out, "  wager: %s\n", goal.WagerText)
	}
	if w, ok := c.LatestWorkout(partner.ID, now); ok {
		fmt.Fprintf(out, "  %s last logged %s\n", partner.DisplayName, w.LoggedAt.Format("Mon 15:04"))
	}
	fmt.Fprintf(out, "  streak %d week(s), best %d\n", c.Streak(), c.BestStreak())
	return nil
}
