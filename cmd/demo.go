package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"pairsync/internal/app"
	"pairsync/internal/remote/memstore"
)

// NewDemoCommand creates the demo command, which walks two engines
// through pairing, workout logging, and a sync round trip against an
// in-memory backend.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Simulate two paired devices syncing in-process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd)
		},
	}
}

func runDemo(cmd *cobra.Command) error {
	ctx := context.Background()
	cluster := memstore.NewCluster(200)

	alice, err := app.New(app.Options{
		Store:  cluster.Device("account-alice"),
		Logger: log.With().Str("device", "alice").Logger(),
	})
	if err != nil {
		return err
	}
	bob, err := app.New(app.Options{
		Store:  cluster.Device("account-bob"),
		Logger: log.With().Str("device", "bob").Logger(),
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if err := alice.Setup(ctx); err != nil {
		return err
	}
	code, err := alice.CreateGroup(ctx, "Alice", 4)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Alice created a group, invite code %s\n", code)

	if err := bob.Setup(ctx); err != nil {
		return err
	}
	if err := bob.JoinGroup(ctx, code, "Bob", 3); err != nil {
		return err
	}
	fmt.Fprintln(out, "Bob joined with the invite code")

	joined, err := alice.CheckForPartner(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Alice sees partner: %v\n", joined)

	if _, err := alice.LogWorkout(ctx, []byte("photo-bytes"), "morning run"); err != nil {
		return err
	}
	fmt.Fprintln(out, "Alice logged a workout")

	if err := bob.PerformDeltaSync(ctx); err != nil {
		return err
	}
	week := bob.Cache().CurrentWeek(time.Now())
	partner := bob.Cache().Partner()
	days := bob.Cache().WorkoutDays(partner.ID, week)
	fmt.Fprintf(out, "Bob synced: %s has %d workout day(s) this week\n", partner.DisplayName, days)

	if _, err := bob.SendNudge(ctx, "nice run!"); err != nil {
		return err
	}
	if err := alice.PerformDeltaSync(ctx); err != nil {
		return err
	}
	for _, n := range alice.Cache().Nudges() {
		fmt.Fprintf(out, "Alice received nudge: %q\n", n.Message)
	}

	fmt.Fprintln(out, "Diagnostics (alice):")
	for _, line := range alice.Diagnostics() {
		fmt.Fprintf(out, "  %s\n", line)
	}
	return nil
}
