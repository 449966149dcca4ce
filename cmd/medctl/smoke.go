package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/carepath/medtrack/internal/app"
	"github.com/carepath/medtrack/internal/domain/schedule"
)

func newSmokeCommand() *cobra.Command {
	var keep bool
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run an end-to-end scenario against the configured store",
		Long: `smoke creates a twice-daily medication for a throwaway patient, administers
the first dose, skips and then reverts the second, and checks the summary and
next-due answers. Without database.url it runs on the in-memory store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			st, err := app.OpenStore(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			tracker, err := app.NewTracker(cfg, st, schedule.LogNotifier{Logger: logger}, logger, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "store: %s, clinic zone: %s\n", st.Backend, tracker.Location())
			return runSmoke(ctx, tracker, "smoke-"+uuid.NewString()[:8], keep, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the smoke medication instead of deleting it")
	return cmd
}

func runSmoke(ctx context.Context, tracker *schedule.Tracker, patientID string, keep bool, out io.Writer) error {
	today := tracker.Today()
	step := func(format string, args ...interface{}) {
		fmt.Fprintf(out, "ok  "+format+"\n", args...)
	}

	m, err := tracker.CreateMedication(ctx, schedule.MedicationInput{
		PatientID: patientID,
		Name:      "Smoke test amoxicillin",
		Dose:      "250 mg",
		Frequency: schedule.TwiceDaily,
		StartDate: today,
	})
	if err != nil {
		return fmt.Errorf("create medication: %w", err)
	}
	step("created medication %s at %s", m.ID, strings.Join(m.Times, ", "))
	first, second := m.Times[0], m.Times[1]

	given, err := tracker.MarkSlotAdministered(ctx, m.ID, today, first, schedule.AdministerOptions{By: "medctl"})
	if err != nil {
		return fmt.Errorf("administer %s: %w", first, err)
	}
	if given.Status != schedule.StatusAdministered || given.AdministeredAt == nil {
		return fmt.Errorf("administer %s: got status %s", first, given.Status)
	}
	step("administered %s", given.Key())

	again, err := tracker.InstanceFor(ctx, m, today, first)
	if err != nil {
		return fmt.Errorf("reload %s: %w", first, err)
	}
	if again.ID != given.ID {
		return fmt.Errorf("slot %s resolved to a second instance %s", given.Key(), again.ID)
	}
	step("slot %s resolves to the same instance", given.Key())

	skipped, err := tracker.MarkSlotSkipped(ctx, m.ID, today, second, "smoke test")
	if err != nil {
		return fmt.Errorf("skip %s: %w", second, err)
	}
	if skipped.Status != schedule.StatusSkipped {
		return fmt.Errorf("skip %s: got status %s", second, skipped.Status)
	}
	step("skipped %s", skipped.Key())

	if _, err := tracker.MarkSkipped(ctx, skipped.ID, "  "); !schedule.IsValidation(err) {
		return fmt.Errorf("blank skip reason was not rejected: %v", err)
	}
	step("blank skip reason rejected")

	undone, err := tracker.MarkPending(ctx, skipped.ID)
	if err != nil {
		return fmt.Errorf("undo %s: %w", second, err)
	}
	if undone.Status != schedule.StatusPending || undone.SkipReason != "" {
		return fmt.Errorf("undo %s: got status %s", second, undone.Status)
	}
	step("reverted %s to pending", undone.Key())

	now := tracker.Now()
	summary, err := tracker.PatientSummary(ctx, patientID, today, now)
	if err != nil {
		return fmt.Errorf("summary: %w", err)
	}
	if summary.AdministeredCount != 1 || summary.PendingCount != 1 || summary.Total() != 2 {
		return fmt.Errorf("summary: administered=%d pending=%d total=%d",
			summary.AdministeredCount, summary.PendingCount, summary.Total())
	}
	step("summary %s: administered=%d pending=%d delayed=%d skipped=%d",
		summary.Date, summary.AdministeredCount, summary.PendingCount, summary.DelayedCount, summary.SkippedCount)

	next, found, err := tracker.PatientNextDue(ctx, patientID, now)
	if err != nil {
		return fmt.Errorf("next due: %w", err)
	}
	if !found {
		return fmt.Errorf("next due: nothing pending today or tomorrow")
	}
	step("next due %s in %s", next.Instance.Key(), schedule.FormatCountdown(next.Countdown))

	if keep {
		fmt.Fprintf(out, "kept patient %s\n", patientID)
		return nil
	}
	if err := tracker.DeleteMedication(ctx, m.ID); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	step("cleaned up")
	return nil
}
