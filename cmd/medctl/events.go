package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/carepath/medtrack/internal/domain/schedule"
	"github.com/carepath/medtrack/internal/infrastructure/redpanda"
)

func newEventsCommand() *cobra.Command {
	var fromStart bool
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the dose event topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if len(cfg.Kafka.Brokers) == 0 {
				return errors.New("kafka.brokers (KAFKA_BROKERS) is not set")
			}

			ccfg := redpanda.DefaultConsumerConfig()
			ccfg.Brokers = cfg.Kafka.Brokers
			if fromStart {
				ccfg.StartOffset = "earliest"
			}

			out := cmd.OutOrStdout()
			consumer, err := redpanda.NewConsumer(ccfg, func(_ context.Context, ev redpanda.DoseEvent, msg *redpanda.ConsumedMessage) error {
				_, err := fmt.Fprintln(out, formatEvent(ev, msg))
				return err
			}, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := consumer.Run(ctx); err != nil {
				return err
			}

			stats := consumer.Stats()
			fmt.Fprintf(cmd.ErrOrStderr(), "%d events, %d errors\n", stats.MessagesRead, stats.ErrorCount)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "replay the topics from the earliest offset")
	return cmd
}

func formatEvent(ev redpanda.DoseEvent, msg *redpanda.ConsumedMessage) string {
	line := fmt.Sprintf("%s %-18s patient=%s slot=%s status=%s",
		ev.OccurredAt.Format(time.RFC3339), ev.Type, ev.PatientID, ev.SlotKey, ev.Status)
	if ev.MedicationName != "" {
		line += " medication=" + strconv.Quote(ev.MedicationName)
	}
	if ev.SkipReason != "" {
		line += " reason=" + strconv.Quote(ev.SkipReason)
	}
	if ev.OverdueSeconds > 0 {
		line += " overdue=" + strconv.Quote(schedule.FormatCountdown(time.Duration(ev.OverdueSeconds)*time.Second))
	}
	if msg != nil {
		line += fmt.Sprintf(" [%s/%d@%d]", msg.Topic, msg.Partition, msg.Offset)
	}
	return line
}
