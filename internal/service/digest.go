package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"chart-signal-alerts/internal/alerting"
	"chart-signal-alerts/internal/delivery"
	"chart-signal-alerts/internal/quota"
)

// StatsSource is the quota view the digest reports on.
type StatsSource interface {
	RollOver(ctx context.Context, provider string) (bool, error)
	Stats(n int) quota.Stats
	Limits(provider string) (quota.Limits, bool)
	Location() *time.Location
}

// DigestOptions configure the scheduled statistics message.
type DigestOptions struct {
	// Schedule is a five-field cron expression evaluated in the billing zone.
	Schedule string
	Recent   int
	ChatID   string
	// Provider has its window rolled over before the statistics are read.
	Provider string
}

// Digest posts the request statistics to the chat on a cron schedule.
type Digest struct {
	source     StatsSource
	dispatcher *delivery.Dispatcher
	sink       alerting.Sink
	opts       DigestOptions
	logger     zerolog.Logger

	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewDigest builds a digest job. Nothing is scheduled until Start.
func NewDigest(source StatsSource, dispatcher *delivery.Dispatcher, sink alerting.Sink, opts DigestOptions, logger zerolog.Logger) *Digest {
	if opts.Recent <= 0 {
		opts.Recent = 5
	}
	return &Digest{
		source:     source,
		dispatcher: dispatcher,
		sink:       sink,
		opts:       opts,
		logger:     logger.With().Str("component", "digest").Logger(),
	}
}

// Start registers the job and starts the cron runner.
func (d *Digest) Start(ctx context.Context) error {
	loc := d.source.Location()
	if loc == nil {
		loc = time.UTC
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithLocation(loc))

	_, err := c.AddFunc(d.opts.Schedule, func() {
		if err := d.Send(runCtx); err != nil {
			d.logger.Error().Err(err).Msg("digest not delivered")
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule digest %q: %w", d.opts.Schedule, err)
	}

	d.cron = c
	d.cancel = cancel
	c.Start()
	d.logger.Info().Str("schedule", d.opts.Schedule).Str("zone", loc.String()).Msg("digest scheduled")
	return nil
}

// Stop halts the runner and waits for a running job to finish.
func (d *Digest) Stop() {
	if d.cron == nil {
		return
	}
	d.cancel()
	<-d.cron.Stop().Done()
	d.logger.Info().Msg("digest stopped")
}

// Send formats the current statistics and delivers them immediately.
func (d *Digest) Send(ctx context.Context) error {
	if d.opts.Provider != "" {
		if _, err := d.source.RollOver(ctx, d.opts.Provider); err != nil {
			d.logger.Warn().Err(err).Str("provider", d.opts.Provider).Msg("quota reset not persisted")
		}
	}
	text := alerting.FormatStats(d.source.Stats(d.opts.Recent), d.source.Limits, d.source.Location())
	for _, chunk := range alerting.ChunkText(text, alerting.MaxMessageLength) {
		chunk := chunk
		err := d.dispatcher.Send(ctx, "digest", func(ctx context.Context) error {
			return d.sink.SendText(ctx, d.opts.ChatID, chunk)
		})
		if err != nil {
			return err
		}
	}
	d.logger.Debug().Msg("digest delivered")
	return nil
}
