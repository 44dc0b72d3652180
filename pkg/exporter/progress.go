package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
)

// progressSample is one reporter observation.
type progressSample struct {
	elapsed         time.Duration
	sessionPackages int64
	sessionRecords  int64
	processed       uint64
	total           uint64
}

// percent returns overall completion including resumed packages.
func (p progressSample) percent() float64 {
	if p.total == 0 {
		return 100
	}

	return float64(p.processed) * 100 / float64(p.total)
}

// eta extrapolates the session package rate over the packages left.
func (p progressSample) eta() (time.Duration, bool) {
	if p.sessionPackages == 0 || p.elapsed <= 0 || p.processed >= p.total {
		return 0, false
	}

	perPackage := p.elapsed / time.Duration(p.sessionPackages)

	return perPackage * time.Duration(p.total-p.processed), true
}

func perSecond(n int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}

	return float64(n) / d.Seconds()
}

// FormatETA renders d as "%dh %dm %ds".
func FormatETA(d time.Duration) string {
	d = d.Round(time.Second)

	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute

	return fmt.Sprintf("%dh %dm %ds", h, m, d/time.Second)
}

// reporter logs progress every interval until stopped.
type reporter struct {
	interval time.Duration
	logger   *slog.Logger
	sample   func() progressSample

	stop chan struct{}
	done chan struct{}
}

func startReporter(ctx context.Context, interval time.Duration, logger *slog.Logger, sample func() progressSample) *reporter {
	r := &reporter{
		interval: interval,
		logger:   logger,
		sample:   sample,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if interval <= 0 {
		close(r.done)

		return r
	}

	go r.loop(ctx)

	return r
}

func (r *reporter) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.report(ctx)
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *reporter) report(ctx context.Context) {
	s := r.sample()

	attrs := []any{
		"packages", fmt.Sprintf("%d/%d", s.processed, s.total),
		"percent", fmt.Sprintf("%.1f%%", s.percent()),
		"elapsed", FormatETA(s.elapsed),
		"packages_per_sec", humanize.CommafWithDigits(perSecond(s.sessionPackages, s.elapsed), 2),
		"records", humanize.Comma(s.sessionRecords),
		"records_per_sec", humanize.CommafWithDigits(perSecond(s.sessionRecords, s.elapsed), 1),
	}

	if eta, ok := s.eta(); ok {
		attrs = append(attrs, "eta", FormatETA(eta))
	}

	r.logger.InfoContext(ctx, "export: progress", attrs...)
}

// shutdown stops the loop and waits up to timeout for it.
func (r *reporter) shutdown(timeout time.Duration) bool {
	select {
	case <-r.done:
		return true
	default:
	}

	close(r.stop)

	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
