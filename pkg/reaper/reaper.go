// Package reaper implements the background loop that expires namespaces
// whose lease has lapsed and periodically resynchronizes the state index
// from the cluster's authoritative namespace annotations.
package reaper

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/acmcyber/instancer/internal/telemetry"
	"github.com/acmcyber/instancer/pkg/cluster"
)

const (
	defaultInterval       = 5 * time.Second
	defaultResyncInterval = 60 * time.Second
)

// Engine is the subset of *pkg/engine.Engine the reaper needs.
type Engine interface {
	Stop(ctx context.Context, namespace string) error
}

// Index is the subset of *pkg/stateindex.Index the reaper needs.
type Index interface {
	ExpiredBefore(ctx context.Context, cutoff int64) ([]string, error)
	AllExpirations(ctx context.Context) (map[string]int64, error)
	AllBootTimes(ctx context.Context) (map[string]int64, error)
	SetExpiration(ctx context.Context, namespace string, unixSeconds int64) error
	SetBootTime(ctx context.Context, namespace string, unixSeconds int64) error
	RemoveExpiration(ctx context.Context, namespace string) error
	RemoveBootTime(ctx context.Context, namespace string) error
	LastResync(ctx context.Context) (int64, error)
	MarkResync(ctx context.Context, unixSeconds int64) error
}

// ClusterClient is the subset of *pkg/cluster.Client the reaper needs.
type ClusterClient interface {
	ListNamespaces(ctx context.Context) ([]corev1.Namespace, error)
}

// Reaper runs the expire-then-resync loop.
type Reaper struct {
	Engine  Engine
	Index   Index
	Cluster ClusterClient
	Logger  *slog.Logger

	// Interval is the sleep between ticks (default 5s).
	Interval time.Duration
	// ResyncInterval throttles the resync pass to at most once per this
	// duration (default 60s).
	ResyncInterval time.Duration

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (r *Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Reaper) interval() time.Duration {
	if r.Interval <= 0 {
		return defaultInterval
	}
	return r.Interval
}

func (r *Reaper) resyncInterval() time.Duration {
	if r.ResyncInterval <= 0 {
		return defaultResyncInterval
	}
	return r.ResyncInterval
}

func (r *Reaper) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Run loops until ctx is cancelled, running one tick every Interval. A
// failing tick is logged and does not stop the loop; the reaper is the
// convergence backstop and must keep running.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger().Error("reaper tick failed", "error", err)
			}
		}
	}
}

// Tick runs one expire pass and, if due, one resync pass.
func (r *Reaper) Tick(ctx context.Context) error {
	if err := r.expire(ctx); err != nil {
		return err
	}

	due, err := r.resyncDue(ctx)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}
	return r.resync(ctx)
}

// expire stops every namespace whose expiration score is <= now.
func (r *Reaper) expire(ctx context.Context) error {
	namespaces, err := r.Index.ExpiredBefore(ctx, r.now().Unix())
	if err != nil {
		return err
	}

	for _, ns := range namespaces {
		if err := r.Engine.Stop(ctx, ns); err != nil {
			r.logger().Error("reaper failed to stop expired namespace", "namespace", ns, "error", err)
			continue
		}
		telemetry.ReaperExpiredTotal.Inc()
	}
	return nil
}

func (r *Reaper) resyncDue(ctx context.Context) (bool, error) {
	last, err := r.Index.LastResync(ctx)
	if err != nil {
		return false, err
	}
	return r.now().Unix()-last >= int64(r.resyncInterval().Seconds()), nil
}

// resync lists every namespace on the cluster, upserts the index from
// authoritative annotations, and corrects drift in both directions: an
// index entry whose namespace no longer carries the matching annotation is
// removed.
func (r *Reaper) resync(ctx context.Context) error {
	start := r.now()
	defer func() {
		telemetry.ReaperResyncDuration.Observe(r.now().Sub(start).Seconds())
	}()

	namespaces, err := r.Cluster.ListNamespaces(ctx)
	if err != nil {
		return err
	}

	expirations := map[string]int64{}
	bootTimes := map[string]int64{}
	for _, ns := range namespaces {
		if v, ok := ns.Annotations[cluster.AnnotationExpires]; ok {
			if unix, parseErr := strconv.ParseInt(v, 10, 64); parseErr == nil {
				expirations[ns.Name] = unix
			}
		}
		if v, ok := ns.Annotations[cluster.AnnotationStartTime]; ok {
			if unix, parseErr := strconv.ParseInt(v, 10, 64); parseErr == nil {
				bootTimes[ns.Name] = unix
			}
		}
	}

	for name, unix := range expirations {
		if err := r.Index.SetExpiration(ctx, name, unix); err != nil {
			return err
		}
	}
	for name, unix := range bootTimes {
		if err := r.Index.SetBootTime(ctx, name, unix); err != nil {
			return err
		}
	}

	if err := r.correctDrift(ctx, expirations, bootTimes); err != nil {
		return err
	}

	return r.Index.MarkResync(ctx, r.now().Unix())
}

// correctDrift removes expiration/boot_time entries whose namespace no
// longer carries the corresponding annotation, independently in each
// direction, since a namespace might lose one annotation but not the other if it
// was edited directly on the cluster.
func (r *Reaper) correctDrift(ctx context.Context, expirations, bootTimes map[string]int64) error {
	existingExp, err := r.Index.AllExpirations(ctx)
	if err != nil {
		return err
	}
	for name := range existingExp {
		if _, ok := expirations[name]; !ok {
			if err := r.Index.RemoveExpiration(ctx, name); err != nil {
				return err
			}
			telemetry.ReaperDriftCorrectedTotal.WithLabelValues("removed").Inc()
		}
	}

	existingBoot, err := r.Index.AllBootTimes(ctx)
	if err != nil {
		return err
	}
	for name := range existingBoot {
		if _, ok := bootTimes[name]; !ok {
			if err := r.Index.RemoveBootTime(ctx, name); err != nil {
				return err
			}
			telemetry.ReaperDriftCorrectedTotal.WithLabelValues("removed").Inc()
		}
	}

	return nil
}
