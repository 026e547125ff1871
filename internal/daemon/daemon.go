package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/samstreets/Docker-Autoupdater/internal/config"
	"github.com/samstreets/Docker-Autoupdater/internal/docker"
	"github.com/samstreets/Docker-Autoupdater/internal/logging"
	"github.com/samstreets/Docker-Autoupdater/internal/metrics"
	"github.com/samstreets/Docker-Autoupdater/internal/notify"
	"github.com/samstreets/Docker-Autoupdater/internal/state"
	"github.com/samstreets/Docker-Autoupdater/internal/update"
)

// Daemon is the core loop that checks running containers for newer images
// and recreates them.
type Daemon struct {
	cfg        *config.Config
	client     docker.Client
	comparator *update.Comparator
	recreator  *update.Recreator
	notifier   *notify.MultiNotifier
	store      *state.Store
	Now        func() time.Time // injectable clock for testing

	// cycles never overlap, even when RunCycle is called directly
	cycleMu sync.Mutex
}

// Option customises a Daemon.
type Option func(*Daemon)

// WithNotifier replaces the notifier built from the config.
func WithNotifier(n *notify.MultiNotifier) Option {
	return func(d *Daemon) { d.notifier = n }
}

// WithStore replaces the stranded container store built from the config.
// A nil store disables recovery.
func WithStore(s *state.Store) Option {
	return func(d *Daemon) { d.store = s }
}

// New creates a daemon managing the containers of client.
func New(cfg *config.Config, client docker.Client, resolver update.DigestResolver, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:        cfg,
		client:     client,
		comparator: update.NewComparator(client, resolver, cfg.DryRun),
		recreator:  update.NewRecreator(client, cfg.StopTimeout, cfg.DryRun),
		Now:        time.Now,
	}
	d.notifier = d.newNotifier()
	if cfg.StateDir != "" {
		d.store = state.NewStore(cfg.StateDir)
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Daemon) newNotifier() *notify.MultiNotifier {
	n := notify.NewMultiNotifier(notify.Level(d.cfg.NotifyLevel), d.cfg.NotifyTimeout)
	if d.cfg.NotifyWebhook != "" {
		n.Add(notify.NewWebhook(d.cfg.NotifyWebhook, d.cfg.NotifyTimeout))
	}
	return n
}

// Run executes a cycle immediately and then again CheckInterval after each
// cycle completes. It returns after the first cycle when CheckInterval is
// zero, or once ctx is cancelled. A cycle already in progress is allowed to
// finish.
func (d *Daemon) Run(ctx context.Context) {
	logging.Get().Info().
		Dur("interval", d.cfg.CheckInterval).
		Bool("auto_update", d.cfg.AutoUpdate).
		Bool("dry_run", d.cfg.DryRun).
		Str("label_filter", d.cfg.LabelFilter.String()).
		Msg("starting autoupdater")

	for {
		// errors are logged by the cycle; the schedule continues regardless
		_, _ = d.RunCycle(context.WithoutCancel(ctx))

		if d.cfg.CheckInterval <= 0 {
			logging.Get().Info().Msg("check interval is zero; exiting after a single cycle")
			return
		}
		timer := time.NewTimer(d.cfg.CheckInterval)
		logging.Get().Debug().Time("next_run", d.Now().Add(d.cfg.CheckInterval)).Msg("waiting for next cycle")
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			logging.Get().Info().Msg("stopping autoupdater")
			return
		}
	}
}

// Wait blocks until pending notifications are delivered or ctx ends.
func (d *Daemon) Wait(ctx context.Context) error {
	return d.notifier.Wait(ctx)
}

// RunCycle performs one reconciliation pass and returns its summary. The
// returned error is set only when the container list could not be obtained;
// per-container failures are part of the summary.
func (d *Daemon) RunCycle(ctx context.Context) (update.Summary, error) {
	d.cycleMu.Lock()
	defer d.cycleMu.Unlock()

	log := logging.Get().With().Str("cycle", uuid.NewString()).Logger()
	start := d.Now()
	var sum update.Summary

	if !d.cfg.IsWithinPatchWindow(start) {
		log.Info().Str("window", d.cfg.PatchWindow).Msg("outside patch window, skipping cycle")
		metrics.IncPatchWindowSkip()
		return sum, nil
	}

	log.Info().Msg("checking containers for updates")
	containers, err := d.client.ListRunningContainers(ctx, d.cfg.LabelFilter.String())
	if err != nil {
		log.Error().Err(err).Str("kind", update.Classify(err)).Msg("failed to list containers")
		d.finishCycle(log, start, sum)
		return sum, err
	}

	running := make(map[string]struct{}, len(containers))
	for _, c := range containers {
		running[c.Name] = struct{}{}
	}
	d.recoverStranded(ctx, log, running, &sum)

	for _, c := range containers {
		if d.isSelf(c) {
			log.Debug().Str("container", c.Name).Msg("skipping own container")
			continue
		}
		if !d.cfg.LabelFilter.Matches(c.Labels) {
			log.Debug().Str("container", c.Name).Msg("container out of scope")
			continue
		}
		d.record(log, &sum, d.processContainer(ctx, log, c))
	}

	d.finishCycle(log, start, sum)
	return sum, nil
}

func (d *Daemon) finishCycle(log zerolog.Logger, start time.Time, sum update.Summary) {
	elapsed := d.Now().Sub(start)
	metrics.ObserveCycleDuration(elapsed)
	metrics.SetLastRun(d.Now())
	log.Info().
		Int("updated", len(sum.Updated)).
		Int("skipped", len(sum.Skipped)).
		Int("failed", len(sum.Failed)).
		Strs("updated_names", sum.Updated).
		Strs("skipped_names", sum.Skipped).
		Strs("failed_names", sum.Failed).
		Dur("duration", elapsed).
		Msg("cycle complete")
}

// record adds r to the summary and counts it.
func (d *Daemon) record(log zerolog.Logger, sum *update.Summary, r update.Result) {
	if !sum.Add(r) {
		log.Warn().Str("container", r.Name).Str("outcome", string(r.Outcome)).Msg("container already has an outcome this cycle")
		return
	}
	ev := log.Info()
	switch r.Outcome {
	case update.OutcomeUpdated:
		metrics.IncUpdate()
	case update.OutcomeSkipped:
		metrics.IncSkipped()
	case update.OutcomeFailed:
		metrics.IncUpdateFailed(r.Reason)
		ev = log.Error().Err(r.Err)
	}
	ev.Str("container", r.Name).Str("outcome", string(r.Outcome)).Str("reason", r.Reason).Msg("container processed")
}

// isSelf reports whether c is the container this process runs in.
func (d *Daemon) isSelf(c docker.Container) bool {
	if d.cfg.SelfID == "" {
		return false
	}
	return update.ShortID(c.ID) == update.ShortID(d.cfg.SelfID)
}

// processContainer runs check, decide and act for one container.
func (d *Daemon) processContainer(ctx context.Context, log zerolog.Logger, c docker.Container) update.Result {
	name := c.Name
	if name == "" {
		name = update.ShortID(c.ID)
	}
	log = log.With().Str("container", name).Logger()

	snap, err := d.client.Snapshot(ctx, c.ID)
	if err != nil {
		return update.Failed(name, err)
	}
	if snap.Name == "" {
		snap.Name = name
	}

	verdict, err := d.comparator.Check(ctx, snap)
	if err != nil {
		return update.Failed(name, err)
	}
	metrics.IncCheck(string(verdict.Strategy))
	if verdict.Pulled {
		metrics.IncImagePullSuccess()
	}

	switch {
	case verdict.Undetermined:
		return update.Skipped(name, "would check by pull")
	case !verdict.UpdateAvailable:
		return update.Skipped(name, "up to date")
	case d.cfg.DryRun:
		log.Info().Str("image", snap.Image).Msg("dry run: update available")
		return update.Skipped(name, "would update")
	case !d.cfg.AutoUpdate:
		log.Info().Str("image", snap.Image).Msg("update available; auto update disabled")
		d.notifier.Notify(ctx, notify.Event{Kind: notify.KindAvailable, Container: name, Image: snap.Image})
		return update.Skipped(name, "manual action required")
	}

	return d.act(ctx, log, snap, verdict)
}

// act pulls the new image when the check did not and recreates the container.
func (d *Daemon) act(ctx context.Context, log zerolog.Logger, snap update.Snapshot, verdict update.Verdict) update.Result {
	newImageID := verdict.Remote
	if !verdict.Pulled {
		id, err := d.client.PullImage(ctx, snap.Image)
		if err != nil {
			metrics.IncImagePullFailure()
			lerr := &update.LookupError{Ref: snap.Image, Strategy: update.StrategyPull, Err: err}
			d.notifier.Notify(ctx, notify.Event{Kind: notify.KindFailed, Container: snap.Name, Image: snap.Image, Err: lerr})
			return update.Failed(snap.Name, lerr)
		}
		metrics.IncImagePullSuccess()
		newImageID = id
	}

	if _, err := d.recreator.Recreate(ctx, snap, snap.Image); err != nil {
		if update.IsPostRemoval(err) {
			d.strand(log, snap, err)
			d.notifier.Notify(ctx, notify.Event{Kind: notify.KindDown, Container: snap.Name, Image: snap.Image, Err: err})
		} else {
			d.notifier.Notify(ctx, notify.Event{Kind: notify.KindFailed, Container: snap.Name, Image: snap.Image, Err: err})
		}
		return update.Failed(snap.Name, err)
	}

	d.notifier.Notify(ctx, notify.Event{Kind: notify.KindUpdated, Container: snap.Name, Image: snap.Image})
	if d.cfg.Cleanup && snap.ImageID != "" && snap.ImageID != newImageID {
		if err := d.client.RemoveImage(ctx, snap.ImageID); err != nil {
			log.Warn().Err(err).Str("old_image", snap.ImageID).Msg("failed to remove old image")
			metrics.IncCleanupFailed()
		}
	}
	return update.Updated(snap.Name, fmt.Sprintf("recreated on %s", snap.Image))
}

// strand records a container that was removed without a running replacement.
func (d *Daemon) strand(log zerolog.Logger, snap update.Snapshot, cause error) {
	if d.store == nil {
		return
	}
	rec := state.StrandedRecord{
		Name:      snap.Name,
		Image:     snap.Image,
		Snapshot:  snap.Clone(),
		Reason:    cause.Error(),
		Timestamp: d.Now().UTC(),
	}
	if err := d.store.Put(rec); err != nil {
		log.Error().Err(err).Str("state_file", d.store.Path()).Msg("failed to record stranded container")
	}
}

// recoverStranded relaunches containers recorded as removed without a
// replacement. Records whose name is in use again are dropped without an
// outcome.
func (d *Daemon) recoverStranded(ctx context.Context, log zerolog.Logger, running map[string]struct{}, sum *update.Summary) {
	if d.store == nil {
		return
	}
	records, err := d.store.List()
	if err != nil {
		log.Warn().Err(err).Str("state_file", d.store.Path()).Msg("failed reading stranded containers")
		return
	}
	remaining := 0
	defer func() { metrics.SetStranded(remaining) }()

	for _, r := range records {
		rlog := log.With().Str("container", r.Name).Str("image", r.Image).Logger()
		if _, ok := running[r.Name]; ok {
			d.dropRecord(rlog, r.Name)
			continue
		}
		exists, err := d.client.ContainerExists(ctx, r.Name)
		if err != nil {
			remaining++
			d.record(log, sum, update.Failed(r.Name, err))
			continue
		}
		if exists {
			d.dropRecord(rlog, r.Name)
			continue
		}
		if d.cfg.DryRun {
			remaining++
			d.record(log, sum, update.Skipped(r.Name, "would relaunch"))
			continue
		}

		rlog.Warn().Time("stranded_at", r.Timestamp).Msg("relaunching stranded container")
		if _, err := d.client.RunContainer(ctx, r.Snapshot, r.Image); err != nil {
			remaining++
			d.record(log, sum, update.Failed(r.Name, &update.RecreationError{Name: r.Name, Step: "relaunch", Stage: update.StagePostRemoval, Err: err}))
			continue
		}
		d.dropRecord(rlog, r.Name)
		d.notifier.Notify(ctx, notify.Event{Kind: notify.KindUpdated, Container: r.Name, Image: r.Image})
		d.record(log, sum, update.Updated(r.Name, "relaunched stranded container"))
	}
}

func (d *Daemon) dropRecord(log zerolog.Logger, name string) {
	if err := d.store.Remove(name); err != nil {
		log.Warn().Err(err).Msg("failed to remove stranded record")
		return
	}
	log.Info().Msg("stranded record cleared")
}
