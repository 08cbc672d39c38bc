// Package imagepoller schedules recurring registry-digest probes per bot
// instance (spec.md §4.9): one timer per trackable bot, firing at an
// interval keyed by the bot's release channel, comparing the registry's
// current manifest digest against what the node reports running and
// gating any detected update through the bot's update policy.
package imagepoller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/wopr/fleetctl/internal/store"
)

// Resolver fetches the digest the registry currently serves for image.
// The production implementation authenticates against the registry and
// HEADs the manifest; tests substitute a stub.
type Resolver interface {
	RemoteDigest(ctx context.Context, image string) (digest.Digest, error)
}

// NodeInspector asks a node what digest it's currently running for a bot,
// over the node command bus (bot.inspect).
type NodeInspector interface {
	CurrentDigest(ctx context.Context, nodeID, botID string) (digest.Digest, error)
}

// UpdateHandler is invoked when a newer digest is available and the bot's
// update policy permits applying it now. It's expected to issue the
// restart-with-new-image command sequence on the command bus.
type UpdateHandler func(ctx context.Context, bot store.BotInstance, newDigest digest.Digest)

var channelIntervals = map[store.ReleaseChannel]time.Duration{
	store.ChannelCanary:  5 * time.Minute,
	store.ChannelStaging: 15 * time.Minute,
	store.ChannelStable:  30 * time.Minute,
}

// Poller owns one timer per tracked bot. Timers are self-rescheduling:
// each firing runs a probe then arms the next one, so a slow probe never
// causes overlapping runs for the same bot.
type Poller struct {
	mu     sync.Mutex
	timers map[string]*time.Timer

	bots      *store.BotInstanceRepo
	resolver  Resolver
	inspector NodeInspector
	onUpdate  UpdateHandler
	logger    *slog.Logger
	nowFunc   func() time.Time
}

func NewPoller(bots *store.BotInstanceRepo, resolver Resolver, inspector NodeInspector, onUpdate UpdateHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		timers:    make(map[string]*time.Timer),
		bots:      bots,
		resolver:  resolver,
		inspector: inspector,
		onUpdate:  onUpdate,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Start seeds the scheduler from every currently trackable bot.
func (p *Poller) Start(ctx context.Context) error {
	bots, err := p.bots.ListTrackable(ctx)
	if err != nil {
		return err
	}
	for _, bot := range bots {
		p.TrackBot(ctx, bot)
	}
	return nil
}

// TrackBot (re)arms bot's timer at its channel's interval, replacing any
// existing timer for the same bot atomically. Pinned bots, and any
// channel this poller doesn't recognize, are never tracked.
func (p *Poller) TrackBot(ctx context.Context, bot store.BotInstance) {
	interval, ok := channelIntervals[bot.ReleaseChannel]
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, tracked := p.timers[bot.ID]; tracked {
		existing.Stop()
	}
	p.timers[bot.ID] = time.AfterFunc(interval, func() { p.fire(ctx, bot, interval) })
}

// UntrackBot cancels bot's timer, if any.
func (p *Poller) UntrackBot(botID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, tracked := p.timers[botID]; tracked {
		t.Stop()
		delete(p.timers, botID)
	}
}

func (p *Poller) fire(ctx context.Context, bot store.BotInstance, interval time.Duration) {
	if err := p.probeOnce(ctx, bot); err != nil {
		p.logger.Warn("imagepoller: probe failed", "bot_id", bot.ID, "image", bot.Image, "err", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, stillTracked := p.timers[bot.ID]; stillTracked {
		p.timers[bot.ID] = time.AfterFunc(interval, func() { p.fire(ctx, bot, interval) })
	}
}

func (p *Poller) probeOnce(ctx context.Context, bot store.BotInstance) error {
	if bot.NodeID == nil {
		return nil
	}

	remote, err := p.resolver.RemoteDigest(ctx, bot.Image)
	if err != nil {
		return err
	}
	current, err := p.inspector.CurrentDigest(ctx, *bot.NodeID, bot.ID)
	if err != nil {
		return err
	}
	if remote == current {
		return nil
	}
	if !policyPermits(bot.UpdatePolicy, p.nowFunc()) {
		return nil
	}

	p.onUpdate(ctx, bot, remote)
	return nil
}

// policyPermits reports whether now is a valid moment to apply an update
// under policy: immediate for on-push, only inside the 3:00-3:05 UTC
// window for nightly, never for manual.
func policyPermits(policy store.UpdatePolicy, now time.Time) bool {
	switch policy {
	case store.UpdateOnPush:
		return true
	case store.UpdateNightly:
		u := now.UTC()
		return u.Hour() == 3 && u.Minute() < 5
	default:
		return false
	}
}
