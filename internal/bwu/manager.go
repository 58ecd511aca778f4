// Package bwu implements BwuManager: the coordination engine that owns every
// endpoint's upgrade session, picks which medium to upgrade to, and retries
// on failure. All session-map mutation happens on one serial work queue, the
// same "one goroutine, a channel of closures" shape the teacher uses for its
// signaling client's receive loop.
package bwu

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/google/nearby-sub006/internal/bwuerr"
	"github.com/google/nearby-sub006/internal/channel"
	"github.com/google/nearby-sub006/internal/frames"
	"github.com/google/nearby-sub006/internal/medium"
	"github.com/google/nearby-sub006/internal/mediums"
	"github.com/google/nearby-sub006/internal/upgrade"
)

const (
	linearInitialDelay      = 5 * time.Second
	linearMaxDelay          = 10 * time.Second
	exponentialInitialDelay = 3 * time.Second
	exponentialMaxDelay     = 300 * time.Second

	// defaultRetryRateLimit bounds how often retry alarms across every
	// endpoint may actually fire an upgrade attempt, so a peer that churns
	// its connection can't turn per-endpoint backoff into a work-queue
	// busy-loop.
	defaultRetryRateLimit = rate.Limit(2) // attempts/sec
	defaultRetryBurst     = 4
)

// Config wires a Manager to the mediums it coordinates.
type Config struct {
	LocalEndpointID          string
	Handlers                 map[medium.Tag]mediums.Handler
	MediumsInPreferenceOrder []medium.Tag

	// MultiMediumUpgrades, when true, keeps a medium's listener alive across
	// a single endpoint's disconnect as long as another endpoint is still
	// using it; when false (the default), any disconnect reverts that
	// endpoint's medium state immediately regardless of other endpoints.
	MultiMediumUpgrades bool

	// ExponentialBackoff switches the retry schedule from linear growth
	// (5s initial, +5s per attempt, capped at 10s) to exponential growth
	// (3s initial, doubling, capped at 300s).
	ExponentialBackoff bool

	// SyncDispatch makes every public method block until its posted task has
	// actually run on the work queue, instead of firing-and-forgetting.
	// Intended for tests and the simulate CLI, where deterministic ordering
	// matters more than not blocking a caller.
	SyncDispatch bool

	IntroductionTimeout time.Duration
	QueueSize           int

	// RetryRateLimit and RetryBurst bound how often retry alarms across all
	// endpoints may fire an actual upgrade attempt. Zero uses
	// defaultRetryRateLimit/defaultRetryBurst.
	RetryRateLimit rate.Limit
	RetryBurst     int

	OnBandwidthChanged func(endpointID string, newMedium medium.Tag)
	OnUpgradeFailed    func(endpointID string, err error)

	Logger *slog.Logger
}

type task func()

// Manager is the single point of coordination for bandwidth-upgrade
// sessions across every connected endpoint (spec.md §4.5).
type Manager struct {
	cfg   Config
	proto *upgrade.Protocol
	log   *slog.Logger

	tasks chan task
	done  chan struct{}

	// The following fields are mutated only from the work-queue goroutine
	// (run); no lock is needed for them by construction.
	activeChannels   map[string]channel.Channel
	connectedMediums map[string]medium.Tag
	serviceIDs       map[string]string
	inProgress       map[string]bool
	retryTimers      map[string]*time.Timer

	retryLimiter *rate.Limiter

	closeOnce sync.Once
}

// NewManager builds a Manager and starts its work-queue goroutine. Every
// handler's SetIncomingHandler is wired to feed accepted channels into the
// upgrade core on the same queue.
func NewManager(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	retryRateLimit := cfg.RetryRateLimit
	if retryRateLimit == 0 {
		retryRateLimit = defaultRetryRateLimit
	}
	retryBurst := cfg.RetryBurst
	if retryBurst == 0 {
		retryBurst = defaultRetryBurst
	}

	m := &Manager{
		cfg:              cfg,
		log:              log,
		tasks:            make(chan task, queueSize),
		done:             make(chan struct{}),
		activeChannels:   make(map[string]channel.Channel),
		connectedMediums: make(map[string]medium.Tag),
		serviceIDs:       make(map[string]string),
		inProgress:       make(map[string]bool),
		retryTimers:      make(map[string]*time.Timer),
		retryLimiter:     rate.NewLimiter(retryRateLimit, retryBurst),
	}

	m.proto = upgrade.NewProtocol(upgrade.Config{
		LocalEndpointID:     cfg.LocalEndpointID,
		Handlers:            cfg.Handlers,
		IntroductionTimeout: cfg.IntroductionTimeout,
		Logger:              log,
		OnBandwidthChanged:  m.onSessionComplete,
	})

	for _, h := range cfg.Handlers {
		h.SetIncomingHandler(func(ch channel.Channel) {
			m.post(func() { m.proto.OnIncomingChannel(context.Background(), ch) })
		})
	}

	go m.run()
	return m
}

func (m *Manager) run() {
	for t := range m.tasks {
		t()
	}
}

// post enqueues fn on the work queue. If SyncDispatch is set, post blocks
// until fn has actually run.
func (m *Manager) post(fn func()) {
	var wg sync.WaitGroup
	if m.cfg.SyncDispatch {
		wg.Add(1)
	}
	t := func() {
		fn()
		if m.cfg.SyncDispatch {
			wg.Done()
		}
	}
	select {
	case m.tasks <- t:
	case <-m.done:
		return
	}
	if m.cfg.SyncDispatch {
		wg.Wait()
	}
}

// do enqueues fn and always waits for its result, regardless of SyncDispatch
// — used by methods that must report success or failure to the caller.
func (m *Manager) do(fn func() error) error {
	resCh := make(chan error, 1)
	select {
	case m.tasks <- func() { resCh <- fn() }:
	case <-m.done:
		return bwuerr.New(bwuerr.Resource, "bwu manager is shut down")
	}
	return <-resCh
}

// InitiateBwuForEndpoint starts (or no-ops) a bandwidth upgrade for
// endpointID, currently reachable on currentChannel.
func (m *Manager) InitiateBwuForEndpoint(ctx context.Context, endpointID, serviceID string, currentChannel channel.Channel) error {
	return m.do(func() error {
		m.activeChannels[endpointID] = currentChannel
		m.connectedMediums[endpointID] = currentChannel.Medium()
		m.serviceIDs[endpointID] = serviceID

		if m.inProgress[endpointID] {
			return bwuerr.New(bwuerr.Policy, "upgrade already in progress for "+endpointID)
		}

		chosen := m.chooseBestUpgradeMedium(endpointID, m.cfg.MediumsInPreferenceOrder)
		if chosen == medium.Unknown {
			return nil
		}

		m.inProgress[endpointID] = true
		if err := m.proto.InitiateUpgrade(ctx, endpointID, serviceID, currentChannel, chosen); err != nil {
			m.scheduleRetryLocked(endpointID, serviceID, 0)
			return err
		}
		return nil
	})
}

// chooseBestUpgradeMedium implements spec.md §4.5's four-step selection:
// intersect the caller's preference order with locally available mediums
// (dropping WifiHotspot while WifiLan is in use); with no medium chosen yet
// for the endpoint, take the first remaining preference; otherwise reuse the
// previously chosen medium if it is still a candidate and return Unknown if
// it is not.
//
// "Locally available" here means "a handler is registered for it" — this
// stand-in implementation has no radio capability probe to intersect
// against, since every medium here is a software handler rather than a
// physical adapter that can be absent.
func (m *Manager) chooseBestUpgradeMedium(endpointID string, preferenceOrder []medium.Tag) medium.Tag {
	wifiLanInUse := false
	for _, t := range m.connectedMediums {
		if t == medium.WifiLan {
			wifiLanInUse = true
			break
		}
	}

	var candidates []medium.Tag
	for _, tag := range preferenceOrder {
		if _, ok := m.cfg.Handlers[tag]; !ok {
			continue
		}
		if wifiLanInUse && tag == medium.WifiHotspot {
			continue
		}
		candidates = append(candidates, tag)
	}
	if len(candidates) == 0 {
		return medium.Unknown
	}

	sess, hasSession := m.proto.Session(endpointID)
	if !hasSession || sess.ChosenMedium == medium.Unknown {
		return candidates[0]
	}
	for _, c := range candidates {
		if c == sess.ChosenMedium {
			return sess.ChosenMedium
		}
	}
	return medium.Unknown
}

// untriedMediums drops every medium in preferenceOrder up to and including
// the last attempted one, returning the remaining tail as candidates for the
// next retry (spec.md §4.5).
func untriedMediums(preferenceOrder, attempted []medium.Tag) []medium.Tag {
	if len(attempted) == 0 {
		return preferenceOrder
	}
	last := attempted[len(attempted)-1]
	idx := -1
	for i, t := range preferenceOrder {
		if t == last {
			idx = i
		}
	}
	if idx == -1 || idx+1 >= len(preferenceOrder) {
		return nil
	}
	return preferenceOrder[idx+1:]
}

func (m *Manager) retryDelayBounds() (initial, max time.Duration) {
	if m.cfg.ExponentialBackoff {
		return exponentialInitialDelay, exponentialMaxDelay
	}
	return linearInitialDelay, linearMaxDelay
}

func (m *Manager) nextRetryDelay(prev time.Duration) time.Duration {
	initial, max := m.retryDelayBounds()
	if prev <= 0 {
		return initial
	}
	next := prev + initial
	if m.cfg.ExponentialBackoff {
		next = prev * 2
	}
	if next > max {
		next = max
	}
	return next
}

// scheduleRetryLocked arms the alarm executor for endpointID's next attempt.
// Must run on the work queue.
func (m *Manager) scheduleRetryLocked(endpointID, serviceID string, prevDelay time.Duration) {
	if t, ok := m.retryTimers[endpointID]; ok {
		t.Stop()
	}
	delay := m.nextRetryDelay(prevDelay)
	m.proto.SetRetryDelay(endpointID, delay)
	m.retryTimers[endpointID] = time.AfterFunc(delay, func() {
		m.post(func() { m.retryUpgrade(endpointID, serviceID) })
	})
}

// retryUpgrade runs on the work queue when an armed alarm fires.
func (m *Manager) retryUpgrade(endpointID, serviceID string) {
	delete(m.retryTimers, endpointID)

	if !m.retryLimiter.Allow() {
		// Every endpoint backs off independently, so a peer that keeps
		// disconnecting and reconnecting can still pile up alarms that all
		// fire close together; re-arm at the floor delay instead of
		// attempting immediately.
		m.scheduleRetryLocked(endpointID, serviceID, 0)
		return
	}

	ch, stillConnected := m.activeChannels[endpointID]
	if !stillConnected {
		delete(m.inProgress, endpointID)
		return
	}

	sess, _ := m.proto.Session(endpointID)
	tail := untriedMediums(m.cfg.MediumsInPreferenceOrder, sess.AttemptedMediums)
	chosen := m.chooseBestUpgradeMedium(endpointID, tail)
	if chosen == medium.Unknown {
		delete(m.inProgress, endpointID)
		if m.cfg.OnUpgradeFailed != nil {
			m.cfg.OnUpgradeFailed(endpointID, bwuerr.New(bwuerr.Policy, "no untried medium left for "+endpointID))
		}
		return
	}

	if err := m.proto.InitiateUpgrade(context.Background(), endpointID, serviceID, ch, chosen); err != nil {
		m.scheduleRetryLocked(endpointID, serviceID, sess.RetryDelay)
		if m.cfg.OnUpgradeFailed != nil {
			m.cfg.OnUpgradeFailed(endpointID, err)
		}
	}
}

// onSessionComplete is upgrade.Protocol's OnBandwidthChanged hook: it updates
// this endpoint's recorded medium and clears in-progress/retry bookkeeping
// before forwarding to the caller's callback.
func (m *Manager) onSessionComplete(endpointID string, newMedium medium.Tag) {
	m.connectedMediums[endpointID] = newMedium
	delete(m.inProgress, endpointID)
	if t, ok := m.retryTimers[endpointID]; ok {
		t.Stop()
		delete(m.retryTimers, endpointID)
	}
	if m.cfg.OnBandwidthChanged != nil {
		m.cfg.OnBandwidthChanged(endpointID, newMedium)
	}
}

// OnIncomingFrame dispatches a decoded control frame arriving on ch for
// endpointID onto the work queue.
func (m *Manager) OnIncomingFrame(endpointID string, ch channel.Channel, f *frames.BandwidthUpgradeNegotiationFrame) {
	m.post(func() {
		switch f.Event {
		case frames.UpgradePathAvailable:
			m.handleUpgradePathAvailable(endpointID, ch, f.UpgradePathInfo)
		case frames.LastWriteToPriorChannel:
			if err := m.proto.OnLastWrite(context.Background(), endpointID); err != nil {
				m.log.Debug("last write", "endpoint", endpointID, "error", err)
			}
		case frames.SafeToClosePriorChannel:
			if err := m.proto.OnSafeToClose(context.Background(), endpointID); err != nil {
				m.log.Debug("safe to close", "endpoint", endpointID, "error", err)
			}
		case frames.UpgradeFailure:
			if err := m.proto.OnUpgradeFailure(endpointID, f.UpgradePathInfo); err != nil {
				m.log.Debug("peer-reported upgrade failure", "endpoint", endpointID, "error", err)
			}
			m.inProgress[endpointID] = false
			serviceID := m.serviceIDs[endpointID]
			m.scheduleRetryLocked(endpointID, serviceID, 0)
		}
	})
}

func (m *Manager) handleUpgradePathAvailable(endpointID string, ch channel.Channel, info *frames.UpgradePathInfo) {
	if info != nil && info.Medium == medium.WifiHotspot {
		for _, t := range m.connectedMediums {
			if t == medium.WifiLan {
				m.log.Warn("refusing wifi_hotspot upgrade path while a wifi_lan endpoint is connected", "endpoint", endpointID)
				return
			}
		}
	}
	serviceID := m.serviceIDs[endpointID]
	if err := m.proto.OnUpgradePathAvailable(context.Background(), endpointID, serviceID, ch, info); err != nil {
		m.log.Warn("upgrade path available", "endpoint", endpointID, "error", err)
	}
}

// OnEndpointDisconnect tears down endpointID's upgrade bookkeeping: its
// retry alarm, its session's retained previous channel, and — once it is
// the last endpoint on its medium or MultiMediumUpgrades is disabled — the
// medium's own state.
func (m *Manager) OnEndpointDisconnect(endpointID string) {
	m.post(func() {
		if t, ok := m.retryTimers[endpointID]; ok {
			t.Stop()
			delete(m.retryTimers, endpointID)
		}

		lastMedium, hadSession := m.proto.Forget(endpointID)
		delete(m.inProgress, endpointID)
		delete(m.activeChannels, endpointID)
		delete(m.connectedMediums, endpointID)
		serviceID := m.serviceIDs[endpointID]
		delete(m.serviceIDs, endpointID)

		for _, h := range m.cfg.Handlers {
			h.OnEndpointDisconnect(endpointID)
		}

		if !hadSession || lastMedium == medium.Unknown {
			return
		}
		handler, ok := m.cfg.Handlers[lastMedium]
		if !ok {
			return
		}
		// <= 1 rather than == 0: carried forward from the original upgrade
		// manager, whose author left this exact comparison with a comment
		// doubting it should be == 0 instead. Left unchanged rather than
		// silently "fixed".
		if len(m.connectedMediums) <= 1 || !m.cfg.MultiMediumUpgrades {
			handler.RevertInitiatorState(medium.WrapUpgradeServiceID(serviceID), endpointID)
		}
		if lastMedium == medium.WifiHotspot || lastMedium == medium.WifiDirect {
			handler.RevertResponderState(serviceID)
		}
	})
}

// StopBroadcast reverts every endpoint's listener interest registered under
// serviceID, as when the process stops advertising entirely.
func (m *Manager) StopBroadcast(serviceID string) {
	m.post(func() {
		upgradeServiceID := medium.WrapUpgradeServiceID(serviceID)
		for endpointID, sid := range m.serviceIDs {
			if sid != serviceID {
				continue
			}
			sess, ok := m.proto.Session(endpointID)
			if !ok || sess.ChosenMedium == medium.Unknown {
				continue
			}
			if handler, ok := m.cfg.Handlers[sess.ChosenMedium]; ok {
				handler.RevertInitiatorState(upgradeServiceID, endpointID)
			}
		}
	})
}

// EndpointStatus is a read-only snapshot of one endpoint's bandwidth-upgrade
// bookkeeping, suitable for serving over the control socket.
type EndpointStatus struct {
	EndpointID string
	ServiceID  string
	Medium     medium.Tag
	InProgress bool
	RetryArmed bool
}

// Snapshot returns the current bookkeeping for every endpoint the Manager
// knows about. Safe to call from any goroutine.
func (m *Manager) Snapshot() []EndpointStatus {
	var out []EndpointStatus
	_ = m.do(func() error {
		out = make([]EndpointStatus, 0, len(m.connectedMediums))
		for endpointID, med := range m.connectedMediums {
			_, retryArmed := m.retryTimers[endpointID]
			out = append(out, EndpointStatus{
				EndpointID: endpointID,
				ServiceID:  m.serviceIDs[endpointID],
				Medium:     med,
				InProgress: m.inProgress[endpointID],
				RetryArmed: retryArmed,
			})
		}
		return nil
	})
	return out
}

// Shutdown stops the work queue and alarm executor, forcibly closes every
// retained previous channel, and reverts every handler's state.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() {
		done := make(chan struct{})
		m.post(func() {
			for endpointID, t := range m.retryTimers {
				t.Stop()
				delete(m.retryTimers, endpointID)
			}
			for endpointID := range m.activeChannels {
				m.proto.Forget(endpointID)
			}
			for _, h := range m.cfg.Handlers {
				h.RevertInitiatorStateAll()
			}
			close(done)
		})
		<-done
		close(m.done)
		close(m.tasks)
	})
}
