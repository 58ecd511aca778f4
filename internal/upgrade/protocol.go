package upgrade

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/nearby-sub006/internal/bwuerr"
	"github.com/google/nearby-sub006/internal/channel"
	"github.com/google/nearby-sub006/internal/frames"
	"github.com/google/nearby-sub006/internal/medium"
	"github.com/google/nearby-sub006/internal/mediums"
)

// defaultIntroductionTimeout bounds both the responder's wait for the
// optional CLIENT_INTRODUCTION_ACK and the initiator's wait for
// CLIENT_INTRODUCTION on a freshly accepted channel (spec.md §4.4: "a single
// fixed read-client-introduction timeout").
const defaultIntroductionTimeout = 5 * time.Second

// Config wires a Protocol to the rest of the stack. Every method is meant to
// be called from BwuManager's single serial work queue; Protocol still
// serializes internally with a mutex so it is also safe to drive directly in
// tests.
type Config struct {
	LocalEndpointID string
	Handlers        map[medium.Tag]mediums.Handler

	// IntroductionTimeout overrides defaultIntroductionTimeout.
	IntroductionTimeout time.Duration

	// OnBandwidthChanged fires once a session reaches Complete.
	OnBandwidthChanged func(endpointID string, newMedium medium.Tag)

	Logger *slog.Logger
}

// Protocol drives the per-endpoint upgrade handshake described by spec.md
// §4.4: five control frames exchanged over an EndpointChannel pair, ending in
// either Complete (new medium in place) or Failed.
type Protocol struct {
	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
	log      *slog.Logger
}

// NewProtocol constructs a Protocol. cfg.Handlers should contain one entry
// per medium this process can initiate or respond to upgrades on.
func NewProtocol(cfg Config) *Protocol {
	if cfg.IntroductionTimeout <= 0 {
		cfg.IntroductionTimeout = defaultIntroductionTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Protocol{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// Session returns a snapshot of endpointID's current session state.
func (p *Protocol) Session(endpointID string) (Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[endpointID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

func (p *Protocol) sessionLocked(endpointID, serviceID string) *Session {
	sess, ok := p.sessions[endpointID]
	if !ok {
		sess = newSession(endpointID, serviceID)
		p.sessions[endpointID] = sess
	}
	return sess
}

// SetRetryDelay records the backoff delay BwuManager computed for
// endpointID's next retry attempt, so it survives alongside the rest of the
// session's bookkeeping (spec.md §3's retry_delay field).
func (p *Protocol) SetRetryDelay(endpointID string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[endpointID]; ok {
		sess.RetryDelay = d
	}
}

// Forget drops endpointID's session, closing any retained previous channel.
// Used by the disconnect path once the endpoint's main connection is gone.
func (p *Protocol) Forget(endpointID string) (lastChosenMedium medium.Tag, hadSession bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[endpointID]
	if !ok {
		return medium.Unknown, false
	}
	if sess.PreviousChannel != nil {
		_ = sess.PreviousChannel.Close(channel.Shutdown)
	}
	delete(p.sessions, endpointID)
	return sess.ChosenMedium, true
}

// InitiateUpgrade starts an upgrade to chosenMedium for endpointID, currently
// reachable on oldChannel. Same-medium requests are silently ignored per
// spec.md §4.4.
func (p *Protocol) InitiateUpgrade(ctx context.Context, endpointID, serviceID string, oldChannel channel.Channel, chosenMedium medium.Tag) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess := p.sessionLocked(endpointID, serviceID)
	if sess.State != Idle {
		return bwuerr.New(bwuerr.Policy, "upgrade already in progress for "+endpointID)
	}
	if chosenMedium == oldChannel.Medium() {
		p.log.Debug("ignoring same-medium upgrade", "endpoint", endpointID, "medium", chosenMedium)
		return nil
	}
	handler, ok := p.cfg.Handlers[chosenMedium]
	if !ok {
		return bwuerr.New(bwuerr.Resource, "no handler for medium "+chosenMedium.String())
	}

	upgradeServiceID := medium.WrapUpgradeServiceID(serviceID)
	info, err := handler.InitializeForEndpoint(ctx, upgradeServiceID, endpointID)
	if err != nil {
		return bwuerr.Wrap(bwuerr.Resource, "initializing "+chosenMedium.String()+" for upgrade", err)
	}
	info.SupportsClientIntroductionAck = true

	raw, err := frames.EncodeBWU(&frames.BandwidthUpgradeNegotiationFrame{
		Event:           frames.UpgradePathAvailable,
		UpgradePathInfo: info,
	})
	if err != nil {
		handler.RevertInitiatorState(upgradeServiceID, endpointID)
		return bwuerr.Wrap(bwuerr.Protocol, "encoding upgrade path available", err)
	}
	if err := oldChannel.Write(ctx, raw); err != nil {
		handler.RevertInitiatorState(upgradeServiceID, endpointID)
		return bwuerr.Wrap(bwuerr.Transport, "writing upgrade path available", err)
	}

	sess.ActiveChannel = oldChannel
	sess.ChosenMedium = chosenMedium
	sess.AttemptedMediums = append(sess.AttemptedMediums, chosenMedium)
	sess.supportsClientIntroductionAck = true
	sess.State = AwaitingPeerChannel
	return nil
}

// OnUpgradePathAvailable handles the responder side of receiving
// UPGRADE_PATH_AVAILABLE on endpointID's current channel.
func (p *Protocol) OnUpgradePathAvailable(ctx context.Context, endpointID, serviceID string, oldChannel channel.Channel, info *frames.UpgradePathInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess := p.sessionLocked(endpointID, serviceID)
	if sess.State.inProgress() {
		p.abortLocked(sess)
		return bwuerr.New(bwuerr.Protocol, "duplicate upgrade path available for "+endpointID)
	}
	if sess.ActiveChannel == nil {
		sess.ActiveChannel = oldChannel
	}
	if info != nil && info.Medium == oldChannel.Medium() {
		p.log.Debug("ignoring same-medium upgrade path available", "endpoint", endpointID)
		return nil
	}
	if err := frames.ValidateUpgradePathInfo(info); err != nil {
		p.writeUpgradeFailure(ctx, oldChannel, info)
		return err
	}

	handler, ok := p.cfg.Handlers[info.Medium]
	if !ok {
		p.writeUpgradeFailure(ctx, oldChannel, info)
		return bwuerr.New(bwuerr.Resource, "no handler for medium "+info.Medium.String())
	}

	sess.State = Initiated
	sess.ChosenMedium = info.Medium
	sess.supportsClientIntroductionAck = info.SupportsClientIntroductionAck

	newCh, err := handler.CreateUpgradedChannel(ctx, serviceID, endpointID, info)
	if err != nil {
		handler.RevertResponderState(serviceID)
		p.writeUpgradeFailure(ctx, oldChannel, info)
		sess.State = Idle
		return bwuerr.Wrap(bwuerr.Transport, "dialing upgraded channel", err)
	}

	introRaw, err := frames.EncodeBWU(&frames.BandwidthUpgradeNegotiationFrame{
		Event: frames.ClientIntroductionEvent,
		ClientIntroduction: &frames.ClientIntroduction{
			EndpointID:                  p.cfg.LocalEndpointID,
			SupportsDisablingEncryption: true,
		},
	})
	if err != nil {
		_ = newCh.Close(channel.IOError)
		handler.RevertResponderState(serviceID)
		p.writeUpgradeFailure(ctx, oldChannel, info)
		sess.State = Idle
		return bwuerr.Wrap(bwuerr.Protocol, "encoding client introduction", err)
	}
	if err := newCh.Write(ctx, introRaw); err != nil {
		_ = newCh.Close(channel.IOError)
		handler.RevertResponderState(serviceID)
		p.writeUpgradeFailure(ctx, oldChannel, info)
		sess.State = Idle
		return bwuerr.Wrap(bwuerr.Transport, "writing client introduction", err)
	}

	if info.SupportsClientIntroductionAck {
		ackCtx, cancel := context.WithTimeout(ctx, p.cfg.IntroductionTimeout)
		raw, err := newCh.Read(ackCtx)
		cancel()
		if err == nil {
			var of *frames.OfflineFrame
			of, err = frames.Decode(raw)
			if err == nil && (of.BandwidthUpgradeNegotiation == nil || of.BandwidthUpgradeNegotiation.Event != frames.ClientIntroductionAck) {
				err = bwuerr.New(bwuerr.Protocol, "expected client introduction ack")
			}
		}
		if err != nil {
			_ = newCh.Close(channel.IOError)
			handler.RevertResponderState(serviceID)
			p.writeUpgradeFailure(ctx, oldChannel, info)
			sess.State = Idle
			return bwuerr.Wrap(bwuerr.Transport, "reading client introduction ack", err)
		}
	}

	p.registerNewChannelLocked(ctx, sess, newCh)
	return nil
}

// OnIncomingChannel handles a channel a medium handler just accepted, on the
// initiator side: the first frame read off it must be CLIENT_INTRODUCTION,
// identifying which endpoint the responder is completing an upgrade for.
func (p *Protocol) OnIncomingChannel(ctx context.Context, ch channel.Channel) {
	introCtx, cancel := context.WithTimeout(ctx, p.introTimeout())
	raw, err := ch.Read(introCtx)
	cancel()
	if err != nil {
		p.log.Warn("timed out waiting for client introduction on new channel", "error", err)
		_ = ch.Close(channel.Unfinished)
		return
	}
	of, err := frames.Decode(raw)
	if err != nil || of.BandwidthUpgradeNegotiation == nil ||
		of.BandwidthUpgradeNegotiation.Event != frames.ClientIntroductionEvent ||
		of.BandwidthUpgradeNegotiation.ClientIntroduction == nil {
		p.log.Warn("unexpected frame on new channel, want client introduction")
		_ = ch.Close(channel.Unfinished)
		return
	}
	intro := of.BandwidthUpgradeNegotiation.ClientIntroduction

	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[intro.EndpointID]
	if !ok || sess.State != AwaitingPeerChannel {
		p.log.Warn("client introduction for endpoint not awaiting a peer channel", "endpoint", intro.EndpointID)
		_ = ch.Close(channel.Unfinished)
		return
	}

	if sess.supportsClientIntroductionAck {
		ackRaw, err := frames.EncodeBWU(&frames.BandwidthUpgradeNegotiationFrame{Event: frames.ClientIntroductionAck})
		if err != nil {
			p.log.Error("encoding client introduction ack", "error", err)
		} else if err := ch.Write(ctx, ackRaw); err != nil {
			p.log.Warn("writing client introduction ack", "error", err)
		}
	}

	p.registerNewChannelLocked(ctx, sess, ch)
}

// registerNewChannelLocked pauses newCh, promotes it to ActiveChannel,
// demotes the prior ActiveChannel to PreviousChannel, writes this side's own
// LAST_WRITE to it, and moves to AwaitingLastWriteFromPeer — or straight
// through to AwaitingSafeToCloseFromPeer if the peer's LAST_WRITE already
// latched in (spec.md §4.4 early-drain edge case).
func (p *Protocol) registerNewChannelLocked(ctx context.Context, sess *Session, newCh channel.Channel) {
	newCh.Pause()
	sess.PreviousChannel = sess.ActiveChannel
	sess.ActiveChannel = newCh
	sess.State = AwaitingLastWriteFromPeer

	raw, err := frames.EncodeBWU(&frames.BandwidthUpgradeNegotiationFrame{Event: frames.LastWriteToPriorChannel})
	if err != nil {
		p.log.Error("encoding last write to prior channel", "error", err)
		return
	}
	if err := sess.PreviousChannel.Write(ctx, raw); err != nil {
		p.log.Warn("writing last write to prior channel", "error", err)
	}

	if sess.SuccessfullyDrainedPrior {
		p.advanceToSafeToCloseLocked(ctx, sess)
	}
}

// OnLastWrite handles LAST_WRITE_TO_PRIOR_CHANNEL arriving on the prior
// channel. If it arrives before the new channel is registered, it latches
// SuccessfullyDrainedPrior instead of acting immediately.
func (p *Protocol) OnLastWrite(ctx context.Context, endpointID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[endpointID]
	if !ok {
		return bwuerr.New(bwuerr.Protocol, "last write for unknown endpoint "+endpointID)
	}
	switch sess.State {
	case Initiated, AwaitingPeerChannel:
		sess.SuccessfullyDrainedPrior = true
	case AwaitingLastWriteFromPeer:
		p.advanceToSafeToCloseLocked(ctx, sess)
	default:
		p.log.Debug("ignoring last write in unexpected state", "endpoint", endpointID, "state", sess.State.String())
	}
	return nil
}

func (p *Protocol) advanceToSafeToCloseLocked(ctx context.Context, sess *Session) {
	raw, err := frames.EncodeBWU(&frames.BandwidthUpgradeNegotiationFrame{Event: frames.SafeToClosePriorChannel})
	if err != nil {
		p.log.Error("encoding safe to close prior channel", "error", err)
		return
	}
	if err := sess.PreviousChannel.Write(ctx, raw); err != nil {
		p.log.Warn("writing safe to close to prior channel", "error", err)
	}
	sess.State = AwaitingSafeToCloseFromPeer
}

// OnSafeToClose handles SAFE_TO_CLOSE_PRIOR_CHANNEL arriving on the prior
// channel: the final step, retiring the old channel and resuming the new
// one.
func (p *Protocol) OnSafeToClose(ctx context.Context, endpointID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[endpointID]
	if !ok {
		return bwuerr.New(bwuerr.Protocol, "safe to close for unknown endpoint "+endpointID)
	}
	if sess.State != AwaitingSafeToCloseFromPeer {
		p.log.Debug("ignoring safe to close in unexpected state", "endpoint", endpointID, "state", sess.State.String())
		return nil
	}

	prior := sess.PreviousChannel
	prior.DisableEncryption()
	if raw, err := json.Marshal(frames.OfflineFrame{Type: frames.Disconnection}); err == nil {
		if err := prior.Write(ctx, raw); err != nil {
			p.log.Debug("best-effort disconnect write on prior channel failed", "error", err)
		}
	}

	drainCtx, cancel := context.WithTimeout(ctx, p.introTimeout())
	_, _ = prior.Read(drainCtx)
	cancel()

	if err := prior.Close(channel.Upgraded); err != nil {
		p.log.Debug("closing prior channel", "error", err)
	}
	sess.ActiveChannel.Resume()

	sess.PreviousChannel = nil
	sess.State = Complete
	newMedium := sess.ChosenMedium

	if p.cfg.OnBandwidthChanged != nil {
		p.cfg.OnBandwidthChanged(endpointID, newMedium)
	}
	return nil
}

// OnUpgradeFailure handles UPGRADE_FAILURE arriving from the peer: the
// medium this side tried to set up as initiator gets reverted and the
// session marked Failed for the caller's retry decision.
func (p *Protocol) OnUpgradeFailure(endpointID string, _ *frames.UpgradePathInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sess, ok := p.sessions[endpointID]
	if !ok {
		return nil
	}
	if handler, ok := p.cfg.Handlers[sess.ChosenMedium]; ok {
		handler.RevertInitiatorState(medium.WrapUpgradeServiceID(sess.ServiceID), endpointID)
	}
	sess.State = Failed
	return bwuerr.New(bwuerr.Transport, "peer reported upgrade failure for "+endpointID)
}

// abortLocked implements the duplicate-UPGRADE_PATH_AVAILABLE fault: once a
// new channel has been registered (PreviousChannel set), both it and the
// retiring one are closed Unfinished and the session resets to Idle. Earlier
// in the handshake there is only the one shared channel still serving
// ordinary traffic, so a duplicate there is logged and otherwise ignored
// rather than torn down.
func (p *Protocol) abortLocked(sess *Session) {
	if sess.PreviousChannel == nil {
		p.log.Debug("duplicate upgrade path available before new channel registered, ignoring", "endpoint", sess.EndpointID)
		return
	}
	_ = sess.PreviousChannel.Close(channel.Unfinished)
	if sess.ActiveChannel != nil {
		_ = sess.ActiveChannel.Close(channel.Unfinished)
	}
	sess.reset()
}

func (p *Protocol) writeUpgradeFailure(ctx context.Context, ch channel.Channel, info *frames.UpgradePathInfo) {
	if ch == nil {
		return
	}
	raw, err := frames.EncodeBWU(&frames.BandwidthUpgradeNegotiationFrame{Event: frames.UpgradeFailure, UpgradePathInfo: info})
	if err != nil {
		p.log.Error("encoding upgrade failure", "error", err)
		return
	}
	if err := ch.Write(ctx, raw); err != nil {
		p.log.Warn("writing upgrade failure", "error", err)
	}
}

func (p *Protocol) introTimeout() time.Duration {
	return p.cfg.IntroductionTimeout
}
