// Package mediums defines the MediumHandler capability surface (spec.md
// §4.1) that the upgrade core consumes regardless of radio, plus the shared
// refcounted bookkeeping every concrete handler needs.
//
// Rather than a virtual-dispatch interface hierarchy, BaseHandler follows
// the teacher's habit (internal/webrtc.PeerConfig, internal/signaling.ClientConfig)
// of parameterizing shared behavior with callback fields: a concrete medium
// is "just" a BaseHandler constructed with that medium's Listen/Dial/Revert
// functions plugged in. This is the "tagged variant over concrete handlers
// plus a small trait" shape recommended in spec.md §9.
package mediums

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/nearby-sub006/internal/bwuerr"
	"github.com/google/nearby-sub006/internal/channel"
	"github.com/google/nearby-sub006/internal/frames"
	"github.com/google/nearby-sub006/internal/medium"
)

// Handler is the per-medium capability contract BwuManager and
// UpgradeProtocol consume (spec.md §4.1).
type Handler interface {
	// GetMediumTag returns the constant Medium value for this handler.
	GetMediumTag() medium.Tag

	// InitializeForEndpoint brings up the medium in the listening role on
	// upgradeServiceID if not already listening, and returns the
	// advertisement descriptor. Returns a nil *UpgradePathInfo (with a
	// non-nil error) on failure — the initiator treats that as a failed
	// attempt and takes the retry path.
	InitializeForEndpoint(ctx context.Context, upgradeServiceID, endpointID string) (*frames.UpgradePathInfo, error)

	// CreateUpgradedChannel dials the peer using info. It honors
	// CancelDial(endpointID) — a cancelled attempt returns a
	// bwuerr.Cancellation error.
	CreateUpgradedChannel(ctx context.Context, serviceID, endpointID string, info *frames.UpgradePathInfo) (channel.Channel, error)

	// RevertInitiatorState releases endpointID's interest in
	// upgradeServiceID, stopping the listener once the last endpoint is released.
	RevertInitiatorState(upgradeServiceID, endpointID string)

	// RevertInitiatorStateAll stops every listener this handler started and
	// clears its bookkeeping. Used on shutdown.
	RevertInitiatorStateAll()

	// RevertResponderState tears down responder-side medium state (only
	// meaningful for WifiHotspot/WifiDirect, a no-op elsewhere).
	RevertResponderState(serviceID string)

	// OnEndpointDisconnect is an optional per-medium cleanup hook.
	OnEndpointDisconnect(endpointID string)

	// CancelDial marks endpointID's in-flight CreateUpgradedChannel call (if
	// any) for cancellation.
	CancelDial(endpointID string)

	// SetIncomingHandler registers the callback invoked whenever this
	// handler's listener accepts an inbound connection from a peer dialing
	// in (the responder's CreateUpgradedChannel call on the other side).
	// BwuManager sets this once at startup to feed new channels into the
	// upgrade core's "new inbound channel" path (spec.md §4.4).
	SetIncomingHandler(fn func(ch channel.Channel))
}

// ListenFunc starts (or no-ops if already started) listening for
// upgradeServiceID and returns the descriptor peers need to dial in.
type ListenFunc func(ctx context.Context, upgradeServiceID string) (*frames.UpgradePathInfo, error)

// StopListenFunc tears down the listener started for upgradeServiceID.
type StopListenFunc func(upgradeServiceID string)

// DialFunc dials the peer described by info. It must poll cancel
// periodically and return a bwuerr.Cancellation error if it fires.
type DialFunc func(ctx context.Context, serviceID, endpointID string, info *frames.UpgradePathInfo, cancel *atomic.Bool) (channel.Channel, error)

// RevertResponderFunc tears down responder-side medium state (AP/GO
// interfaces). A nil value means the medium has nothing to revert.
type RevertResponderFunc func(serviceID string)

// DisconnectFunc is the optional per-endpoint disconnect cleanup hook.
type DisconnectFunc func(endpointID string)

// BaseHandler implements Handler's bookkeeping generically; concrete medium
// packages construct one with their Listen/Dial functions plugged in.
type BaseHandler struct {
	Tag             medium.Tag
	Listen          ListenFunc
	StopListen      StopListenFunc
	Dial            DialFunc
	RevertResponder RevertResponderFunc
	OnDisconnect    DisconnectFunc
	Log             *slog.Logger

	mu          sync.Mutex
	refs        map[string]map[string]struct{} // upgradeServiceID -> endpointIDs
	cancels     map[string]*atomic.Bool        // endpointID -> cancel flag for in-flight dials
	onIncoming  func(ch channel.Channel)
}

// SetIncomingHandler registers the callback invoked when this handler's
// listener accepts an inbound channel. Safe to call before or after
// InitializeForEndpoint; the accept loop reads it through OnIncoming.
func (h *BaseHandler) SetIncomingHandler(fn func(ch channel.Channel)) {
	h.mu.Lock()
	h.onIncoming = fn
	h.mu.Unlock()
}

// OnIncoming delivers an inbound channel to the registered handler, if any.
// Concrete medium accept loops call this for every connection they accept.
func (h *BaseHandler) OnIncoming(ch channel.Channel) {
	h.mu.Lock()
	fn := h.onIncoming
	h.mu.Unlock()
	if fn != nil {
		fn(ch)
	} else {
		h.Log.Warn("no incoming-channel handler registered, dropping inbound channel")
		_ = ch.Close(channel.Unfinished)
	}
}

// NewBaseHandler constructs a BaseHandler. Listen/Dial are required; the
// remaining hooks may be left nil for mediums with nothing to do there.
func NewBaseHandler(tag medium.Tag, listen ListenFunc, stopListen StopListenFunc, dial DialFunc, log *slog.Logger) *BaseHandler {
	if log == nil {
		log = slog.Default()
	}
	return &BaseHandler{
		Tag:        tag,
		Listen:     listen,
		StopListen: stopListen,
		Dial:       dial,
		Log:        log.With("medium", tag.String()),
		refs:       make(map[string]map[string]struct{}),
		cancels:    make(map[string]*atomic.Bool),
	}
}

func (h *BaseHandler) GetMediumTag() medium.Tag { return h.Tag }

// InitializeForEndpoint implements the refcounted bookkeeping rule of
// spec.md §4.1: only the first endpoint for a given upgradeServiceID
// actually starts the listener; subsequent endpoints increment the refcount.
func (h *BaseHandler) InitializeForEndpoint(ctx context.Context, upgradeServiceID, endpointID string) (*frames.UpgradePathInfo, error) {
	h.mu.Lock()
	endpoints, alreadyListening := h.refs[upgradeServiceID]
	if !alreadyListening {
		endpoints = make(map[string]struct{})
	}
	h.mu.Unlock()

	if alreadyListening {
		h.mu.Lock()
		endpoints[endpointID] = struct{}{}
		h.mu.Unlock()
		// A listener already exists; re-run Listen to fetch the (idempotent)
		// descriptor without starting a second listener. Concrete handlers
		// must make repeated Listen calls for an already-active
		// upgradeServiceID cheap (return cached descriptor).
		return h.Listen(ctx, upgradeServiceID)
	}

	info, err := h.Listen(ctx, upgradeServiceID)
	if err != nil {
		return nil, bwuerr.Wrap(bwuerr.Resource, "starting listener for "+upgradeServiceID, err)
	}

	h.mu.Lock()
	endpoints[endpointID] = struct{}{}
	h.refs[upgradeServiceID] = endpoints
	h.mu.Unlock()

	return info, nil
}

func (h *BaseHandler) CreateUpgradedChannel(ctx context.Context, serviceID, endpointID string, info *frames.UpgradePathInfo) (channel.Channel, error) {
	h.mu.Lock()
	cancel, ok := h.cancels[endpointID]
	if !ok {
		cancel = &atomic.Bool{}
		h.cancels[endpointID] = cancel
	} else {
		cancel.Store(false)
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.cancels, endpointID)
		h.mu.Unlock()
	}()

	return h.Dial(ctx, serviceID, endpointID, info, cancel)
}

func (h *BaseHandler) CancelDial(endpointID string) {
	h.mu.Lock()
	cancel, ok := h.cancels[endpointID]
	h.mu.Unlock()
	if ok {
		cancel.Store(true)
	}
}

// RevertInitiatorState removes endpointID from upgradeServiceID's set and,
// on transition to empty, invokes the medium-specific revert. A non-wrapped
// upgradeServiceID is silently ignored (logged), per spec.md §4.1.
func (h *BaseHandler) RevertInitiatorState(upgradeServiceID, endpointID string) {
	if !medium.IsUpgradeServiceID(upgradeServiceID) {
		h.Log.Debug("ignoring revert for non-wrapped service id", "service_id", upgradeServiceID)
		return
	}

	h.mu.Lock()
	endpoints, ok := h.refs[upgradeServiceID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(endpoints, endpointID)
	empty := len(endpoints) == 0
	if empty {
		delete(h.refs, upgradeServiceID)
	}
	h.mu.Unlock()

	if empty && h.StopListen != nil {
		h.StopListen(upgradeServiceID)
	}
}

// RevertInitiatorStateAll invokes the medium-specific revert once per known
// upgradeServiceID, then clears the map (spec.md §4.1: "revert() (all)").
func (h *BaseHandler) RevertInitiatorStateAll() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.refs))
	for id := range h.refs {
		ids = append(ids, id)
	}
	h.refs = make(map[string]map[string]struct{})
	h.mu.Unlock()

	if h.StopListen == nil {
		return
	}
	for _, id := range ids {
		h.StopListen(id)
	}
}

func (h *BaseHandler) RevertResponderState(serviceID string) {
	if h.RevertResponder != nil {
		h.RevertResponder(serviceID)
	}
}

func (h *BaseHandler) OnEndpointDisconnect(endpointID string) {
	if h.OnDisconnect != nil {
		h.OnDisconnect(endpointID)
	}
}

// endpointCount returns the number of endpoints registered for
// upgradeServiceID, used by tests to assert P3 (bookkeeping invariant).
func (h *BaseHandler) endpointCount(upgradeServiceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.refs[upgradeServiceID])
}
