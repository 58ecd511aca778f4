// Package webrtc implements the WebRTC MediumHandler. It adapts the
// teacher's SDP offer/answer + trickle-free ICE gathering pattern
// (internal/webrtc/peer.go in the teacher repo) from a long-lived mesh peer
// into a short-lived per-upgrade dial, with the data channel as the
// resulting EndpointChannel transport.
//
// The out-of-band SDP/ICE exchange a real deployment routes through a
// signaling service (Tachyon) is, per spec.md §1, an external collaborator
// outside this core's scope. Broker stands in for it: a local registry
// keyed by peer_id, sufficient to drive the handshake end-to-end in tests
// and the nearbyupgrade simulate command.
package webrtc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/google/nearby-sub006/internal/bwuerr"
	"github.com/google/nearby-sub006/internal/channel"
	"github.com/google/nearby-sub006/internal/frames"
	"github.com/google/nearby-sub006/internal/medium"
	"github.com/google/nearby-sub006/internal/mediums"
	"github.com/google/nearby-sub006/internal/turn"
)

// DataChannelLabel is the label used for the single data channel each
// upgraded WebRTC connection carries.
const DataChannelLabel = "nearby-bwu"

// offer is what a dialer delivers to a listening peer_id via the Broker.
type offer struct {
	sdp      string
	reply    chan string // the answer SDP, or closed with no value on failure
	location string
}

// Broker is an in-memory stand-in for the external WebRTC signaling service.
// One Broker is shared by every WebRTC MediumHandler instance that needs to
// reach each other (typically one per simulated/tested process).
type Broker struct {
	mu      sync.Mutex
	inboxes map[string]chan offer
}

// NewBroker creates an empty signaling broker.
func NewBroker() *Broker {
	return &Broker{inboxes: make(map[string]chan offer)}
}

func (b *Broker) register(peerID string) chan offer {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan offer, 4)
	b.inboxes[peerID] = ch
	return ch
}

func (b *Broker) unregister(peerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.inboxes[peerID]; ok {
		delete(b.inboxes, peerID)
		close(ch)
	}
}

func (b *Broker) send(peerID string, o offer) error {
	b.mu.Lock()
	ch, ok := b.inboxes[peerID]
	b.mu.Unlock()
	if !ok {
		return bwuerr.New(bwuerr.Resource, "no peer listening for "+peerID)
	}
	select {
	case ch <- o:
		return nil
	default:
		return bwuerr.New(bwuerr.Resource, "peer inbox full for "+peerID)
	}
}

// Config configures a WebRTC MediumHandler.
type Config struct {
	Broker     *Broker
	ICEServers []string

	// TURNSecret, when set, derives short-lived per-peer TURN REST API
	// credentials (turn.GenerateCredentials) for every ICEServers entry
	// using the "turn:"/"turns:" scheme, the way a real deployment's TURN
	// relay would be provisioned rather than shared with a static password.
	TURNSecret string

	LocationHint string
	Logger       *slog.Logger
}

// iceServersFor builds the pion ICEServer list for a dial identified by
// peerID, attaching freshly generated TURN credentials to any turn:/turns:
// URL when cfg.TURNSecret is configured.
func (cfg Config) iceServersFor(peerID string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		server := webrtc.ICEServer{URLs: []string{s}}
		if cfg.TURNSecret != "" && (strings.HasPrefix(s, "turn:") || strings.HasPrefix(s, "turns:")) {
			username, password := turn.GenerateCredentials(cfg.TURNSecret, peerID, 0)
			server.Username = username
			server.Credential = password
		}
		servers = append(servers, server)
	}
	return servers
}

// NewHandler builds a mediums.Handler backed by pion/webrtc.
func NewHandler(cfg Config) *mediums.BaseHandler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Broker == nil {
		cfg.Broker = NewBroker()
	}

	var h *mediums.BaseHandler
	var listenMu sync.Mutex
	peerIDs := make(map[string]string) // upgradeServiceID -> our peer_id

	listen := func(ctx context.Context, upgradeServiceID string) (*frames.UpgradePathInfo, error) {
		listenMu.Lock()
		peerID, ok := peerIDs[upgradeServiceID]
		listenMu.Unlock()
		if ok {
			return &frames.UpgradePathInfo{
				Medium: medium.WebRTC,
				WebRTC: &frames.WebRTCPathInfo{PeerID: peerID, LocationHint: cfg.LocationHint},
			}, nil
		}

		peerID = uuid.NewString()
		inbox := cfg.Broker.register(peerID)

		listenMu.Lock()
		peerIDs[upgradeServiceID] = peerID
		listenMu.Unlock()

		go acceptLoop(h, inbox, cfg.iceServersFor(peerID), log.With("peer_id", peerID))

		return &frames.UpgradePathInfo{
			Medium: medium.WebRTC,
			WebRTC: &frames.WebRTCPathInfo{PeerID: peerID, LocationHint: cfg.LocationHint},
		}, nil
	}

	stopListen := func(upgradeServiceID string) {
		listenMu.Lock()
		peerID, ok := peerIDs[upgradeServiceID]
		delete(peerIDs, upgradeServiceID)
		listenMu.Unlock()
		if ok {
			cfg.Broker.unregister(peerID)
		}
	}

	dial := func(ctx context.Context, serviceID, endpointID string, info *frames.UpgradePathInfo, cancel *atomic.Bool) (channel.Channel, error) {
		if info == nil || info.WebRTC == nil {
			return nil, bwuerr.New(bwuerr.Protocol, "missing web_rtc path info")
		}

		pc, err := newPeerConnection(cfg.iceServersFor(endpointID))
		if err != nil {
			return nil, bwuerr.Wrap(bwuerr.Transport, "creating peer connection", err)
		}

		dc, err := pc.CreateDataChannel(DataChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return nil, bwuerr.Wrap(bwuerr.Transport, "creating data channel", err)
		}

		offerSDP, gatherComplete, err := createFullOffer(pc)
		if err != nil {
			_ = pc.Close()
			return nil, bwuerr.Wrap(bwuerr.Transport, "creating SDP offer", err)
		}
		<-gatherComplete
		offerSDP = pc.LocalDescription().SDP

		reply := make(chan string, 1)
		if err := cfg.Broker.send(info.WebRTC.PeerID, offer{sdp: offerSDP, reply: reply, location: info.WebRTC.LocationHint}); err != nil {
			_ = pc.Close()
			return nil, err
		}

		dcOpen := make(chan struct{})
		dc.OnOpen(func() { close(dcOpen) })

		select {
		case answerSDP, ok := <-reply:
			if !ok || answerSDP == "" {
				_ = pc.Close()
				return nil, bwuerr.New(bwuerr.Transport, "peer did not answer")
			}
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
				_ = pc.Close()
				return nil, bwuerr.Wrap(bwuerr.Transport, "setting remote answer", err)
			}
		case <-ctx.Done():
			_ = pc.Close()
			return nil, bwuerr.Wrap(bwuerr.Transport, "waiting for answer", ctx.Err())
		}

		poll := time.NewTicker(50 * time.Millisecond)
		defer poll.Stop()
		for {
			select {
			case <-dcOpen:
				return channel.New(channel.Config{
					Conn:      &dataChannelConn{dc: dc},
					Medium:    medium.WebRTC,
					ServiceID: serviceID,
					Name:      endpointID,
				}), nil
			case <-ctx.Done():
				_ = pc.Close()
				return nil, bwuerr.Wrap(bwuerr.Transport, "waiting for data channel to open", ctx.Err())
			case <-poll.C:
				if cancel.Load() {
					_ = pc.Close()
					return nil, bwuerr.New(bwuerr.Cancellation, "dial cancelled")
				}
			}
		}
	}

	h = mediums.NewBaseHandler(medium.WebRTC, listen, stopListen, dial, log)
	return h
}

// acceptLoop answers inbound offers addressed to our peer_id, one
// PeerConnection per offer, and hands the resulting channel to h.OnIncoming.
func acceptLoop(h *mediums.BaseHandler, inbox chan offer, iceServers []webrtc.ICEServer, log *slog.Logger) {
	for o := range inbox {
		o := o
		go func() {
			pc, err := newPeerConnection(iceServers)
			if err != nil {
				log.Error("answering offer: creating peer connection", "error", err)
				close(o.reply)
				return
			}

			dcCh := make(chan *webrtc.DataChannel, 1)
			pc.OnDataChannel(func(dc *webrtc.DataChannel) {
				dc.OnOpen(func() { dcCh <- dc })
			})

			if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: o.sdp}); err != nil {
				log.Error("setting remote offer", "error", err)
				close(o.reply)
				_ = pc.Close()
				return
			}

			answerSDP, gatherComplete, err := createFullAnswer(pc)
			if err != nil {
				log.Error("creating SDP answer", "error", err)
				close(o.reply)
				_ = pc.Close()
				return
			}
			<-gatherComplete
			answerSDP = pc.LocalDescription().SDP

			o.reply <- answerSDP

			dc := <-dcCh
			h.OnIncoming(channel.New(channel.Config{
				Conn:   &dataChannelConn{dc: dc},
				Medium: medium.WebRTC,
			}))
		}()
	}
}

func newPeerConnection(iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	return webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}

// createFullOffer creates an SDP offer and returns a channel closed when ICE
// gathering completes, so the caller can wait and read the final
// LocalDescription containing all candidates inline (no trickle relay
// needed through Broker).
func createFullOffer(pc *webrtc.PeerConnection) (string, <-chan struct{}, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	offerDesc, err := pc.CreateOffer(nil)
	if err != nil {
		return "", nil, err
	}
	if err := pc.SetLocalDescription(offerDesc); err != nil {
		return "", nil, err
	}
	return offerDesc.SDP, gatherComplete, nil
}

func createFullAnswer(pc *webrtc.PeerConnection) (string, <-chan struct{}, error) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	answerDesc, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", nil, err
	}
	if err := pc.SetLocalDescription(answerDesc); err != nil {
		return "", nil, err
	}
	return answerDesc.SDP, gatherComplete, nil
}

// dataChannelConn adapts a pion DataChannel to io.ReadWriteCloser so it can
// back a channel.Socket.
type dataChannelConn struct {
	dc   *webrtc.DataChannel
	mu   sync.Mutex
	buf  []byte
	msgs chan []byte
	once sync.Once
}

func (c *dataChannelConn) ensureReader() {
	c.once.Do(func() {
		c.msgs = make(chan []byte, 64)
		c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			data := make([]byte, len(msg.Data))
			copy(data, msg.Data)
			c.msgs <- data
		})
	})
}

func (c *dataChannelConn) Read(p []byte) (int, error) {
	c.ensureReader()
	c.mu.Lock()
	if len(c.buf) > 0 {
		n := copy(p, c.buf)
		c.buf = c.buf[n:]
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	msg, ok := <-c.msgs
	if !ok {
		return 0, fmt.Errorf("data channel closed")
	}
	n := copy(p, msg)
	if n < len(msg) {
		c.mu.Lock()
		c.buf = msg[n:]
		c.mu.Unlock()
	}
	return n, nil
}

func (c *dataChannelConn) Write(p []byte) (int, error) {
	if err := c.dc.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *dataChannelConn) Close() error {
	return c.dc.Close()
}
