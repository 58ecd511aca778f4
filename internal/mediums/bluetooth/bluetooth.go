// Package bluetooth implements the Bluetooth MediumHandler.
//
// The concrete RFCOMM/BLE GATT driver spec.md §1 names as a "concrete radio
// driver" is an external collaborator out of scope here — real Bluetooth
// Classic pairing and socket setup belongs to a platform-specific HCI stack
// (see other_examples' currantlabs/ble HCI bindings and tinygo hci.go, both
// too platform-bound to generalize into a single Go MediumHandler). What
// this package provides is the same capability surface a real driver would
// plug into: a Broker standing in for the discovery/RFCOMM-connect step,
// exactly as internal/mediums/webrtc.Broker stands in for external WebRTC
// signaling, so the BWU upgrade core can be exercised end-to-end over the
// Bluetooth medium in tests and the nearbyupgrade simulate command.
package bluetooth

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/google/nearby-sub006/internal/bwuerr"
	"github.com/google/nearby-sub006/internal/channel"
	"github.com/google/nearby-sub006/internal/frames"
	"github.com/google/nearby-sub006/internal/medium"
	"github.com/google/nearby-sub006/internal/mediums"
)

// Broker is an in-memory stand-in for RFCOMM connect-by-MAC-address.
type Broker struct {
	mu      sync.Mutex
	inboxes map[string]chan net.Conn
}

// NewBroker creates an empty connect broker.
func NewBroker() *Broker {
	return &Broker{inboxes: make(map[string]chan net.Conn)}
}

func (b *Broker) register(mac string) chan net.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan net.Conn, 4)
	b.inboxes[mac] = ch
	return ch
}

func (b *Broker) unregister(mac string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.inboxes[mac]; ok {
		delete(b.inboxes, mac)
		close(ch)
	}
}

func (b *Broker) connect(mac string, conn net.Conn) error {
	b.mu.Lock()
	ch, ok := b.inboxes[mac]
	b.mu.Unlock()
	if !ok {
		return bwuerr.New(bwuerr.Resource, "no bluetooth listener for "+mac)
	}
	select {
	case ch <- conn:
		return nil
	default:
		return bwuerr.New(bwuerr.Resource, "bluetooth listener inbox full for "+mac)
	}
}

// synthesizeMAC derives a plausible-looking colon-separated MAC address from
// a random UUID, since there is no real adapter to query one from.
func synthesizeMAC() string {
	id := uuid.New()
	b := id[:6]
	return net.HardwareAddr(b).String()
}

// Config configures a Bluetooth MediumHandler.
type Config struct {
	Broker      *Broker
	ServiceName string
	Logger      *slog.Logger
}

// NewHandler builds a mediums.Handler for the Bluetooth medium.
func NewHandler(cfg Config) *mediums.BaseHandler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Broker == nil {
		cfg.Broker = NewBroker()
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "nearby-bwu"
	}

	var h *mediums.BaseHandler
	var mu sync.Mutex
	macs := make(map[string]string) // upgradeServiceID -> our synthetic MAC

	listen := func(ctx context.Context, upgradeServiceID string) (*frames.UpgradePathInfo, error) {
		mu.Lock()
		mac, ok := macs[upgradeServiceID]
		mu.Unlock()
		if ok {
			return &frames.UpgradePathInfo{
				Medium:    medium.Bluetooth,
				Bluetooth: &frames.BluetoothPathInfo{ServiceName: serviceName, MACAddress: mac},
			}, nil
		}

		mac = synthesizeMAC()
		inbox := cfg.Broker.register(mac)

		mu.Lock()
		macs[upgradeServiceID] = mac
		mu.Unlock()

		go acceptLoop(h, inbox, log.With("mac_address", mac))

		return &frames.UpgradePathInfo{
			Medium:    medium.Bluetooth,
			Bluetooth: &frames.BluetoothPathInfo{ServiceName: serviceName, MACAddress: mac},
		}, nil
	}

	stopListen := func(upgradeServiceID string) {
		mu.Lock()
		mac, ok := macs[upgradeServiceID]
		delete(macs, upgradeServiceID)
		mu.Unlock()
		if ok {
			cfg.Broker.unregister(mac)
		}
	}

	dial := func(ctx context.Context, serviceID, endpointID string, info *frames.UpgradePathInfo, cancel *atomic.Bool) (channel.Channel, error) {
		if info == nil || info.Bluetooth == nil {
			return nil, bwuerr.New(bwuerr.Protocol, "missing bluetooth path info")
		}
		if cancel.Load() {
			return nil, bwuerr.New(bwuerr.Cancellation, "dial cancelled")
		}

		ours, theirs := net.Pipe()
		if err := cfg.Broker.connect(info.Bluetooth.MACAddress, theirs); err != nil {
			_ = ours.Close()
			return nil, err
		}

		return channel.New(channel.Config{
			Conn:      ours,
			Medium:    medium.Bluetooth,
			ServiceID: serviceID,
			Name:      endpointID,
			Logger:    log,
		}), nil
	}

	h = mediums.NewBaseHandler(medium.Bluetooth, listen, stopListen, dial, log)
	return h
}

func acceptLoop(h *mediums.BaseHandler, inbox chan net.Conn, log *slog.Logger) {
	for conn := range inbox {
		h.OnIncoming(channel.New(channel.Config{
			Conn:   conn,
			Medium: medium.Bluetooth,
			Logger: log,
		}))
	}
}
