// Package frames implements the offline-framing wire types the BWU control
// plane rides on: a length-restricted, JSON-encoded frame (protobuf wire
// schemas are out of scope per spec.md §1 — "semantic field lists only"),
// carrying one of the six BandwidthUpgradeNegotiation events of spec.md
// §4.4 (the five handshake messages plus UPGRADE_FAILURE). Encoding mirrors the teacher's pkg/protocol "type discriminator"
// envelope, applied to the BWU control plane instead of signaling.
package frames

import (
	"encoding/json"
	"fmt"

	"github.com/google/nearby-sub006/internal/medium"
)

// Type is the top-level offline frame discriminator (spec.md §6). Only
// BandwidthUpgradeNegotiation is modeled here — the others are named for
// completeness of the wire vocabulary but their payloads are out of scope
// (payload transfer, connection handshake, keep-alive are external collaborators).
type Type int

const (
	ConnectionRequest Type = iota
	ConnectionResponse
	PayloadTransfer
	BandwidthUpgradeNegotiation
	KeepAlive
	Disconnection
)

func (t Type) String() string {
	switch t {
	case ConnectionRequest:
		return "CONNECTION_REQUEST"
	case ConnectionResponse:
		return "CONNECTION_RESPONSE"
	case PayloadTransfer:
		return "PAYLOAD_TRANSFER"
	case BandwidthUpgradeNegotiation:
		return "BANDWIDTH_UPGRADE_NEGOTIATION"
	case KeepAlive:
		return "KEEP_ALIVE"
	case Disconnection:
		return "DISCONNECTION"
	default:
		return "UNKNOWN"
	}
}

// Event is the BandwidthUpgradeNegotiation event discriminator.
type Event int

const (
	UpgradePathAvailable Event = iota
	ClientIntroductionEvent
	ClientIntroductionAck
	LastWriteToPriorChannel
	SafeToClosePriorChannel
	UpgradeFailure
)

func (e Event) String() string {
	switch e {
	case UpgradePathAvailable:
		return "UPGRADE_PATH_AVAILABLE"
	case ClientIntroductionEvent:
		return "CLIENT_INTRODUCTION"
	case ClientIntroductionAck:
		return "CLIENT_INTRODUCTION_ACK"
	case LastWriteToPriorChannel:
		return "LAST_WRITE_TO_PRIOR_CHANNEL"
	case SafeToClosePriorChannel:
		return "SAFE_TO_CLOSE_PRIOR_CHANNEL"
	case UpgradeFailure:
		return "UPGRADE_FAILURE"
	default:
		return "UNKNOWN"
	}
}

// ClientIntroduction is the first frame written by the responder on the new
// channel, identifying itself to the initiator.
type ClientIntroduction struct {
	EndpointID                  string `json:"endpoint_id"`
	SupportsDisablingEncryption bool   `json:"supports_disabling_encryption"`
}

// BandwidthUpgradeNegotiationFrame carries one BWU control event plus its
// optional payload.
type BandwidthUpgradeNegotiationFrame struct {
	Event              Event               `json:"event"`
	UpgradePathInfo    *UpgradePathInfo    `json:"upgrade_path_info,omitempty"`
	ClientIntroduction *ClientIntroduction `json:"client_introduction,omitempty"`
}

// OfflineFrame is the top-level wire envelope.
type OfflineFrame struct {
	Type                        Type                              `json:"type"`
	BandwidthUpgradeNegotiation *BandwidthUpgradeNegotiationFrame `json:"bandwidth_upgrade_negotiation,omitempty"`
}

// EncodeBWU serializes a BWU negotiation frame to bytes suitable for
// channel.Channel.Write (the channel itself adds the length prefix).
func EncodeBWU(f *BandwidthUpgradeNegotiationFrame) ([]byte, error) {
	of := OfflineFrame{Type: BandwidthUpgradeNegotiation, BandwidthUpgradeNegotiation: f}
	b, err := json.Marshal(of)
	if err != nil {
		return nil, fmt.Errorf("encoding bandwidth upgrade negotiation frame: %w", err)
	}
	return b, nil
}

// Decode parses a raw frame (as read off a channel.Channel) into an OfflineFrame.
func Decode(raw []byte) (*OfflineFrame, error) {
	var of OfflineFrame
	if err := json.Unmarshal(raw, &of); err != nil {
		return nil, fmt.Errorf("decoding offline frame: %w", err)
	}
	return &of, nil
}

// UpgradePathInfo is the per-medium description generated by the initiator
// that is sufficient for the responder to dial. Exactly one of the medium
// sub-structs is populated, selected by Medium.
type UpgradePathInfo struct {
	Medium                        medium.Tag           `json:"medium"`
	SupportsClientIntroductionAck bool                 `json:"supports_client_introduction_ack"`
	Bluetooth                     *BluetoothPathInfo    `json:"bluetooth,omitempty"`
	WifiLan                       *WifiLanPathInfo       `json:"wifi_lan,omitempty"`
	WifiHotspot                   *WifiHotspotPathInfo   `json:"wifi_hotspot,omitempty"`
	WifiDirect                    *WifiDirectPathInfo    `json:"wifi_direct,omitempty"`
	WifiAware                     *WifiAwarePathInfo     `json:"wifi_aware,omitempty"`
	WebRTC                        *WebRTCPathInfo        `json:"web_rtc,omitempty"`
}

type BluetoothPathInfo struct {
	ServiceName string `json:"service_name"`
	MACAddress  string `json:"mac_address"`
}

type WifiLanPathInfo struct {
	IPAddress string `json:"ip_address"`
	Port      int    `json:"port"`
}

type WifiHotspotPathInfo struct {
	SSID                        string `json:"ssid"`
	Password                    string `json:"password"`
	Port                        int    `json:"port"`
	Gateway                     string `json:"gateway"`
	Frequency                   int    `json:"frequency"`
	SupportsDisablingEncryption bool   `json:"supports_disabling_encryption"`
}

type WifiDirectPathInfo struct {
	SSID                        string `json:"ssid"`
	Password                    string `json:"password"`
	Port                        int    `json:"port"`
	Gateway                     string `json:"gateway"`
	Frequency                   int    `json:"frequency"`
	SupportsDisablingEncryption bool   `json:"supports_disabling_encryption"`
}

type WifiAwarePathInfo struct {
	ServiceID                   string `json:"service_id"`
	ServiceInfo                 string `json:"service_info"`
	Password                    string `json:"password"`
	SupportsDisablingEncryption bool   `json:"supports_disabling_encryption"`
}

type WebRTCPathInfo struct {
	PeerID      string `json:"peer_id"`
	LocationHint string `json:"location_hint"`
}
