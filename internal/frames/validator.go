package frames

import (
	"net"
	"regexp"

	"github.com/google/nearby-sub006/internal/bwuerr"
	"github.com/google/nearby-sub006/internal/medium"
)

// wifiDirectSSID matches spec.md §3/§6: "^DIRECT-[A-Za-z0-9]{2}.*$". The data
// model (§3) says length <= 32, the external-interfaces validator (§6) says
// length < 32; we follow §6 literally here since it is the section
// explicitly titled "Validation rules (validator)".
var wifiDirectSSID = regexp.MustCompile(`^DIRECT-[A-Za-z0-9]{2}.*$`)

// ValidateUpgradePathInfo applies the per-medium rules of spec.md §6. It
// returns a *bwuerr.Error of kind Protocol describing the first violation,
// or nil if info is well-formed for its declared Medium.
func ValidateUpgradePathInfo(info *UpgradePathInfo) error {
	if info == nil {
		return bwuerr.New(bwuerr.Protocol, "nil UpgradePathInfo")
	}

	switch info.Medium {
	case medium.Bluetooth:
		return validateBluetooth(info.Bluetooth)
	case medium.WifiLan:
		return validateWifiLan(info.WifiLan)
	case medium.WifiHotspot:
		return validateWifiHotspot(info.WifiHotspot)
	case medium.WifiDirect:
		return validateWifiDirect(info.WifiDirect)
	case medium.WifiAware:
		return validateWifiAware(info.WifiAware)
	case medium.WebRTC:
		return validateWebRTC(info.WebRTC)
	default:
		return bwuerr.New(bwuerr.Protocol, "unsupported medium for upgrade path: "+info.Medium.String())
	}
}

func validateBluetooth(p *BluetoothPathInfo) error {
	if p == nil {
		return bwuerr.New(bwuerr.Protocol, "missing bluetooth path info")
	}
	if p.ServiceName == "" {
		return bwuerr.New(bwuerr.Protocol, "bluetooth path info missing service_name")
	}
	if p.MACAddress == "" {
		return bwuerr.New(bwuerr.Protocol, "bluetooth path info missing mac_address")
	}
	return nil
}

func validateWifiLan(p *WifiLanPathInfo) error {
	if p == nil {
		return bwuerr.New(bwuerr.Protocol, "missing wifi_lan path info")
	}
	if p.IPAddress == "" {
		return bwuerr.New(bwuerr.Protocol, "wifi_lan path info missing ip_address")
	}
	if p.Port < 0 {
		return bwuerr.New(bwuerr.Protocol, "wifi_lan port must be >= 0")
	}
	return nil
}

func validateWifiHotspot(p *WifiHotspotPathInfo) error {
	if p == nil {
		return bwuerr.New(bwuerr.Protocol, "missing wifi_hotspot path info")
	}
	if net.ParseIP(p.Gateway) == nil {
		return bwuerr.New(bwuerr.Protocol, "wifi_hotspot gateway is not a valid IPv4/IPv6 address")
	}
	if len(p.Password) < 8 || len(p.Password) > 64 {
		return bwuerr.New(bwuerr.Protocol, "wifi_hotspot password must be 8-64 characters")
	}
	return nil
}

func validateWifiDirect(p *WifiDirectPathInfo) error {
	if p == nil {
		return bwuerr.New(bwuerr.Protocol, "missing wifi_direct path info")
	}
	if len(p.SSID) >= 32 || !wifiDirectSSID.MatchString(p.SSID) {
		return bwuerr.New(bwuerr.Protocol, "wifi_direct ssid must match ^DIRECT-[A-Za-z0-9]{2}.*$ and be < 32 characters")
	}
	if len(p.Password) < 8 || len(p.Password) > 64 {
		return bwuerr.New(bwuerr.Protocol, "wifi_direct password must be 8-64 characters")
	}
	if p.Frequency < -1 {
		return bwuerr.New(bwuerr.Protocol, "wifi_direct frequency must be >= -1")
	}
	return nil
}

func validateWifiAware(p *WifiAwarePathInfo) error {
	if p == nil {
		return bwuerr.New(bwuerr.Protocol, "missing wifi_aware path info")
	}
	if p.ServiceID == "" {
		return bwuerr.New(bwuerr.Protocol, "wifi_aware path info missing service_id")
	}
	return nil
}

func validateWebRTC(p *WebRTCPathInfo) error {
	if p == nil {
		return bwuerr.New(bwuerr.Protocol, "missing web_rtc path info")
	}
	if p.PeerID == "" {
		return bwuerr.New(bwuerr.Protocol, "web_rtc path info missing peer_id")
	}
	return nil
}
