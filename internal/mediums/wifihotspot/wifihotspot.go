// Package wifihotspot implements the WifiHotspot MediumHandler: the
// initiator stands up a local access point and advertises its credentials
// via WifiHotspotPathInfo; the responder joins that AP and dials in over a
// WebSocket connection, mirroring the WifiLan transport.
//
// Standing up/tearing down the actual AP radio is a concrete-driver concern
// spec.md §1 puts out of scope ("the concrete radio drivers... are external
// collaborators, modeled only through the capability interface"). What this
// package does own, per spec.md §4.1, is RevertResponderState: releasing the
// AP-adjacent firewall state this process itself created. That reuses the
// teacher's nftables table pattern (internal/tunnel/nat.go) against a
// dedicated hotspot table instead of a NAT postrouting chain.
package wifihotspot

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/nftables"

	"github.com/google/nearby-sub006/internal/bwuerr"
	"github.com/google/nearby-sub006/internal/channel"
	"github.com/google/nearby-sub006/internal/frames"
	"github.com/google/nearby-sub006/internal/medium"
	"github.com/google/nearby-sub006/internal/mediums"
)

// hotspotTableName scopes the firewall rules this package creates, same
// isolation rationale as the teacher's own "riftgate" table.
const hotspotTableName = "nearby_hotspot"

// Config configures a WifiHotspot MediumHandler.
type Config struct {
	BindAddr  string // defaults to "0.0.0.0:0"
	SSID      string
	Password  string
	Frequency int
	Logger    *slog.Logger
}

type listener struct {
	srv   *http.Server
	table *nftables.Table
	nft   *nftables.Conn
	info  *frames.UpgradePathInfo
}

// NewHandler builds a mediums.Handler for the WifiHotspot medium.
func NewHandler(cfg Config) *mediums.BaseHandler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	bindAddr := cfg.BindAddr
	if bindAddr == "" {
		bindAddr = "0.0.0.0:0"
	}

	var h *mediums.BaseHandler
	var mu sync.Mutex
	listeners := make(map[string]*listener)

	listen := func(ctx context.Context, upgradeServiceID string) (*frames.UpgradePathInfo, error) {
		mu.Lock()
		if l, ok := listeners[upgradeServiceID]; ok {
			mu.Unlock()
			return l.info, nil
		}
		mu.Unlock()

		ln, err := net.Listen("tcp", bindAddr)
		if err != nil {
			return nil, bwuerr.Wrap(bwuerr.Resource, "binding wifi_hotspot listener", err)
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				log.Warn("wifi_hotspot websocket accept failed", "error", err)
				return
			}
			h.OnIncoming(channel.New(channel.Config{
				Conn:      websocket.NetConn(context.Background(), conn, websocket.MessageBinary),
				Medium:    medium.WifiHotspot,
				ServiceID: upgradeServiceID,
				Logger:    log,
			}))
		})

		srv := &http.Server{Handler: mux}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Warn("wifi_hotspot listener stopped", "error", err)
			}
		}()

		port := ln.Addr().(*net.TCPAddr).Port
		gateway := localIPv4()

		info := &frames.UpgradePathInfo{
			Medium: medium.WifiHotspot,
			WifiHotspot: &frames.WifiHotspotPathInfo{
				SSID:      cfg.SSID,
				Password:  cfg.Password,
				Port:      port,
				Gateway:   gateway,
				Frequency: cfg.Frequency,
			},
		}

		mu.Lock()
		listeners[upgradeServiceID] = &listener{srv: srv, info: info}
		mu.Unlock()

		return info, nil
	}

	stopListen := func(upgradeServiceID string) {
		mu.Lock()
		l, ok := listeners[upgradeServiceID]
		delete(listeners, upgradeServiceID)
		mu.Unlock()
		if ok {
			_ = l.srv.Close()
		}
	}

	revertResponder := func(serviceID string) {
		if err := teardownFirewall(); err != nil {
			log.Warn("tearing down wifi_hotspot firewall state", "error", err)
		}
	}

	dial := func(ctx context.Context, serviceID, endpointID string, info *frames.UpgradePathInfo, cancel *atomic.Bool) (channel.Channel, error) {
		if info == nil || info.WifiHotspot == nil {
			return nil, bwuerr.New(bwuerr.Protocol, "missing wifi_hotspot path info")
		}
		url := fmt.Sprintf("ws://%s:%d/", info.WifiHotspot.Gateway, info.WifiHotspot.Port)

		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, bwuerr.Wrap(bwuerr.Transport, "dialing wifi_hotspot peer", err)
		}
		if cancel.Load() {
			_ = conn.Close(websocket.StatusNormalClosure, "cancelled")
			return nil, bwuerr.New(bwuerr.Cancellation, "dial cancelled")
		}

		return channel.New(channel.Config{
			Conn:      websocket.NetConn(context.Background(), conn, websocket.MessageBinary),
			Medium:    medium.WifiHotspot,
			ServiceID: serviceID,
			Name:      endpointID,
			Logger:    log,
		}), nil
	}

	h = mediums.NewBaseHandler(medium.WifiHotspot, listen, stopListen, dial, log)
	h.RevertResponder = revertResponder
	return h
}

func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}
