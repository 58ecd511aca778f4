// Package wifidirect implements the WifiDirect MediumHandler. Structurally
// it is WifiHotspot's twin (same group-owner-creates-AP, client-joins shape,
// same WifiDirectPathInfo wire fields) — see internal/mediums/wifihotspot
// for the shared rationale. Kept as a separate package because spec.md
// models WifiDirect and WifiHotspot as distinct mediums with independent
// revert_responder_state lifecycles (spec.md §3, §4.1).
package wifidirect

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/google/nearby-sub006/internal/bwuerr"
	"github.com/google/nearby-sub006/internal/channel"
	"github.com/google/nearby-sub006/internal/frames"
	"github.com/google/nearby-sub006/internal/medium"
	"github.com/google/nearby-sub006/internal/mediums"
)

const groupOwnerTableName = "nearby_wifi_direct"

// Config configures a WifiDirect MediumHandler.
type Config struct {
	BindAddr  string
	SSID      string
	Password  string
	Frequency int
	Logger    *slog.Logger
}

type listener struct {
	srv  *http.Server
	info *frames.UpgradePathInfo
}

// NewHandler builds a mediums.Handler for the WifiDirect medium.
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
			return nil, bwuerr.Wrap(bwuerr.Resource, "binding wifi_direct listener", err)
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				log.Warn("wifi_direct websocket accept failed", "error", err)
				return
			}
			h.OnIncoming(channel.New(channel.Config{
				Conn:      websocket.NetConn(context.Background(), conn, websocket.MessageBinary),
				Medium:    medium.WifiDirect,
				ServiceID: upgradeServiceID,
				Logger:    log,
			}))
		})

		srv := &http.Server{Handler: mux}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Warn("wifi_direct listener stopped", "error", err)
			}
		}()

		port := ln.Addr().(*net.TCPAddr).Port
		gateway := localIPv4()

		info := &frames.UpgradePathInfo{
			Medium: medium.WifiDirect,
			WifiDirect: &frames.WifiDirectPathInfo{
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
		if err := teardownGroupOwner(); err != nil {
			log.Warn("tearing down wifi_direct group owner state", "error", err)
		}
	}

	dial := func(ctx context.Context, serviceID, endpointID string, info *frames.UpgradePathInfo, cancel *atomic.Bool) (channel.Channel, error) {
		if info == nil || info.WifiDirect == nil {
			return nil, bwuerr.New(bwuerr.Protocol, "missing wifi_direct path info")
		}
		url := fmt.Sprintf("ws://%s:%d/", info.WifiDirect.Gateway, info.WifiDirect.Port)

		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, bwuerr.Wrap(bwuerr.Transport, "dialing wifi_direct peer", err)
		}
		if cancel.Load() {
			_ = conn.Close(websocket.StatusNormalClosure, "cancelled")
			return nil, bwuerr.New(bwuerr.Cancellation, "dial cancelled")
		}

		return channel.New(channel.Config{
			Conn:      websocket.NetConn(context.Background(), conn, websocket.MessageBinary),
			Medium:    medium.WifiDirect,
			ServiceID: serviceID,
			Name:      endpointID,
			Logger:    log,
		}), nil
	}

	h = mediums.NewBaseHandler(medium.WifiDirect, listen, stopListen, dial, log)
	h.RevertResponder = revertResponder
	return h
}

func teardownGroupOwner() error {
	return teardownFirewall()
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
