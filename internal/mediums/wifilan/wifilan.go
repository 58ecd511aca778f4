// Package wifilan implements the WifiLan MediumHandler: a plain TCP/WebSocket
// listener reachable at a LAN ip:port, advertised via WifiLanPathInfo.
//
// Grounded on the teacher's signaling transport (internal/signaling/hub.go's
// websocket.Accept server, internal/signaling/client.go's websocket.Dial
// client), repurposed here from carrying JSON signaling envelopes to
// carrying raw framed BWU bytes.
package wifilan

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

// Config configures a WifiLan MediumHandler.
type Config struct {
	// BindAddr is the address the listener binds, e.g. "0.0.0.0:0". A zero
	// port lets the OS pick one, reported back via WifiLanPathInfo.Port.
	BindAddr string
	Logger   *slog.Logger
}

type listener struct {
	srv  *http.Server
	ln   net.Listener
	info *frames.UpgradePathInfo
}

// NewHandler builds a mediums.Handler that serves upgraded channels over
// plain WebSocket connections on the LAN.
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
	listeners := make(map[string]*listener) // upgradeServiceID -> listener

	listen := func(ctx context.Context, upgradeServiceID string) (*frames.UpgradePathInfo, error) {
		mu.Lock()
		if l, ok := listeners[upgradeServiceID]; ok {
			mu.Unlock()
			return l.info, nil
		}
		mu.Unlock()

		ln, err := net.Listen("tcp", bindAddr)
		if err != nil {
			return nil, bwuerr.Wrap(bwuerr.Resource, "binding wifi_lan listener", err)
		}

		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				log.Warn("wifi_lan websocket accept failed", "error", err)
				return
			}
			h.OnIncoming(channel.New(channel.Config{
				Conn:      websocket.NetConn(context.Background(), conn, websocket.MessageBinary),
				Medium:    medium.WifiLan,
				ServiceID: upgradeServiceID,
				Logger:    log,
			}))
		})

		srv := &http.Server{Handler: mux}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Warn("wifi_lan listener stopped", "error", err)
			}
		}()

		port := ln.Addr().(*net.TCPAddr).Port
		ip := localIPv4()
		info := &frames.UpgradePathInfo{
			Medium:  medium.WifiLan,
			WifiLan: &frames.WifiLanPathInfo{IPAddress: ip, Port: port},
		}

		mu.Lock()
		listeners[upgradeServiceID] = &listener{srv: srv, ln: ln, info: info}
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

	dial := func(ctx context.Context, serviceID, endpointID string, info *frames.UpgradePathInfo, cancel *atomic.Bool) (channel.Channel, error) {
		if info == nil || info.WifiLan == nil {
			return nil, bwuerr.New(bwuerr.Protocol, "missing wifi_lan path info")
		}
		url := fmt.Sprintf("ws://%s:%d/", info.WifiLan.IPAddress, info.WifiLan.Port)

		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, bwuerr.Wrap(bwuerr.Transport, "dialing wifi_lan peer", err)
		}
		if cancel.Load() {
			_ = conn.Close(websocket.StatusNormalClosure, "cancelled")
			return nil, bwuerr.New(bwuerr.Cancellation, "dial cancelled")
		}

		return channel.New(channel.Config{
			Conn:      websocket.NetConn(context.Background(), conn, websocket.MessageBinary),
			Medium:    medium.WifiLan,
			ServiceID: serviceID,
			Name:      endpointID,
			Logger:    log,
		}), nil
	}

	h = mediums.NewBaseHandler(medium.WifiLan, listen, stopListen, dial, log)
	return h
}

// localIPv4 returns the first non-loopback IPv4 address found on the host,
// or "127.0.0.1" if none is found — sufficient for same-host/LAN testing,
// where the real stack would instead use the platform's WifiLan APIs.
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
