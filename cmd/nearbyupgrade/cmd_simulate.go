package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/google/nearby-sub006/internal/bwu"
	"github.com/google/nearby-sub006/internal/channel"
	"github.com/google/nearby-sub006/internal/config"
	"github.com/google/nearby-sub006/internal/control"
	"github.com/google/nearby-sub006/internal/frames"
	"github.com/google/nearby-sub006/internal/medium"
	"github.com/google/nearby-sub006/internal/mediums"
	"github.com/google/nearby-sub006/internal/mediums/bluetooth"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a local two-endpoint bandwidth-upgrade handshake and serve its status",
	Long: "Stands up two in-process BwuManagers (a local endpoint and a simulated\n" +
		"peer) connected by an in-memory prior channel, upgrades them onto the\n" +
		"Bluetooth medium's in-process broker, and serves the local endpoint's\n" +
		"status over the control socket until interrupted.",
	RunE: runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	log := globalLogger

	cfg, err := loadSimulateConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	localEndpointID := cfg.Endpoint.ID
	serviceID := cfg.Endpoint.ServiceID
	log.Info("starting simulation", "endpoint", localEndpointID, "service", serviceID)

	peerEndpointID := "peer-endpoint"

	broker := bluetooth.NewBroker()
	localHandler := bluetooth.NewHandler(bluetooth.Config{Broker: broker, ServiceName: serviceID, Logger: log})
	peerHandler := bluetooth.NewHandler(bluetooth.Config{Broker: broker, ServiceName: serviceID, Logger: log})

	changedCh := make(chan medium.Tag, 1)

	local := bwu.NewManager(bwu.Config{
		LocalEndpointID:          localEndpointID,
		Handlers:                 map[medium.Tag]mediums.Handler{medium.Bluetooth: localHandler},
		MediumsInPreferenceOrder: []medium.Tag{medium.Bluetooth},
		IntroductionTimeout:      5 * time.Second,
		SyncDispatch:             true,
		Logger:                   log,
		OnBandwidthChanged: func(endpointID string, newMedium medium.Tag) {
			log.Info("bandwidth changed", "endpoint", endpointID, "medium", newMedium)
			select {
			case changedCh <- newMedium:
			default:
			}
		},
		OnUpgradeFailed: func(endpointID string, err error) {
			log.Warn("upgrade failed", "endpoint", endpointID, "error", err)
		},
	})
	defer local.Shutdown()

	peer := bwu.NewManager(bwu.Config{
		LocalEndpointID:     peerEndpointID,
		Handlers:            map[medium.Tag]mediums.Handler{medium.Bluetooth: peerHandler},
		IntroductionTimeout: 5 * time.Second,
		Logger:              log,
	})
	defer peer.Shutdown()

	priorA, priorB := net.Pipe()
	priorChA := channel.New(channel.Config{Conn: priorA, Medium: medium.BLE, ServiceID: serviceID, Name: peerEndpointID, Logger: log})
	priorChB := channel.New(channel.Config{Conn: priorB, Medium: medium.BLE, ServiceID: serviceID, Name: localEndpointID, Logger: log})

	if err := seedResponderBookkeeping(peer, localEndpointID, serviceID, priorChB); err != nil {
		return fmt.Errorf("seeding peer endpoint bookkeeping: %w", err)
	}

	go pumpFrames(priorChA, peerEndpointID, local)
	go pumpFrames(priorChB, localEndpointID, peer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := local.InitiateBwuForEndpoint(ctx, peerEndpointID, serviceID, priorChA); err != nil {
		return fmt.Errorf("initiating upgrade: %w", err)
	}

	select {
	case newMedium := <-changedCh:
		fmt.Printf("upgraded to %s\n", newMedium)
	case <-time.After(10 * time.Second):
		fmt.Println("upgrade did not complete within 10s")
	}

	socketPath := control.ResolveSocketPath()
	server := control.NewServer(socketPath, func() control.Status {
		return statusFromSnapshot(localEndpointID, local.Snapshot())
	}, log)
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting control server: %w", err)
	}
	defer server.Stop()

	fmt.Printf("serving status on %s — run `nearbyupgrade status` in another terminal, Ctrl-C to stop\n", socketPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	return nil
}

var simulateStartTime = time.Now()

func statusFromSnapshot(localEndpointID string, eps []bwu.EndpointStatus) control.Status {
	out := control.Status{
		LocalEndpointID: localEndpointID,
		UptimeSeconds:   time.Since(simulateStartTime).Seconds(),
		Scanning:        false,
	}
	for _, ep := range eps {
		out.Endpoints = append(out.Endpoints, control.EndpointStatus{
			EndpointID: ep.EndpointID,
			ServiceID:  ep.ServiceID,
			Medium:     ep.Medium.String(),
			InProgress: ep.InProgress,
			RetryArmed: ep.RetryArmed,
		})
	}
	return out
}

// seedResponderBookkeeping mirrors the bookkeeping a real connection-accept
// path would already have populated for the responder side, which never
// calls InitiateBwuForEndpoint itself (it only reacts to the inbound
// UPGRADE_PATH_AVAILABLE frame). The peer's MediumsInPreferenceOrder is
// empty, so this is guaranteed to be a bookkeeping no-op rather than an
// actual upgrade attempt.
func seedResponderBookkeeping(m *bwu.Manager, remoteEndpointID, serviceID string, priorChannel channel.Channel) error {
	return m.InitiateBwuForEndpoint(context.Background(), remoteEndpointID, serviceID, priorChannel)
}

// loadSimulateConfig loads the endpoint identity used for the simulation
// from the configured path, falling back to generated defaults when no
// config file is present so the command works out of the box.
func loadSimulateConfig() (*config.Config, error) {
	path := globalConfigPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.LoadPublicConfig(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.DefaultConfig()
	}
	if cfg.Endpoint.ID == "" {
		cfg.Endpoint.ID = "local-endpoint"
	}
	if cfg.Endpoint.ServiceID == "" {
		cfg.Endpoint.ServiceID = "nearby-bwu"
	}
	return cfg, nil
}

// pumpFrames reads control frames off ch and feeds them to m, the way a real
// per-endpoint channel reader goroutine would.
func pumpFrames(ch channel.Channel, remoteEndpointID string, m *bwu.Manager) {
	ctx := context.Background()
	for {
		raw, err := ch.Read(ctx)
		if err != nil {
			return
		}
		of, err := frames.Decode(raw)
		if err != nil || of.BandwidthUpgradeNegotiation == nil {
			continue
		}
		m.OnIncomingFrame(remoteEndpointID, ch, of.BandwidthUpgradeNegotiation)
	}
}
