package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"lanlink/config"
	"lanlink/core"
	"lanlink/network"
	"lanlink/plugins"
	"lanlink/protocol"
)

func main() {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("startup failed while creating logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	dataDir, err := config.ResolveDataDir()
	if err != nil {
		log.Fatalf("startup failed while resolving data directory: %v", err)
	}

	daemon, err := core.New(core.Options{
		Config:   cfg,
		DataDir:  dataDir,
		Delegate: consoleDelegate{},
		Capabilities: protocol.CapabilitySet{
			Incoming: []string{plugins.TypePing},
			Outgoing: []string{plugins.TypePing},
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("startup failed while creating core: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.Start(ctx); err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer daemon.Stop()

	if _, err := plugins.NewPingHandler(daemon.Router(), logger.Named("ping")); err != nil {
		log.Fatalf("startup failed while registering ping handler: %v", err)
	}

	err = daemon.StartDiscovery(core.Callbacks{
		OnDeviceFound: func(d core.Device) {
			logger.Info("device found",
				zap.String("device_id", d.ID),
				zap.String("name", d.Name),
				zap.Bool("paired", d.Paired))
		},
		OnDeviceLost: func(deviceID string) {
			logger.Info("device lost", zap.String("device_id", deviceID))
		},
		OnConnected: func(d core.Device) {
			logger.Info("device connected",
				zap.String("device_id", d.ID),
				zap.String("name", d.Name))
		},
		OnDisconnected: func(deviceID string) {
			logger.Info("device disconnected", zap.String("device_id", deviceID))
		},
	})
	if err != nil {
		log.Fatalf("startup failed while starting discovery: %v", err)
	}

	port, err := daemon.Port()
	if err != nil {
		log.Fatalf("startup failed while reading control port: %v", err)
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Control Port:    %d\n", port)
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Data Directory:  %s\n", dataDir)
	fmt.Println("Status:          running (press Ctrl+C to stop)")

	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// consoleDelegate auto-accepts pairing and prints the verification code so
// the user can compare it with the remote device's display.
type consoleDelegate struct{}

func (consoleDelegate) ConfirmPairing(req network.PairRequest) bool {
	fmt.Printf("Pairing request from %s (%s)\n", req.DeviceName, req.DeviceID)
	fmt.Printf("Verification code: %s\n", req.VerificationCode)
	return true
}
