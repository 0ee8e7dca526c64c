// Command tcploop runs two stacks against each other over an in-memory
// lossy link: one listens, the other connects and streams data through the
// handshake, retransmission and teardown paths. Useful for soak testing
// and for watching the congestion controller behave under loss.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/irctrakz/tcpstack/pkg/config"
	"github.com/irctrakz/tcpstack/pkg/core"
	"github.com/irctrakz/tcpstack/pkg/logging"
	"github.com/irctrakz/tcpstack/pkg/metrics"
	"github.com/irctrakz/tcpstack/pkg/tcp"
)

func main() {
	cfg := config.DefaultConfig()
	if path := strings.TrimSpace(os.Getenv("TCP_CONFIG")); path != "" {
		if err := config.LoadFromFile(path, cfg); err != nil {
			log.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		log.Fatalf("logging: %v", err)
	}

	// Loss injection for the in-memory link.
	lossRate := 0.0
	if v := strings.TrimSpace(os.Getenv("LOOP_LOSS_RATE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f < 1 {
			lossRate = f
		}
	}

	serverCfg, err := cfg.BuildStackConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	clientCfg := serverCfg
	clientCfg.LocalAddr = [4]byte{10, 0, 0, 2}
	clientCfg.PcapPath = "" // one capture is enough
	if serverCfg.LocalAddr == clientCfg.LocalAddr {
		clientCfg.LocalAddr = [4]byte{10, 0, 0, 3}
	}

	toServer := newPipe(lossRate, 1)
	toClient := newPipe(lossRate, 2)

	server, err := tcp.NewStack(serverCfg, toClient)
	if err != nil {
		log.Fatalf("server stack: %v", err)
	}
	client, err := tcp.NewStack(clientCfg, toServer)
	if err != nil {
		log.Fatalf("client stack: %v", err)
	}
	toServer.attach(server.HandleInbound)
	toClient.attach(client.HandleInbound)

	server.Start()
	client.Start()
	defer server.Stop()
	defer client.Stop()

	if err := server.Listen(tcp.PortHTTP); err != nil {
		log.Fatalf("listen: %v", err)
	}

	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.ListenAddress, server.Metrics())
		metricsSrv.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			metricsSrv.Stop(ctx)
		}()
	}

	key, err := client.Connect(0, serverCfg.LocalAddr, tcp.PortHTTP)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	go runTrafficLoop(client, server, key)
	go runMetricsReporter(server, toServer, toClient)

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logging.Infof("shutting down")
}

// runTrafficLoop streams payloads from the client and drains them on the
// server side, forever.
func runTrafficLoop(client, server *tcp.Stack, key tcp.ConnKey) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}

	// Wait for the handshake.
	for {
		st, err := client.ConnState(key)
		if err != nil {
			logging.Errorf("traffic: %v", err)
			return
		}
		if st == tcp.StateEstablished {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	serverKey := tcp.ConnKey{
		LocalAddr:  key.RemoteAddr,
		LocalPort:  key.RemotePort,
		RemoteAddr: key.LocalAddr,
		RemotePort: key.LocalPort,
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if err := client.Send(key, payload); err != nil {
			logging.Warnf("traffic send: %v", err)
			return
		}
		for {
			data, err := server.Recv(serverKey, 65536)
			if err != nil || len(data) == 0 {
				break
			}
		}
	}
}

var _ core.IPSender = (*pipe)(nil)
