package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/NovaMesh/novalink-client/pkg/api"
	"github.com/NovaMesh/novalink-client/pkg/network"
	"github.com/NovaMesh/novalink-client/pkg/storage"
)

const (
	defaultDataDir = "./data"
	statsInterval  = 5 * time.Minute
)

var (
	serverURL  = flag.String("server", "", "Relay endpoint URL, e.g. wss://relay.novamesh.io/link (required)")
	dataDir    = flag.String("data", defaultDataDir, "Data directory for the identity database")
	apiPort    = flag.Int("api-port", 7600, "Control API port (0 to disable)")
	apiKey     = flag.String("api-key", "", "Require this X-API-Key on control API requests")
	algorithm  = flag.String("encryption", "aes256gcm", "Encryption algorithm: aes256gcm or chacha20poly1305")
	noAutoConn = flag.Bool("no-connect", false, "Start without connecting; use the control API to connect")
)

func main() {
	flag.Parse()

	printBanner()

	if *serverURL == "" {
		log.Fatal("Error: -server flag is required (relay endpoint URL)")
	}

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	identityPath := filepath.Join(*dataDir, "identity.db")
	identity, err := storage.NewIdentityDB(identityPath)
	if err != nil {
		log.Fatalf("Failed to open identity database: %v", err)
	}

	kp, err := identity.SigningKeypair()
	if err != nil {
		log.Fatalf("Failed to load identity: %v", err)
	}
	log.Printf("✓ Identity loaded from %s (%d-byte public key)", identityPath, len(kp.PublicKey))

	cfg := network.DefaultConfig(*serverURL)
	cfg.EncryptionAlgorithm = *algorithm

	client := network.NewClient(cfg, identity)

	client.OnConnected = func(ev network.ConnectedEvent) {
		if ev.Unauthenticated {
			log.Printf("⚠️  Session %s established WITHOUT key exchange (assigned %s)", ev.SessionID, ev.IP)
			return
		}
		log.Printf("✅ Session %s established, assigned %s", ev.SessionID, ev.IP)
	}
	client.OnMessage = func(kind string, payload []byte) {
		log.Printf("📨 %s message (%d bytes)", kind, len(payload))
	}
	client.OnError = func(e *network.Error) {
		log.Printf("⚠️  %v", e)
	}
	client.OnDisconnected = func(code int, reason string) {
		log.Printf("🔌 Disconnected: code %d %s", code, reason)
	}
	client.OnReconnecting = func(attempt int, delay time.Duration) {
		log.Printf("🔄 Reconnect attempt %d in %v", attempt, delay)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Control API
	var apiServer *api.Server
	if *apiPort > 0 {
		apiCfg := api.DefaultConfig()
		apiCfg.Port = *apiPort
		if *apiKey != "" {
			apiCfg.APIKeys = map[string]bool{*apiKey: true}
		}
		apiServer = api.NewServer(client, identity, apiCfg)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				log.Printf("Control API stopped: %v", err)
			}
		}()
	} else {
		log.Println("⚠️  Control API disabled")
	}

	if !*noAutoConn {
		log.Printf("🔗 Connecting to %s...", *serverURL)
		if err := client.Connect(); err != nil {
			log.Fatalf("Failed to establish session: %v", err)
		}
	}

	go statsLoop(client)

	printStatus(client)

	waitForShutdown(cancel, client, identity)
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║            NovaLink Client v1.2                   ║")
	fmt.Println("║     Secure channel to the NovaMesh relay network  ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func statsLoop(client *network.Client) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for range ticker.C {
		stats := client.Stats()

		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Println("💓 Channel status")
		log.Printf("   State: %v", stats["state"])
		log.Printf("   Messages sent: %v", stats["messages_sent"])
		log.Printf("   Messages received: %v", stats["messages_received"])
		log.Printf("   Reconnects: %v", stats["reconnects"])
		log.Printf("   Queued: %v", stats["queued_messages"])
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

func printStatus(client *network.Client) {
	stats := client.Stats()

	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🚀 NovaLink Status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   State: %v\n", stats["state"])
	fmt.Printf("   Endpoint: %s\n", *serverURL)
	if addr, ok := stats["assigned_address"]; ok {
		fmt.Printf("   Assigned address: %v\n", addr)
	}
	if *apiPort > 0 {
		fmt.Printf("   Control API: http://localhost:%d\n", *apiPort)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func waitForShutdown(cancel context.CancelFunc, client *network.Client, identity *storage.IdentityDB) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	fmt.Println()
	log.Println("Shutting down gracefully...")

	cancel()

	if err := client.Close(); err != nil {
		log.Printf("Error closing client: %v", err)
	} else {
		log.Println("✓ Channel closed")
	}

	if err := identity.Close(); err != nil {
		log.Printf("Error closing identity database: %v", err)
	} else {
		log.Println("✓ Identity database closed")
	}

	log.Println("Goodbye! 👋")
}
