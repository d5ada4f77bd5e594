package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wopr/platform/internal/node"
)

func main() {
	_ = godotenv.Load()

	nodeID := os.Getenv("NODE_ID")
	if nodeID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			log.Fatalf("NODE_ID not set and hostname unavailable: %v", err)
		}
		nodeID = hostname
	}
	controlPlane := os.Getenv("CONTROL_PLANE_URL")
	if controlPlane == "" {
		log.Fatal("CONTROL_PLANE_URL is required")
	}
	token := os.Getenv("NODE_AGENT_TOKEN")
	if token == "" {
		log.Fatal("NODE_AGENT_TOKEN is required")
	}

	runtime, err := node.NewDockerRuntime()
	if err != nil {
		log.Fatalf("Failed to connect to Docker: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("🚀 Node agent %s connecting to %s", nodeID, controlPlane)
	node.NewAgent(nodeID, controlPlane, token, runtime).Run(ctx)
	log.Println("Node agent stopped")
}
