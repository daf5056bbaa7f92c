package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ignite/abtest-engine/internal/api"
	"github.com/ignite/abtest-engine/internal/repository/memory"
	"github.com/ignite/abtest-engine/internal/service/experiment"
	"github.com/ignite/abtest-engine/internal/worker"
)

// Local development server backed by an in-memory repository.
// No Postgres or Redis needed; all experiments vanish on restart.
func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  WARNING: In-memory A/B test engine for local testing.    ║")
	log.Println("║  Nothing is persisted; state is lost on restart.          ║")
	log.Println("║                                                           ║")
	log.Println("║  For the REAL server, run:                                ║")
	log.Println("║    go run cmd/server/main.go                              ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	port := 8080
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			port = p
		}
	}

	svc := experiment.NewService(memory.NewExperimentRepo(), nil)
	server := api.NewServer(svc, []string{"*"})

	// Short interval so auto-selection is observable while poking at the API.
	evaluator := worker.NewEvaluator(svc, nil, nil, 10*time.Second)
	evaluator.Start()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("localhost:%d", port)
		log.Printf("Starting in-memory server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	evaluator.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
