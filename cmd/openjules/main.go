package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openjules/openjules/internal/api"
	"github.com/openjules/openjules/internal/db"
	"github.com/openjules/openjules/internal/sandbox"
	"github.com/openjules/openjules/internal/stream"
	"github.com/openjules/openjules/internal/version"
	"github.com/openjules/openjules/internal/watcher"
)

func main() {
	_ = godotenv.Load()

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Println(version.Info())
			return
		case "serve":
			if err := runServer(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "daemon":
			if err := runDaemon(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "help", "--help", "-h":
			printHelp()
			return
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
			printHelp()
			os.Exit(1)
		}
	}

	printHelp()
}

func dataDir() (string, error) {
	if dir := os.Getenv("OPENJULES_DATA"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".openjules"), nil
}

func openRuntime() (*db.DB, *watcher.Watcher, *stream.Manager, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, nil, nil, err
	}
	database, err := db.New(filepath.Join(dir, "openjules.db"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing database: %w", err)
	}

	logger := log.New(os.Stderr, "[openjules] ", log.LstdFlags)
	driver, err := sandbox.NewDriver(logger)
	if err != nil {
		database.Close()
		return nil, nil, nil, err
	}

	streamMgr := stream.NewManager()
	w := watcher.New(database, driver, streamMgr, logger)
	return database, w, streamMgr, nil
}

func runDaemon() error {
	database, w, _, err := openRuntime()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := w.Start(); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer w.Stop()

	fmt.Println("openjules daemon started")
	fmt.Printf("PID: %d\n", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down...")
	return nil
}

func runServer() error {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	port := serveCmd.Int("port", 8080, "HTTP server port")
	_ = serveCmd.Parse(os.Args[2:])

	database, w, streamMgr, err := openRuntime()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := w.Start(); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}
	defer w.Stop()

	server := api.NewServer(database, streamMgr)

	addr := fmt.Sprintf(":%d", *port)
	fmt.Printf("openjules API server starting on %s\n", addr)
	fmt.Println("Live mission output available via SSE")

	srv := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return srv.Shutdown(ctx)
}

func printHelp() {
	fmt.Println(`openjules - autonomous software engineering missions in container sandboxes

Usage:
  openjules serve           Run the control API plus the mission watcher
  openjules daemon          Run the mission watcher only (headless workers)
  openjules version         Show version information
  openjules help            Show this help message

Serve Options:
  --port                    HTTP server port (default: 8080)

Environment Variables:
  OPENJULES_DATA            Override data directory (default: ~/.openjules)
  OPENJULES_SANDBOX_ROOT    Override sandbox workspace root
  OPENJULES_SANDBOX_PERSIST Keep sandbox workspaces after teardown
  OPENJULES_DOCKER_IMAGE    Override the sandbox container image
  DOCKER_SOCKET_PATH        Docker socket (default: /var/run/docker.sock)`)
}
