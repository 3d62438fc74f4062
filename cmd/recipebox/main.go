package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recipebox/internal/recipebox"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("RECIPEBOX_CONFIG", "/recipebox.yaml"), "path to recipebox.yaml")
	flag.Parse()

	cfg, err := recipebox.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	svc, err := recipebox.NewService(cfg)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("recipebox listening on %s, origin=%s, sources=%d", addr, cfg.Server.Origin, len(cfg.Sources))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server error: %v", err)
			stop()
		}
	}()

	svc.Start(ctx)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
