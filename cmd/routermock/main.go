package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"

	"payment-reconciler/internal/routermock"
)

func main() {
	addr := flag.String("addr", ":8728", "listen address")
	token := flag.String("token", os.Getenv("ROUTERMOCK_TOKEN"), "bearer token required from clients")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	device := routermock.New(*token, logger)

	logger.Info("Starting hotspot device mock", "addr", *addr)
	if err := http.ListenAndServe(*addr, device.Handler()); err != nil {
		logger.Error("Device mock stopped", "error", err)
		os.Exit(1)
	}
}
