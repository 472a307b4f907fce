// Command server runs the parcel storage HTTP service.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/code-to-gold/amo-storage/internal/platform/otel"
	server "github.com/code-to-gold/amo-storage/internal/services/parcel/app"
)

func main() {
	port := flag.Int("port", 8080, "HTTP listen port")
	flag.Parse()

	log.SetPrefix("[PARCEL] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := otel.Setup(ctx, "amo-storage")
	if err != nil {
		log.Fatalf("setup tracing: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	if err := server.Run(ctx, *port); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
