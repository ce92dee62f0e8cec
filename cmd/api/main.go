package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/apotekly/rx-verify/internal/assign"
	"github.com/apotekly/rx-verify/internal/config"
	"github.com/apotekly/rx-verify/internal/httpx"
	kafkax "github.com/apotekly/rx-verify/internal/kafka"
	"github.com/apotekly/rx-verify/internal/notify"
	"github.com/apotekly/rx-verify/internal/pipeline"
	"github.com/apotekly/rx-verify/internal/postgres"
	"github.com/apotekly/rx-verify/internal/redisx"
	"github.com/apotekly/rx-verify/internal/rx"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer (shared, topic per message)
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024)
	prod.Start(ctx)

	// Store, engine, pipeline
	store := rx.NewPGStore(db)
	engine := assign.NewEngine(store)
	pl := &pipeline.Pipeline{
		Store:       store,
		Renderer:    notify.NewDocRenderer(cfg.RendererURL),
		Notifier:    notify.NewMailNotifier(cfg.MailURL, cfg.MailFrom),
		Producer:    prod,
		Redis:       rdb,
		ServiceName: cfg.ServiceName,

		TaxRateBP:              cfg.TaxRateBP,
		ShippingCents:          cfg.ShippingCents,
		DiscountThresholdCents: cfg.DiscountThresholdCents,
		DiscountCents:          cfg.DiscountCents,
	}

	router := httpx.NewRouter()
	h := &httpx.Handler{Store: store, Engine: engine, Pipeline: pl, Redis: rdb}
	h.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	// graceful shutdown
	go func() {
		log.Printf("HTTP listening at %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down...")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close() // close inbox -> flush & close writer
	prod.WaitClosed()
}
