package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/apotekly/rx-verify/internal/config"
	kafkax "github.com/apotekly/rx-verify/internal/kafka"
	"github.com/apotekly/rx-verify/internal/notify"
	"github.com/apotekly/rx-verify/internal/postgres"
	"github.com/apotekly/rx-verify/internal/redisx"
	"github.com/apotekly/rx-verify/internal/rx"
)

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Producer for notify results
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024)
	prod.Start(ctx)

	// Service
	svc := &notify.Service{
		Store:       rx.NewPGStore(db),
		Redis:       rdb,
		Notifier:    notify.NewMailNotifier(cfg.MailURL, cfg.MailFrom),
		Producer:    prod,
		ServiceName: cfg.ServiceName + "-notifier",
	}

	// Consumer
	group := getenv("NOTIFIER_GROUP", "rx-notifier")
	workers := mustAtoi(os.Getenv("NOTIFIER_WORKERS"), "4")
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, group, rx.TopicNotifyRequested, workers)

	go func() {
		log.Printf("notifier consumer started: group=%s topic=%s workers=%d", group, rx.TopicNotifyRequested, workers)
		if err := cons.Start(ctx, svc.HandleNotifyRequested); err != nil {
			log.Printf("consumer exit: %v", err)
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down consumer...")
	cancel()
	time.Sleep(500 * time.Millisecond)
	prod.Close()
	prod.WaitClosed()
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
