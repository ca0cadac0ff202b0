package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"pallas.athemath.org/internal/config"
	"pallas.athemath.org/internal/httpapi"
	"pallas.athemath.org/internal/identity"
	"pallas.athemath.org/internal/mail"
	"pallas.athemath.org/internal/migrate"
	"pallas.athemath.org/internal/obs"
	"pallas.athemath.org/migrations"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Store: Postgres when a DSN is configured, in-memory otherwise.
	var (
		db    *sql.DB
		store identity.Store
	)
	if cfg.DatabaseDSN != "" {
		db, err = sql.Open("pgx", cfg.DatabaseDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := migrate.NewManager(db, migrations.Files).Up(ctx); err != nil {
			cancel()
			log.Fatalf("apply migrations: %v", err)
		}
		cancel()
		store = identity.NewPGStore(db)
	} else {
		log.Println("no PALLAS_PG_DSN set, using in-memory store")
		store = identity.NewMemStore()
	}

	// Mail: SMTP when a host is configured, log-only otherwise.
	var sender mail.Sender
	if cfg.SMTPHost != "" {
		sender, err = mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
		if err != nil {
			log.Fatalf("smtp sender: %v", err)
		}
	} else {
		log.Println("no PALLAS_SMTP_HOST set, logging mail instead of sending")
		sender = mail.LogSender{}
	}

	opts := []identity.Option{
		identity.WithGroupPageBase(cfg.GroupPageBase),
	}
	if cfg.HashCost > 0 {
		opts = append(opts, identity.WithHashCost(cfg.HashCost))
	}
	if cfg.ChallengeTTL > 0 {
		opts = append(opts, identity.WithChallengeTTL(cfg.ChallengeTTL))
	}
	if cfg.MaxVerifyAttempts > 0 {
		opts = append(opts, identity.WithMaxAttempts(cfg.MaxVerifyAttempts))
	}
	svc, err := identity.NewService(store, sender, opts...)
	if err != nil {
		log.Fatalf("identity service: %v", err)
	}

	api := httpapi.New(svc, httpapi.ReadyProbe{DB: db}, version, httpapi.Options{
		TokenTTL:       cfg.TokenTTL,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting pallas-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
