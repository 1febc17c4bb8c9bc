package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"aox/internal/blobstorage"
	"aox/internal/conf"
	"aox/internal/db"
	"aox/internal/metrics"
	"aox/internal/smtpd"
	"aox/internal/spool"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	metricsAddr := flag.String("metrics", "", "Address for the metrics endpoint")
	flag.Parse()

	log.Println("Starting aox delivery service...")

	var cfg *conf.Config
	var err error
	if *configPath != "" {
		cfg, err = conf.LoadConfigFile(*configPath)
	} else {
		cfg, err = conf.LoadConfig()
	}
	if err != nil {
		log.Printf("Warning: failed to load config: %v", err)
		log.Println("Using default configuration")
		cfg = conf.DefaultConfig()
	}

	store, err := db.Open(cfg.DBDSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()
	if err := store.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	log.Println("Database ready")

	var s3 *blobstorage.S3BlobStorage
	if cfg.BlobStorage.Enabled {
		s3, err = blobstorage.NewS3BlobStorage(cfg.BlobStorage)
		if err != nil {
			log.Printf("Warning: failed to initialize S3 blob storage: %v", err)
			s3 = nil
		}
	}

	// The spool manager drains the deliveries table to the smarthost.
	var blob spool.BlobFetcher
	var inboundBlob smtpd.BlobStore
	if s3 != nil {
		blob = s3
		inboundBlob = s3
	}
	if err := spool.Setup(store, cfg, blob); err != nil {
		log.Fatalf("Failed to start spool manager: %v", err)
	}

	mailServer := smtpd.NewServer(store, cfg, inboundBlob)

	listen := func(address string, port int, dialect smtpd.Dialect) {
		e, err := conf.ParseEndpoint(address, port)
		if err != nil {
			log.Fatalf("Bad %s address: %v", dialect, err)
		}
		if err := mailServer.Listen(e, dialect); err != nil {
			log.Fatalf("Failed to start %s listener: %v", dialect, err)
		}
	}
	listen(cfg.SmtpAddress, cfg.SmtpPort, smtpd.Smtp)
	listen(cfg.LmtpAddress, cfg.LmtpPort, smtpd.Lmtp)
	listen(cfg.SubmitAddress, cfg.SubmitPort, smtpd.Submit)
	if cfg.TLSCert != "" {
		e, err := conf.ParseEndpoint(cfg.SmtpsAddress, cfg.SmtpsPort)
		if err != nil {
			log.Fatalf("Bad smtps address: %v", err)
		}
		if err := mailServer.ListenTLS(e, smtpd.Submit); err != nil {
			log.Printf("Warning: cannot start smtps listener: %v", err)
		}
	}

	if *metricsAddr != "" {
		go func() {
			log.Printf("Metrics endpoint on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, metrics.Handler()); err != nil {
				log.Printf("Metrics endpoint failed: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received signal %v, shutting down gracefully...", sig)
	spool.Stop()
	if err := mailServer.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("aox delivery service stopped")
}
