package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"aox/internal/blobstorage"
	"aox/internal/conf"
	"aox/internal/db"
	"aox/internal/metrics"
	"aox/internal/server"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	metricsAddr := flag.String("metrics", "", "Address for the metrics endpoint (e.g. 127.0.0.1:9187)")
	flag.Parse()

	log.Println("Starting aox IMAP server...")

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
		log.Println("Initializing S3 blob storage...")
		s3, err = blobstorage.NewS3BlobStorage(cfg.BlobStorage)
		if err != nil {
			log.Printf("Warning: failed to initialize S3 blob storage: %v", err)
			log.Println("Falling back to SQL body storage")
			s3 = nil
		}
	} else {
		log.Println("S3 blob storage is disabled in config, using SQL body storage")
	}

	imapServer := server.NewIMAPServerWithS3(store, cfg, s3)

	var g errgroup.Group

	imapEndpoint, err := conf.ParseEndpoint(cfg.ImapAddress, cfg.ImapPort)
	if err != nil {
		log.Fatalf("Bad imap-address: %v", err)
	}
	g.Go(func() error {
		return serve(imapEndpoint, imapServer.HandleConnection)
	})

	if cfg.TLSCert != "" {
		imapsEndpoint, err := conf.ParseEndpoint(cfg.ImapsAddress, cfg.ImapsPort)
		if err != nil {
			log.Fatalf("Bad imaps-address: %v", err)
		}
		g.Go(func() error {
			return serve(imapsEndpoint, imapServer.HandleTLSConnection)
		})
	}

	if *metricsAddr != "" {
		g.Go(func() error {
			log.Printf("Metrics endpoint on %s", *metricsAddr)
			return http.ListenAndServe(*metricsAddr, metrics.Handler())
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		imapServer.BeginShutdown()
		// give sessions a moment to say BYE
		time.Sleep(5 * time.Second)
		os.Exit(0)
	}()

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func serve(e *conf.Endpoint, handle func(net.Conn)) error {
	ln, err := e.Listen()
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Printf("aox IMAP server running on %s", e)

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Println("Accept error:", err)
			continue
		}
		log.Printf("New connection from: %s", conn.RemoteAddr())
		go handle(conn)
	}
}
