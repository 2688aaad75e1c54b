package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"hyperflow/config"
	"hyperflow/internal/dashboard"
	"hyperflow/internal/health"
	"hyperflow/logger"
	"hyperflow/processor"
	"hyperflow/reader/hyperliquid"
	"hyperflow/writer"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "", "Path to configuration file (defaults to the APP_ENV specific file)")
	coin := flag.StringP("coin", "c", "", "Instrument to collect, e.g. BTC")
	testnet := flag.BoolP("testnet", "t", false, "Use the Hyperliquid testnet endpoints")
	useS3 := flag.BoolP("s3", "s", false, "Enable S3 upload")
	noS3 := flag.Bool("no-s3", false, "Disable S3 upload")
	logLevel := flag.StringP("log-level", "l", "", "Log level (debug, info, warn, error, report)")
	backup := flag.Bool("backup", false, "Copy the CSV files to timestamped backups on shutdown")
	showVersion := flag.BoolP("version", "v", false, "Print version and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if *showVersion {
		fmt.Printf("%s %s\n", cfg.Hyperflow.Name, cfg.Hyperflow.Version)
		return
	}

	overrides := config.Overrides{Coin: *coin, LogLevel: *logLevel}
	if flag.CommandLine.Changed("testnet") {
		overrides.Testnet = testnet
	}
	switch {
	case *noS3:
		disabled := false
		overrides.S3 = &disabled
	case flag.CommandLine.Changed("s3"):
		overrides.S3 = useS3
	}
	if err := config.ApplyOverrides(cfg, overrides); err != nil {
		log.WithError(err).Error("Invalid command line options")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	hl := cfg.Source.Hyperliquid
	log.WithFields(logger.Fields{
		"service": cfg.Hyperflow.Name,
		"version": cfg.Hyperflow.Version,
		"env":     config.AppEnvironment(),
		"coin":    hl.Coin,
		"testnet": hl.Testnet,
		"s3":      cfg.Storage.S3.Enabled,
	}).Info("starting hyperflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}
	level := cfg.Logging.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	if strings.ToLower(level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	sink, uploader, closeSinks, err := buildSinks(ctx, cfg, log, *backup)
	if err != nil {
		log.WithError(err).Error("failed to initialise sinks")
		os.Exit(1)
	}

	stream := hyperliquid.NewStreamClient(hyperliquid.StreamConfig{
		URL:               hl.StreamURL(),
		UserAgent:         hl.UserAgent,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		HandshakeTimeout:  cfg.Stream.HandshakeTimeout,
		WriteTimeout:      cfg.Stream.WriteTimeout,
		LivenessWindow:    cfg.Stream.LivenessWindow,
		ReadLimit:         cfg.Stream.ReadLimitBytes,
	}, log)
	poller := hyperliquid.NewPollClient(hyperliquid.PollConfig{
		BaseURL:           hl.InfoURL(),
		UserAgent:         hl.UserAgent,
		Timeout:           cfg.Poll.Timeout,
		RequestsPerSecond: cfg.Poll.RequestsPerSecond,
		Burst:             cfg.Poll.Burst,
	}, log)
	collector := processor.NewCollector(cfg, stream, poller, sink, log)
	if uploader != nil {
		collector.SetBucketReporter(uploader)
	}

	probe := health.NewProbe(cfg.Health, cfg.Storage.CSV.Dir, hl.Coin)
	dash, err := dashboard.NewServer(cfg.Dashboard, log, dashboard.Sources{
		Status: func() interface{} { return collector.Status() },
		Health: func(ctx context.Context) (bool, interface{}) {
			rep := probe.Run(ctx)
			return rep.Healthy, rep
		},
		DiskPath: cfg.Storage.CSV.Dir,
	})
	if err != nil {
		log.WithError(err).Error("failed to create dashboard")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	if dash != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := dash.Run(ctx, cfg.Hyperflow.Name); err != nil {
				log.WithError(err).Warn("dashboard stopped")
			}
		}()
	}

	if err := collector.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start collector")
		os.Exit(1)
	}
	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	log.Info("stopping collector")
	if err := collector.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("collector did not stop cleanly")
	}

	log.Info("final flush")
	if err := collector.Flush(shutdownCtx); err != nil {
		log.WithError(err).Warn("final flush failed")
	}
	collector.LogStatus()

	cancel()
	closeSinks()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-shutdownCtx.Done():
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("hyperflow stopped")
}

// buildSinks wires the CSV store, its optional S3 uploader, the Parquet
// archive and the Kafka mirror into one Fanout. The uploader is returned only
// when CSV upload is enabled. The returned func backs up the CSV files when
// asked and closes whatever was opened.
func buildSinks(ctx context.Context, cfg *config.Config, log *logger.Log, backup bool) (writer.Sink, *writer.S3Uploader, func(), error) {
	storage := cfg.Storage
	coin := cfg.Source.Hyperliquid.Coin

	var uploader *writer.S3Uploader
	if storage.S3.Enabled || storage.Parquet.Enabled {
		client, err := writer.NewS3Client(ctx, storage.S3)
		if err != nil {
			return nil, nil, nil, err
		}
		uploader = writer.NewS3Uploader(client, storage.S3, log)
	}

	var (
		csvUploader writer.Uploader
		reporter    *writer.S3Uploader
	)
	if storage.S3.Enabled {
		csvUploader = uploader
		reporter = uploader
	} else {
		log.WithComponent("main").Info("S3 storage disabled; CSV files stay local")
	}
	csvStore, err := writer.NewCSVStore(storage.CSV.Dir, coin, csvUploader, log)
	if err != nil {
		return nil, nil, nil, err
	}
	sinks := []writer.Sink{csvStore}

	if storage.Parquet.Enabled {
		sinks = append(sinks, writer.NewParquetArchiver(writer.ArchiveConfig{
			Bucket:      storage.S3.Bucket,
			KeyPrefix:   storage.S3.KeyPrefix,
			Coin:        coin,
			Compression: storage.Parquet.Compression,
			MetadataDir: storage.Parquet.MetadataDir,
		}, uploader, log))
	}

	var mirror *writer.KafkaMirror
	if storage.Kafka.Enabled {
		mirror, err = writer.NewKafkaMirror(storage.Kafka, log)
		if err != nil {
			csvStore.Close()
			return nil, nil, nil, err
		}
		if err := mirror.Start(ctx); err != nil {
			csvStore.Close()
			return nil, nil, nil, err
		}
		sinks = append(sinks, mirror)
	}

	closeAll := func() {
		if backup {
			if _, err := csvStore.Backup(""); err != nil {
				log.WithComponent("main").WithError(err).Warn("csv backup incomplete")
			}
		}
		if mirror != nil {
			if err := mirror.Stop(); err != nil {
				log.WithComponent("main").WithError(err).Warn("failed to close kafka mirror")
			}
		}
		if err := csvStore.Close(); err != nil {
			log.WithComponent("main").WithError(err).Warn("failed to close csv files")
		}
	}
	return writer.NewFanout(sinks...), reporter, closeAll, nil
}
