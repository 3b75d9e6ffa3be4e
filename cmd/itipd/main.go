// Command itipd processes spooled scheduling mail.
//
//	itipd [-config path] inject [file]   put a message into the spool
//	itipd [-config path] process [key]   process incoming once
//	itipd [-config path] run             process continuously
//	itipd [-config path] release key     requeue a held message
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cyp0633/itipd/config"
	"github.com/cyp0633/itipd/directory"
	"github.com/cyp0633/itipd/lock"
	"github.com/cyp0633/itipd/mailstore/imapstore"
	"github.com/cyp0633/itipd/pipeline"
	"github.com/cyp0633/itipd/spool"
	"github.com/cyp0633/itipd/storage/caldav"
	"github.com/cyp0633/itipd/transport"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] inject|process|run|release [args]\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "/etc/itipd/itipd.yaml", "Path to config file")
	spoolDir := flag.String("spool", "", "Spool directory (overrides config if set)")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "config_path", *configPath, "error", err)
		os.Exit(1)
	}
	if *spoolDir != "" {
		cfg.Spool.Dir = *spoolDir
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "inject":
		err = inject(cfg, logger, args)
	case "process":
		err = process(ctx, cfg, logger, args)
	case "run":
		err = run(ctx, cfg, logger)
	case "release":
		err = release(cfg, logger, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func inject(cfg *config.Config, logger *slog.Logger, args []string) error {
	s, err := spool.Open(cfg.Spool.Dir, logger)
	if err != nil {
		return err
	}
	var r io.Reader = os.Stdin
	if len(args) > 0 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	key, err := s.Inject(r)
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func release(cfg *config.Config, logger *slog.Logger, args []string) error {
	if len(args) == 0 {
		return errors.New("release needs the key of a held message")
	}
	s, err := spool.Open(cfg.Spool.Dir, logger)
	if err != nil {
		return err
	}
	for _, key := range args {
		if err := s.Release(key); err != nil {
			return err
		}
		logger.Info("released message", "key", key)
	}
	return nil
}

// components are the long-lived collaborators built from the config
type components struct {
	processor *pipeline.Processor
	locker    lock.Locker
	close     func() error
}

func build(cfg *config.Config, logger *slog.Logger) (*components, error) {
	settings, err := cfg.Settings()
	if err != nil {
		return nil, err
	}
	dir, err := directory.LoadStatic(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}

	var open pipeline.OpenStore
	switch cfg.Store {
	case config.StoreCalDAV:
		store, err := caldav.Dial(cfg.CalDAV.Endpoint, cfg.CalDAV.Root, cfg.CalDAV.Username, cfg.CalDAV.Password, logger)
		if err != nil {
			return nil, err
		}
		open = pipeline.SharedStore(store)
	default:
		open = pipeline.MailboxStore(&imapstore.Dialer{
			Address:  cfg.IMAP.Address,
			Security: imapstore.Security(cfg.IMAP.Security),
			Username: cfg.IMAP.Username,
			Password: cfg.IMAP.Password,
			Logger:   logger,
		}, logger)
	}

	c := &components{close: func() error { return nil }}
	switch cfg.Lock.Backend {
	case config.LockMemory:
		c.locker = lock.NewMemory(cfg.Lock.Timeout)
	default:
		db, err := lock.OpenSQLite(cfg.Lock.Path, cfg.Lock.Timeout, logger)
		if err != nil {
			return nil, err
		}
		c.locker = db
		c.close = db.Close
	}

	c.processor = &pipeline.Processor{
		Directory: dir,
		OpenStore: open,
		Locker:    c.locker,
		Sender: &transport.SMTP{
			Address:   cfg.SMTP.Address,
			Security:  transport.Security(cfg.SMTP.Security),
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			LocalName: cfg.SMTP.LocalName,
			Timeout:   cfg.SMTP.Timeout,
			Logger:    logger,
		},
		Settings:      settings,
		RejectNonItip: cfg.Engine.RejectNonItip,
		Logger:        logger,
	}
	return c, nil
}

func process(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	s, err := spool.Open(cfg.Spool.Dir, logger)
	if err != nil {
		return err
	}
	c, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	w := &spool.Worker{Spool: s, Processor: c.processor, Logger: logger}
	if len(args) == 0 {
		n, err := w.RunOnce(ctx)
		logger.Info("spool processed", "messages", n)
		return err
	}
	for _, key := range args {
		msg, err := s.Get(spool.Incoming, key)
		if err != nil {
			return fmt.Errorf("find message %s: %w", key, err)
		}
		state, err := w.Handle(ctx, msg)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", key, state)
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	s, err := spool.Open(cfg.Spool.Dir, logger)
	if err != nil {
		return err
	}
	c, err := build(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	sweeper, err := spool.NewSweeper(s, c.locker, spool.SweeperOptions{
		Schedule:   cfg.Spool.Sweep,
		RetryAfter: cfg.Spool.RetryAfter,
		LockTTL:    cfg.Lock.Timeout,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	go sweeper.Start(ctx)

	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Metrics, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("serving metrics", "listen", cfg.Metrics)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("itipd running", "spool", cfg.Spool.Dir, "store", cfg.Store, "lock", cfg.Lock.Backend)
	w := &spool.Worker{Spool: s, Processor: c.processor, Interval: cfg.Spool.Interval, Logger: logger}
	err = w.Run(ctx)
	logger.Info("itipd exiting")
	return err
}
