package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/daniellavrushin/b4tun/config"
	b4http "github.com/daniellavrushin/b4tun/http"
	"github.com/daniellavrushin/b4tun/http/handler"
	"github.com/daniellavrushin/b4tun/log"
	"github.com/daniellavrushin/b4tun/metrics"
	"github.com/daniellavrushin/b4tun/relay"
	"github.com/daniellavrushin/b4tun/sock"
	"github.com/daniellavrushin/b4tun/tun"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	cfg         = config.NewConfig()
	verboseFlag string
	showVersion bool
	Version     = "dev"
	Commit      = "none"
	Date        = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "b4tun",
	Short: "B4 TUN relay",
	Long:  `b4tun terminates traffic routed into a TUN interface and relays it over protected sockets, reshaping the first flight of each flow to evade DPI`,
	RunE:  runB4Tun,
}

func init() {
	cfg.BindFlags(rootCmd)

	rootCmd.Flags().StringVar(&verboseFlag, "verbose", "info", "Set verbosity level (debug, trace, info, silent), default: info")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version and exit")
}

func main() {
	initTimezone()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// services holds everything that has to be torn down on exit.
type services struct {
	store   *config.Store
	metrics *metrics.Collector
	dev     *tun.Device
	routing *tun.Routing
	pcap    *tun.PcapTrace
	raw     *sock.RawSender
	relay   *relay.Relay
	http    *http.Server
	cancel  context.CancelFunc
	done    chan error
}

func runB4Tun(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("b4tun version: %s (%s) %s\n", Version, Commit, Date)
		return nil
	}

	cfg.ApplyLogLevel(verboseFlag)
	if err := initLogging(&cfg); err != nil {
		return fmt.Errorf("logging initialization failed: %w", err)
	}

	log.Infof("Starting b4tun")

	if err := loadConfig(&cfg); err != nil {
		return err
	}
	if cmd.Flags().Changed("verbose") {
		cfg.ApplyLogLevel(verboseFlag)
		log.SetLevel(cfg.System.Logging.Level)
		log.Infof("Log level set to %s", verboseFlag)
	}

	if n := cfg.Normalize(); n > 0 {
		log.Warnf("Repaired %d configuration values", n)
	}
	if err := cfg.Validate(); err != nil {
		return log.Errorf("invalid configuration: %w", err)
	}

	printConfigDefaults(cmd)

	m := metrics.NewCollector()
	log.AddHook(m.LogHook())
	m.RecordEvent("info", "b4tun starting up")

	store := config.NewStore(&cfg)
	store.OnUpdate(func(c *config.Config) {
		log.SetLevel(c.System.Logging.Level)
		log.SetInstaflush(c.System.Logging.Instaflush)
	})

	rt, err := start(store, m)
	if err != nil {
		m.RecordEvent("error", err.Error())
		return err
	}

	log.Infof("b4tun is running on %s. Press Ctrl+C to stop", cfg.Tun.Name)
	m.RecordEvent("info", "b4tun is fully operational")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := store.Reload(); err != nil {
					log.Errorf("Config reload failed: %v", err)
					m.RecordEvent("error", fmt.Sprintf("Config reload failed: %v", err))
				} else {
					log.Infof("Configuration reloaded from %s", store.Snapshot().ConfigPath)
					m.RecordEvent("info", "Configuration reloaded")
				}
				continue
			}
			log.Infof("Received signal: %v, shutting down gracefully", sig)
			m.RecordEvent("info", fmt.Sprintf("Shutdown initiated by signal: %v", sig))
			return rt.shutdown()

		case err := <-rt.done:
			if err != nil {
				log.Errorf("Relay stopped: %v", err)
			}
			rt.done = nil
			if serr := rt.shutdown(); serr != nil {
				return errors.Join(err, serr)
			}
			return err
		}
	}
}

// loadConfig reads the config file when one is given, writing the current
// settings there if it does not exist yet.
func loadConfig(c *config.Config) error {
	if c.ConfigPath == "" {
		return nil
	}
	if _, err := os.Stat(c.ConfigPath); errors.Is(err, os.ErrNotExist) {
		log.Infof("Config file %s not found, writing defaults", c.ConfigPath)
		return c.SaveToFile(c.ConfigPath)
	}
	if err := c.LoadWithMigration(c.ConfigPath); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// persist migrated files
	return c.SaveToFile(c.ConfigPath)
}

func start(store *config.Store, m *metrics.Collector) (rt *services, err error) {
	c := store.Snapshot()
	ctx, cancel := context.WithCancel(context.Background())
	rt = &services{store: store, metrics: m, cancel: cancel, done: make(chan error, 1)}
	defer func() {
		if err != nil {
			_ = rt.shutdown()
		}
	}()

	go m.Run(ctx)

	if rt.dev, err = tun.Open(c.Tun); err != nil {
		return rt, err
	}
	if err = tun.Configure(rt.dev.Name(), c.Tun); err != nil {
		return rt, err
	}
	if c.Tun.SetupRoutes {
		if rt.routing, err = tun.SetupRouting(rt.dev.Name(), c.Tun); err != nil {
			return rt, err
		}
		m.RecordEvent("info", fmt.Sprintf("Policy routing installed (table %d)", c.Tun.RouteTable))
	}

	var trace relay.Tracer
	if c.Tun.PcapPath != "" {
		if rt.pcap, err = tun.CreatePcap(c.Tun.PcapPath); err != nil {
			return rt, err
		}
		trace = rt.pcap
		log.Infof("Tracing TUN traffic to %s", c.Tun.PcapPath)
	}

	protector := sock.NewProtector(c.Tun.Mark, c.Tun.BindDevice)
	opts := relay.Options{Metrics: m, Trace: trace}
	if raw, rerr := sock.NewRawSender(protector); rerr != nil {
		log.Warnf("Raw socket unavailable, decoy strategies degrade to split: %v", rerr)
	} else {
		rt.raw = raw
		opts.Injector = raw
	}

	rt.relay = relay.New(rt.dev, store, sock.NewDialer(protector), opts)
	go func() { rt.done <- rt.relay.Run(ctx) }()

	version := handler.VersionInfo{Version: Version, Commit: Commit, BuildDate: Date}
	api := handler.NewAPIHandler(store, m, version)
	if rt.http, err = b4http.StartServer(c, api, m); err != nil {
		return rt, log.Errorf("failed to start web server: %w", err)
	}
	return rt, nil
}

func (rt *services) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	if rt.http != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("Shutting down HTTP server...")
			if err := rt.http.Shutdown(shutdownCtx); err != nil {
				fail(fmt.Errorf("HTTP shutdown: %w", err))
			}
		}()
	}

	log.Infof("Shutting down WebSocket connections...")
	b4http.Shutdown()

	rt.cancel()
	if rt.relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("Stopping relay...")
			if err := rt.relay.Close(); err != nil {
				fail(fmt.Errorf("relay: %w", err))
			}
		}()
	}

	shutdownDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-shutdownCtx.Done():
		fail(errors.New("shutdown timeout reached"))
	}

	// the routing rules go before the device so traffic is never blackholed
	if err := rt.routing.Cleanup(); err != nil {
		fail(fmt.Errorf("routing cleanup: %w", err))
	}
	if rt.dev != nil {
		if err := rt.dev.Close(); err != nil {
			fail(fmt.Errorf("close tun: %w", err))
		}
	}
	if rt.pcap != nil {
		if err := rt.pcap.Close(); err != nil {
			fail(fmt.Errorf("pcap: %w", err))
		} else if n := rt.pcap.Dropped(); n > 0 {
			log.Warnf("pcap trace dropped %d frames", n)
		}
	}
	if rt.raw != nil {
		if err := rt.raw.Close(); err != nil {
			fail(fmt.Errorf("raw socket: %w", err))
		}
	}

	if len(errs) > 0 {
		log.Errorf("Shutdown completed with %d errors", len(errs))
		for _, err := range errs {
			log.Errorf("  - %v", err)
		}
		rt.metrics.RecordEvent("warning", fmt.Sprintf("b4tun shutdown with %d errors", len(errs)))
	} else {
		log.Infof("b4tun stopped successfully")
		rt.metrics.RecordEvent("info", "b4tun shutdown complete")
	}

	log.CloseErrorFile()
	log.Flush()
	return errors.Join(errs...)
}

func initTimezone() {
	tzName := os.Getenv("TZ")
	if tzName == "" {
		tzName = "UTC"
	}

	loc, err := time.LoadLocation(tzName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] Failed to load timezone %s: %v, using UTC\n", tzName, err)
		loc = time.UTC
	}
	time.Local = loc
}

func initLogging(cfg *config.Config) error {
	w := io.MultiWriter(log.OrigStderr(), b4http.LogWriter())
	log.Init(w, cfg.System.Logging.Level, cfg.System.Logging.Instaflush)

	if cfg.System.Logging.Syslog {
		if err := log.EnableSyslog("b4tun"); err != nil {
			return log.Errorf("Failed to enable syslog: %v", err)
		}
		log.Infof("Syslog enabled")
	}

	if cfg.System.Logging.ErrorFile != "" {
		if err := log.InitErrorFile(cfg.System.Logging.ErrorFile); err != nil {
			log.Errorf("Failed to open error log file: %v", err)
		} else {
			log.Infof("Error logging to file: %s", cfg.System.Logging.ErrorFile)
		}
	}
	return nil
}

func printConfigDefaults(cmd *cobra.Command) {
	var all []*pflag.Flag
	cmd.InheritedFlags().VisitAll(func(f *pflag.Flag) { all = append(all, f) })
	cmd.Flags().VisitAll(func(f *pflag.Flag) { all = append(all, f) })
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	log.Infof("Effective CLI flags:")
	line := ""
	for _, f := range all {
		if line != "" {
			line += " "
		}
		line += fmt.Sprintf("--%s=%s", f.Name, f.Value.String())
	}
	log.Infof("  %s", line)
}
