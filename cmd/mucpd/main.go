package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/mucp/internal/adapters/mqttserver"
	"github.com/mikey-austin/mucp/internal/adapters/ssdp"
	"github.com/mikey-austin/mucp/internal/controlpoint"
	"github.com/mikey-austin/mucp/internal/discovery"
	"github.com/mikey-austin/mucp/internal/events"
	"github.com/mikey-austin/mucp/internal/metrics"
	bridgemqtt "github.com/mikey-austin/mucp/internal/modules/bridge_mqtt"
	embeddedmqtt "github.com/mikey-austin/mucp/internal/modules/embedded_mqtt"
	gatewayhttp "github.com/mikey-austin/mucp/internal/modules/gateway_http"
	"github.com/mikey-austin/mucp/internal/mucpd"
	"github.com/mikey-austin/mucp/internal/quirks"
	"github.com/mikey-austin/mucp/internal/upnp/device"
	"github.com/mikey-austin/mucp/internal/upnp/soap"
	"github.com/mikey-austin/mucp/pkg/cp"
)

func main() {
	var (
		configPath    string
		broker        string
		identity      string
		topicBase     string
		logLevel      string
		logFormat     string
		logOutput     string
		logSource     bool
		logUTC        bool
		gatewayListen string
		localAddr     string
		printConfig   bool
		dryRun        bool
		moduleOnly    string
	)

	defaultConfig, err := mucpd.DefaultConfigPath()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	flag.StringVar(&configPath, "config", defaultConfig, "config file path")
	flag.StringVar(&broker, "broker", "", "MQTT broker URL override")
	flag.StringVar(&identity, "identity", "", "server identity override")
	flag.StringVar(&topicBase, "topic-base", "", "topic base override")
	flag.StringVar(&logLevel, "log-level", "", "log level override")
	flag.StringVar(&logFormat, "log-format", "", "log format override (console|json)")
	flag.StringVar(&logOutput, "log-output", "", "log output override (stdout|stderr)")
	flag.BoolVar(&logSource, "log-source", false, "include source file in logs")
	flag.BoolVar(&logUTC, "log-utc", false, "use UTC timestamps in logs")
	flag.StringVar(&gatewayListen, "http", "", "enable the HTTP gateway on this address")
	flag.StringVar(&localAddr, "local-addr", "", "bind SSDP to this interface address")
	flag.StringVar(&moduleOnly, "module", "", "limit to a single surface module")
	flag.BoolVar(&printConfig, "print-config", false, "print resolved config and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "validate config and exit")
	flag.Parse()

	cfg, err := loadConfig(configPath, configPath == defaultConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyOverrides(&cfg, overrides{
		broker:        broker,
		identity:      identity,
		topicBase:     topicBase,
		logLevel:      logLevel,
		logFormat:     logFormat,
		logOutput:     logOutput,
		logSource:     logSource,
		logUTC:        logUTC,
		gatewayListen: gatewayListen,
		localAddr:     localAddr,
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if printConfig {
		printResolvedConfig(cfg)
		return
	}
	if dryRun {
		return
	}

	logger := mucpd.NewLogger(mucpd.LogConfig{
		Level:     cfg.Server.LogLevel,
		Format:    cfg.Server.LogFormat,
		Output:    cfg.Server.LogOutput,
		AddSource: cfg.Server.LogSource,
		UTC:       cfg.Server.LogUTC,
	})
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	skipEmbedded := false
	if cfg.Modules.EmbeddedMQTT.Enabled && cfg.Server.Broker == embeddedBrokerURL(cfg) {
		if err := startEmbeddedBroker(ctx, cfg, logger, cancel); err != nil {
			logger.Error("embedded mqtt failed", zap.Error(err))
			os.Exit(1)
		}
		skipEmbedded = true
	}

	logger.Info("mucpd starting",
		zap.String("broker", cfg.Server.Broker),
		zap.String("identity", cfg.Server.Identity),
		zap.String("topic_base", cfg.Server.TopicBase),
		zap.String("log_level", cfg.Server.LogLevel),
		zap.Strings("modules", enabledModules(cfg)),
	)

	var client bridgemqtt.Broker
	if cfg.NeedsBroker() && (moduleOnly == "" || moduleOnly == "bridge_mqtt") {
		if cfg.Server.Broker == "" {
			logger.Error("broker is required")
			os.Exit(1)
		}
		mqttClient, err := mqttserver.NewClient(mqttserver.Options{
			BrokerURL:   cfg.Server.Broker,
			ClientID:    fmt.Sprintf("%s-%d", cfg.Server.Identity, time.Now().UnixNano()),
			Username:    cfg.Server.Auth.User,
			Password:    cfg.Server.Auth.Pass,
			TLSCA:       cfg.Server.TLS.CA,
			TLSCert:     cfg.Server.TLS.Cert,
			TLSKey:      cfg.Server.TLS.Key,
			Timeout:     2 * time.Second,
			Logger:      logger.With(zap.String("component", "mqtt")),
			Debug:       cfg.Server.LogLevel == "debug",
			WillTopic:   cp.TopicPresence(cfg.Server.TopicBase, cfg.Modules.BridgeMQTT.NodeID),
			WillPayload: []byte{},
		})
		if err != nil {
			logger.Error("mqtt connection failed", zap.Error(err))
			os.Exit(1)
		}
		defer mqttClient.Close(250 * time.Millisecond)
		client = mqttClient
	}

	point, err := newControlPoint(cfg, logger)
	if err != nil {
		logger.Error("failed to build control point", zap.Error(err))
		os.Exit(1)
	}

	modules, err := buildModules(cfg, point, client, logger, moduleOnly, skipEmbedded)
	if err != nil {
		logger.Error("failed to build modules", zap.Error(err))
		os.Exit(1)
	}

	supervisor := mucpd.Supervisor{Logger: logger}
	if err := supervisor.Run(ctx, modules); err != nil {
		logger.Error("supervisor error", zap.Error(err))
		os.Exit(1)
	}
}

func loadConfig(path string, isDefault bool) (mucpd.Config, error) {
	cfg, err := mucpd.LoadConfig(path)
	if err != nil && isDefault && errors.Is(err, os.ErrNotExist) {
		return mucpd.DefaultConfig(), nil
	}
	return cfg, err
}

type overrides struct {
	broker        string
	identity      string
	topicBase     string
	logLevel      string
	logFormat     string
	logOutput     string
	logSource     bool
	logUTC        bool
	gatewayListen string
	localAddr     string
}

func applyOverrides(cfg *mucpd.Config, o overrides) {
	if o.broker != "" {
		cfg.Server.Broker = o.broker
	}
	if o.identity != "" {
		cfg.Server.Identity = o.identity
	}
	if o.topicBase != "" {
		cfg.Server.TopicBase = o.topicBase
	}
	if o.logLevel != "" {
		cfg.Server.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Server.LogFormat = o.logFormat
	}
	if o.logOutput != "" {
		cfg.Server.LogOutput = o.logOutput
	}
	if o.logSource {
		cfg.Server.LogSource = true
	}
	if o.logUTC {
		cfg.Server.LogUTC = true
	}
	if o.gatewayListen != "" {
		cfg.Modules.GatewayHTTP.Enabled = true
		cfg.Modules.GatewayHTTP.Listen = o.gatewayListen
	}
	if o.localAddr != "" {
		cfg.Discovery.LocalAddr = o.localAddr
	}
	if cfg.Server.TopicBase == "" {
		cfg.Server.TopicBase = cp.BaseTopic
	}
	if cfg.Server.Broker == "" && cfg.Modules.EmbeddedMQTT.Enabled {
		cfg.Server.Broker = embeddedBrokerURL(*cfg)
	}
}

// controlPoint is the daemon's shared state: one session, its discovery
// table and the quirks watcher.
type controlPoint struct {
	session *controlpoint.Session
	bus     *events.Bus
	watcher *quirks.Watcher
}

func newControlPoint(cfg mucpd.Config, logger *zap.Logger) (*controlPoint, error) {
	policy, err := cfg.ResourcePolicy()
	if err != nil {
		return nil, err
	}

	registry := quirks.NewRegistry(logger.With(zap.String("component", "quirks")), quirks.Builtin()...)
	var watcher *quirks.Watcher
	if cfg.Quirks.File != "" {
		watcher = quirks.NewWatcher(logger.With(zap.String("component", "quirks")), registry, cfg.Quirks.File, quirks.Builtin())
		if err := watcher.Reload(); err != nil {
			return nil, fmt.Errorf("load quirks: %w", err)
		}
	}

	soapClient := soap.NewClient(&http.Client{Timeout: cfg.SOAPTimeout()}, logger.With(zap.String("component", "soap")), metrics.ObserveSOAP)
	factory := device.Factory{Caller: soapClient, Patcher: registry, Log: logger}

	cache := discovery.NewDescriptionCache(logger, cfg.Discovery.DescriptionCacheSize, cfg.DescriptionCacheTTL())
	fetcher := discovery.NewHTTPFetcher(logger, &http.Client{}, cache, cfg.DescriptionTimeout())
	transport := ssdp.NewTransport(logger.With(zap.String("component", "ssdp")), ssdp.Config{
		WaitSeconds: cfg.Discovery.SearchWaitSeconds,
		LocalAddr:   cfg.Discovery.LocalAddr,
		MinInterval: cfg.SearchRateLimit(),
	})
	manager := discovery.NewManager(logger.With(zap.String("component", "discovery")), transport, fetcher, factory, discovery.Config{
		FetchTimeout: cfg.DescriptionTimeout(),
	})

	bus := events.NewBus()
	session := controlpoint.NewSession(manager, controlpoint.Options{
		Log:            logger.With(zap.String("component", "session")),
		ResourcePolicy: policy,
		Events:         bus,
	})
	return &controlPoint{session: session, bus: bus, watcher: watcher}, nil
}

// discoverySession is the part of the session the discovery runner drives.
type discoverySession interface {
	SSDPStart() error
	SSDPSearch(ctx context.Context) error
	SSDPStop() error
}

// runDiscovery listens for announcements, searches on start and then every
// interval when interval is positive.
func runDiscovery(ctx context.Context, s discoverySession, logger *zap.Logger, searchOnStart bool, interval time.Duration) error {
	if err := s.SSDPStart(); err != nil {
		return err
	}
	defer func() {
		if err := s.SSDPStop(); err != nil {
			logger.Warn("ssdp stop", zap.Error(err))
		}
	}()

	search := func() {
		if err := s.SSDPSearch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			if errors.Is(err, ssdp.ErrSearchThrottled) {
				logger.Debug("ssdp search throttled")
				return
			}
			if errors.Is(err, ssdp.ErrNotStarted) {
				logger.Debug("ssdp search skipped, discovery stopped")
				return
			}
			logger.Warn("ssdp search failed", zap.Error(err))
		}
	}
	if searchOnStart {
		search()
	}

	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			search()
		}
	}
}

func buildModules(cfg mucpd.Config, point *controlPoint, client bridgemqtt.Broker, logger *zap.Logger, moduleOnly string, skipEmbedded bool) ([]mucpd.ModuleRunner, error) {
	modules := []mucpd.ModuleRunner{}
	if cfg.Modules.EmbeddedMQTT.Enabled && !skipEmbedded && (moduleOnly == "" || moduleOnly == "embedded_mqtt") {
		mod, err := embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedConfig(cfg))
		if err != nil {
			return nil, err
		}
		modules = append(modules, mucpd.ModuleRunner{Name: "embedded_mqtt", Run: mod.Run})
	}

	surfaces := []mucpd.ModuleRunner{}
	if cfg.Modules.BridgeMQTT.Enabled && (moduleOnly == "" || moduleOnly == "bridge_mqtt") {
		if client == nil {
			return nil, errors.New("bridge_mqtt requires an mqtt connection")
		}
		mod, err := bridgemqtt.NewModule(logger.With(zap.String("module", "bridge_mqtt")), client, point.session, point.bus, bridgemqtt.Config{
			NodeID:         cfg.Modules.BridgeMQTT.NodeID,
			TopicBase:      cfg.Server.TopicBase,
			Name:           cfg.Modules.BridgeMQTT.Name,
			CommandTimeout: cfg.CommandTimeout(),
		})
		if err != nil {
			return nil, err
		}
		surfaces = append(surfaces, mucpd.ModuleRunner{Name: "bridge_mqtt", Run: mod.Run})
	}
	if cfg.Modules.GatewayHTTP.Enabled && (moduleOnly == "" || moduleOnly == "gateway_http") {
		mod, err := gatewayhttp.NewModule(logger.With(zap.String("module", "gateway_http")), point.session, point.bus, gatewayhttp.Config{
			Listen:         cfg.Modules.GatewayHTTP.Listen,
			CommandTimeout: cfg.CommandTimeout(),
			RateLimit:      cfg.Modules.GatewayHTTP.RateLimit,
			RateBurst:      cfg.Modules.GatewayHTTP.RateBurst,
			AllowedOrigins: cfg.Modules.GatewayHTTP.AllowedOrigins,
		})
		if err != nil {
			return nil, err
		}
		surfaces = append(surfaces, mucpd.ModuleRunner{Name: "gateway_http", Run: mod.Run})
	}

	if len(surfaces) > 0 {
		discoveryLog := logger.With(zap.String("module", "discovery"))
		modules = append(modules, mucpd.ModuleRunner{
			Name: "discovery",
			Run: func(ctx context.Context) error {
				return runDiscovery(ctx, point.session, discoveryLog, cfg.Discovery.SearchOnStart, cfg.SearchInterval())
			},
		})
		if point.watcher != nil && cfg.Quirks.Watch {
			modules = append(modules, mucpd.ModuleRunner{Name: "quirks", Run: point.watcher.Run})
		}
		modules = append(modules, surfaces...)
	}

	if moduleOnly != "" && len(modules) == 0 {
		return nil, errors.New("no modules enabled")
	}
	return modules, nil
}

func enabledModules(cfg mucpd.Config) []string {
	out := []string{}
	if cfg.Modules.EmbeddedMQTT.Enabled {
		out = append(out, "embedded_mqtt")
	}
	if cfg.Modules.BridgeMQTT.Enabled {
		out = append(out, "bridge_mqtt")
	}
	if cfg.Modules.GatewayHTTP.Enabled {
		out = append(out, "gateway_http")
	}
	return out
}

func printResolvedConfig(cfg mucpd.Config) {
	fmt.Fprintf(os.Stdout,
		"broker=%s identity=%s topic_base=%s log_level=%s resource_policy=%s search_interval=%s modules=%v\n",
		cfg.Server.Broker,
		cfg.Server.Identity,
		cfg.Server.TopicBase,
		cfg.Server.LogLevel,
		cfg.Control.ResourcePolicy,
		cfg.SearchInterval(),
		enabledModules(cfg),
	)
}

func embeddedConfig(cfg mucpd.Config) embeddedmqtt.Config {
	return embeddedmqtt.Config{
		Listen:         cfg.Modules.EmbeddedMQTT.Listen,
		AllowAnonymous: cfg.Modules.EmbeddedMQTT.AllowAnonymous,
		Username:       cfg.Modules.EmbeddedMQTT.Username,
		Password:       cfg.Modules.EmbeddedMQTT.Password,
		TLSCA:          cfg.Modules.EmbeddedMQTT.TLSCA,
		TLSCert:        cfg.Modules.EmbeddedMQTT.TLSCert,
		TLSKey:         cfg.Modules.EmbeddedMQTT.TLSKey,
		TopicBase:      cfg.Server.TopicBase,
	}
}

func embeddedBrokerURL(cfg mucpd.Config) string {
	listen := cfg.Modules.EmbeddedMQTT.Listen
	if listen == "" {
		listen = "127.0.0.1:1883"
	}
	tlsEnabled := cfg.Modules.EmbeddedMQTT.TLSCert != "" || cfg.Modules.EmbeddedMQTT.TLSKey != "" || cfg.Modules.EmbeddedMQTT.TLSCA != ""
	return embeddedmqtt.BrokerURL(listen, tlsEnabled)
}

func startEmbeddedBroker(ctx context.Context, cfg mucpd.Config, logger *zap.Logger, cancel context.CancelFunc) error {
	mod, err := embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedConfig(cfg))
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- mod.Run(ctx)
	}()
	go func() {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("embedded mqtt exited", zap.Error(err))
			cancel()
		}
	}()

	listen := cfg.Modules.EmbeddedMQTT.Listen
	if listen == "" {
		listen = "127.0.0.1:1883"
	}
	return waitForListen(listen, 3*time.Second)
}

func waitForListen(listen string, timeout time.Duration) error {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, port)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("embedded mqtt not ready at %s", addr)
}
