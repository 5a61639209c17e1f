package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hgi/cookiemonster/jar"
	"github.com/hgi/cookiemonster/monitor"
	"github.com/hgi/cookiemonster/notifier"
	"github.com/hgi/cookiemonster/processor"
	"github.com/hgi/cookiemonster/registry"
	"github.com/hgi/cookiemonster/util"
)

func main() {
	var (
		configFile = flag.String("config", "", "YAML config file")
		httpAddr   = flag.String("http", "", "host:port for the HTTP API (overrides config)")
		debug      = flag.Bool("debug", false, "chatty logging")
	)
	flag.Parse()

	cfg := DefaultConfig()
	if *configFile != "" {
		var err error
		if cfg, err = LoadConfig(*configFile); err != nil {
			log.Fatalf("config %s error %s", *configFile, err)
		}
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *debug {
		cfg.Debug = true
	}
	util.Logging = cfg.Debug

	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *Config) error {

	// The document store: bbolt when configured, in-memory
	// otherwise, optionally rate-limited, wrapped in the retry
	// policy.
	var store jar.DocumentStore
	if cfg.DBFile != "" {
		bs, err := jar.NewBoltStore(cfg.DBFile)
		if err != nil {
			return err
		}
		bs.Debug = cfg.Debug
		store = bs
	} else {
		log.Printf("no db_file configured; running on the in-memory store")
		store = jar.NewMemStore()
	}
	if cfg.StoreRateLimit > 0 {
		store = jar.NewRateLimited(store, cfg.StoreRateLimit)
	}
	retry := jar.NewRetry(store)
	retry.Disabled = cfg.NoRetry

	j, err := jar.NewJar(retry)
	if err != nil {
		return err
	}
	j.Debug = cfg.Debug

	recorder := monitor.LogRecorder{}

	var cj jar.CookieJar = j
	if cfg.Debug {
		cj = jar.NewLogged(j, recorder)
	}

	// Plugin registries.
	rules := registry.NewRegistry(cfg.RulesDir, registry.MatchGlob("*.rule.js"), registry.Rules())
	rules.Unique = true
	rules.Debug = cfg.Debug
	if err := rules.Start(); err != nil {
		return err
	}
	defer rules.Stop()

	loaders := registry.NewRegistry(cfg.LoadersDir, registry.MatchGlob("*.loader.js"), registry.Loaders())
	loaders.Unique = true
	loaders.Debug = cfg.Debug
	if err := loaders.Start(); err != nil {
		return err
	}
	defer loaders.Stop()

	receivers := registry.NewRegistry(cfg.ReceiversDir, registry.MatchGlob("*.receiver.js"), registry.Receivers())
	receivers.Debug = cfg.Debug
	if err := receivers.Start(); err != nil {
		return err
	}
	defer receivers.Stop()

	n := notifier.NewNotifier(&notifier.RegistrySource{Registry: receivers})

	feed := NewWSFeed()
	n.AddReceiver(feed)
	defer feed.Close()

	if cfg.MQTT != nil {
		mq, err := NewMQTTReceiver(cfg.MQTT)
		if err != nil {
			return err
		}
		n.AddReceiver(mq)
		defer mq.Close()
	}

	m := &processor.Manager{
		Debug:    cfg.Debug,
		Jar:      cj,
		Rules:    rules,
		Loaders:  loaders,
		Notifier: n,
		Workers:  cfg.Workers,
		Timeout:  time.Duration(cfg.QueueTimeoutMS) * time.Millisecond,
	}
	if err := m.Start(); err != nil {
		return err
	}

	if cfg.MonitorPeriodMS > 0 {
		mon := monitor.NewMonitor(recorder, time.Duration(cfg.MonitorPeriodMS)*time.Millisecond)
		mon.Gauge("queue_length", func() interface{} {
			dirty, inFlight := cj.Length()
			return dirty + inFlight
		})
		mon.Gauge("workers_awaiting_cookie", func() interface{} {
			return m.Waiting()
		})
		mon.Start()
		defer mon.Stop()
	}

	h := &HTTPService{
		Addr:    cfg.HTTPAddr,
		Jar:     cj,
		Manager: m,
		Rules:   rules,
		Feed:    feed,
	}
	if err := h.Start(); err != nil {
		m.Stop()
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Printf("caught %s; shutting down", sig)

	h.Stop()
	m.Stop()
	j.Stop()

	return store.Close()
}
