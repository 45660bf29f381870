package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bugsnag/bugsnag-go"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"

	"github.com/eljojo/relaycache"
	"github.com/eljojo/relaycache/sqlitestore"
	"github.com/eljojo/relaycache/types"
	"github.com/eljojo/relaycache/utilities"
	"github.com/eljojo/relaycache/utilities/keyring"
)

type app struct {
	base     nostr.Filter
	rows     int
	store    *relaycache.EventStore
	ingestor *relaycache.Ingestor
	loader   *relaycache.TimelineLoader
	keys     *keyring.Keyring
}

func main() {
	if apiKey := os.Getenv("BUGSNAG_API_KEY"); apiKey != "" {
		bugsnag.Configure(bugsnag.Configuration{
			APIKey:          apiKey,
			ProjectPackages: []string{"main", "github.com/eljojo/relaycache*"},
		})
	}

	relaysPtr := flag.String("relays", getEnv("RELAYS", "wss://relay.damus.io,wss://nos.lol"), "comma separated relay urls")
	mqttHostPtr := flag.String("mqtt-host", getEnv("MQTT_HOST", ""), "mqtt broker, e.g. tcp://127.0.0.1:1883 (empty disables)")
	mqttUserPtr := flag.String("mqtt-user", getEnv("MQTT_USER", ""), "mqtt username")
	mqttPassPtr := flag.String("mqtt-pass", getEnv("MQTT_PASS", ""), "mqtt password")
	mqttIDPtr := flag.String("mqtt-id", getEnv("MQTT_ID", getHostname()), "our name on the broker; other peers ask us by it")
	mqttPeerPtr := flag.String("mqtt-peer", getEnv("MQTT_PEER", ""), "peer to load events from over mqtt")
	authorsPtr := flag.String("authors", getEnv("AUTHORS", ""), "comma separated npubs or hex pubkeys to follow")
	kindsPtr := flag.String("kinds", getEnv("KINDS", "1,6"), "comma separated event kinds")
	dbPtr := flag.String("db", getEnv("RELAYCACHE_DB", ""), "sqlite path for the persistent cache (empty = memory only)")
	sealSeedPtr := flag.String("seal-seed", getEnv("RELAYCACHE_SEAL_SEED", ""), "passphrase sealing events at rest")
	secretPtr := flag.String("secret", getEnv("NOSTR_SECRET", ""), "our nsec or hex secret key, used to label our own events")
	memoryModePtr := flag.String("memory-mode", getEnv("MEMORY_MODE", "auto"), "auto|short|medium|hog|custom")
	pageSizePtr := flag.Int("page-size", 0, "events per request (0 = from memory profile)")
	windowPtr := flag.Duration("window", time.Hour, "how far back the first window reaches")
	httpAddrPtr := flag.String("http-addr", getEnv("HTTP_ADDR", ""), "inspector address, e.g. :8080")
	refreshRatePtr := flag.Int("refresh-rate", 30, "refresh rate in seconds for the timeline table")
	rowsPtr := flag.Int("rows", 20, "timeline rows to print")
	verifyPtr := flag.Bool("verify", true, "check ids and signatures of incoming events")
	verbosePtr := flag.Bool("verbose", false, "log debug stuff")

	flag.Parse()

	if *verbosePtr {
		logrus.SetLevel(logrus.DebugLevel)
	}

	profile, source, err := relaycache.ResolveMemoryProfile(*memoryModePtr)
	if err != nil {
		logrus.Warnf("memory detection failed, using %s profile: %v", profile.Mode, err)
	}
	logrus.Infof("🧠 memory profile %s (%s): %d events in memory", profile.Mode, source, profile.MaxEvents)

	keys := keyring.Generate()
	if *secretPtr != "" {
		if keys, err = keyring.New(*secretPtr); err != nil {
			logrus.Fatalf("bad -secret: %v", err)
		}
	}

	base, err := buildFilter(*authorsPtr, *kindsPtr)
	if err != nil {
		logrus.Fatalf("bad filter: %v", err)
	}

	// persistent cache
	cfg := profile.Apply(relaycache.StoreConfig{})
	var db *sqlitestore.DB
	var backend *sqlitestore.Store
	if *dbPtr != "" {
		if db, err = sqlitestore.Open(*dbPtr); err != nil {
			logrus.Fatalf("open %s: %v", *dbPtr, err)
		}
		opts := sqlitestore.Options{}
		if *sealSeedPtr != "" {
			opts.Encryptor = utilities.NewEncryptorFromPassphrase(*sealSeedPtr)
		}
		backend = sqlitestore.New(db, opts)
		cfg.Backend = backend
		logrus.Infof("💾 persistent cache at %s (sealed=%t)", db.Path, opts.Encryptor != nil)
	}

	store := relaycache.NewEventStore(cfg)
	ingestor := relaycache.NewIngestor(store, *verifyPtr)

	sources := []relaycache.Source{{Name: "cache", Request: relaycache.StoreSource(store)}}
	if backend != nil {
		sources = append(sources, relaycache.Source{Name: "disk", Request: relaycache.BackendSource(backend)})
	}

	var relays []*relaycache.RelaySource
	for _, url := range splitList(*relaysPtr) {
		relay := relaycache.NewRelaySource(url)
		relays = append(relays, relay)
		src := relay.Source()
		src.Request = relaycache.WithRetry(src.Request, relaycache.DefaultRetryPolicy)
		sources = append(sources, src)
	}

	var closers []func()
	if *mqttHostPtr != "" {
		client := relaycache.NewMQTTClient(relaycache.MQTTConfig{
			Host:     *mqttHostPtr,
			ClientID: "relaycache-" + *mqttIDPtr,
			User:     *mqttUserPtr,
			Pass:     *mqttPassPtr,
		}, nil)
		if err := relaycache.ConnectMQTT(client, 10*time.Second); err != nil {
			logrus.Fatalf("mqtt: %v", err)
		}
		responder, err := relaycache.ServeMQTT(client, *mqttIDPtr, store)
		if err != nil {
			logrus.Fatalf("mqtt: %v", err)
		}
		closers = append(closers, responder.Close)
		if *mqttPeerPtr != "" {
			peer := relaycache.NewMQTTSource(client, *mqttIDPtr, *mqttPeerPtr)
			if err := peer.Start(); err != nil {
				logrus.Fatalf("mqtt: %v", err)
			}
			closers = append(closers, peer.Close)
			sources = append(sources, peer.Source())
		}
		closers = append(closers, func() { client.Disconnect(250) })
	}

	pageSize := *pageSizePtr
	if pageSize <= 0 {
		pageSize = profile.PageSize
	}
	loader := relaycache.NewTimelineLoader(base, sources, relaycache.LoaderOptions{PageSize: pageSize})
	go func() {
		accepted := relaycache.Sink(loader.Events(), ingestor.Ingest)
		logrus.Debugf("loader drained, %d event(s) accepted", accepted)
	}()

	a := &app{base: base, rows: *rowsPtr, store: store, ingestor: ingestor, loader: loader, keys: keys}

	// keep whatever sits at the top of the timeline safe from eviction
	claimed := relaycache.ClaimLatest(store, newestVisible(store, base))
	go func() {
		for ev := range claimed.C {
			logrus.Infof("📌 top of timeline: %q by %s", oneLine(ev.Content, 40), authorLabel(keys, ev))
		}
	}()

	now := nostr.Now()
	span := nostr.Timestamp(windowPtr.Seconds())
	loader.Update(relaycache.Window{Since: relaycache.At(now - span), Until: relaycache.At(now)})

	if *httpAddrPtr != "" {
		server := &http.Server{Addr: *httpAddrPtr, Handler: relaycache.NewInspector(store, ingestor, loader)}
		go func() {
			logrus.Infof("🔍 inspector listening on %s", *httpAddrPtr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.Errorf("inspector: %v", err)
			}
		}()
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		})
	}

	go printTimelineForever(a, *refreshRatePtr)
	go extendForever(a, span, time.Duration(*refreshRatePtr)*time.Second)

	waitForSignal()
	logrus.Info("👋 shutting down")

	loader.Close()
	claimed.Close()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	for _, relay := range relays {
		relay.Close()
	}
	store.Close()
	if db != nil {
		db.Close()
	}
}

// extendForever moves the window: forward to now, and one more span into
// the past while older events keep coming.
func extendForever(a *app, span nostr.Timestamp, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for range ticker.C {
		w := a.loader.Window()
		if w.Since == nil {
			continue
		}
		since := *w.Since
		if !a.loader.Exhausted(relaycache.Backward) {
			since -= span
		}
		a.loader.Update(relaycache.Window{Since: relaycache.At(since), Until: relaycache.At(nostr.Now())})

		if n := a.store.Prune(); n > 0 {
			logrus.Infof("🧹 pruned %d event(s)", n)
		}
	}
}

// newestVisible emits the newest event matching base every time it changes.
func newestVisible(store *relaycache.EventStore, base nostr.Filter) <-chan *nostr.Event {
	out := make(chan *nostr.Event)
	inserted := store.Inserted()
	go func() {
		defer close(out)
		defer inserted.Close()
		var newest *nostr.Event
		for ev := range inserted.C {
			if !base.Matches(ev) {
				continue
			}
			if newest != nil && (ev.CreatedAt < newest.CreatedAt || ev.ID == newest.ID) {
				continue
			}
			newest = ev
			logrus.Debugf("newest is now %s", types.EventID(ev.ID).Short())
			out <- ev
		}
	}()
	return out
}

func buildFilter(authors, kinds string) (nostr.Filter, error) {
	var filter nostr.Filter
	for _, part := range splitList(kinds) {
		kind, err := strconv.Atoi(part)
		if err != nil {
			return filter, errors.New("bad kind " + part)
		}
		filter.Kinds = append(filter.Kinds, kind)
	}
	for _, part := range splitList(authors) {
		pk, err := keyring.ParsePublicKey(part)
		if err != nil {
			return filter, err
		}
		filter.Authors = append(filter.Authors, string(pk))
	}
	return filter, nil
}

func waitForSignal() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getHostname() string {
	hostname, _ := os.Hostname()
	return strings.Split(hostname, ".")[0]
}
