package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quietline/quietline/internal/config"
	"github.com/quietline/quietline/internal/directory"
	"github.com/quietline/quietline/internal/events"
	"github.com/quietline/quietline/internal/metrics"
	"github.com/quietline/quietline/internal/pendinglog"
	"github.com/quietline/quietline/internal/screener"
	"github.com/quietline/quietline/internal/telephony"
)

// daemonConfig covers everything outside the engine's own policy knobs.
type daemonConfig struct {
	CtrlAddr string `env:"CTRL_ADDR" envDefault:"localhost:4444"`

	// Directory source: file|redis
	DirectorySource string `env:"DIRECTORY_SOURCE" envDefault:"file"`
	ContactsFile    string `env:"CONTACTS_FILE"`
	WhitelistFile   string `env:"WHITELIST_FILE"`
	BlocklistFile   string `env:"BLOCKLIST_FILE"`

	RedisAddr       string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisUsername   string `env:"REDIS_USERNAME"`
	RedisPassword   string `env:"REDIS_PASSWORD"`
	RedisDB         int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix     string `env:"REDIS_PREFIX"`
	RedisRefreshSec int    `env:"REDIS_REFRESH_SEC" envDefault:"30"`

	PendingLogDir string `env:"PENDING_LOG_DIR" envDefault:"./data/pendinglog"`
	MetricsAddr   string `env:"METRICS_ADDR" envDefault:":9109"`
}

func main() {
	_ = config.LoadEnv()

	dcfg, err := config.New[daemonConfig]()
	if err != nil {
		log.Fatalf("Failed to load daemon config: %v", err)
	}
	ecfg, err := config.New[screener.Config]()
	if err != nil {
		log.Fatalf("Failed to load engine config: %v", err)
	}
	if err := ecfg.Validate(); err != nil {
		log.Fatalf("Invalid engine config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Durable outcome buffer; the sync side drains it over HTTP.
	buffer, err := pendinglog.Open(pendinglog.Options{Dir: dcfg.PendingLogDir})
	if err != nil {
		log.Fatalf("Failed to open pending log: %v", err)
	}
	defer buffer.Close()

	dir, err := openDirectory(ctx, dcfg, ecfg.SuffixLen)
	if err != nil {
		log.Fatalf("Failed to open directory: %v", err)
	}
	defer dir.Close()

	client := telephony.NewClient(dcfg.CtrlAddr, ecfg.Verbose)
	if err := client.Connect(); err != nil {
		log.Fatalf("Failed to connect to voice stack: %v", err)
	}
	defer client.Close()

	// Live outcome feed for the UI; drops are counted, never blocking.
	stream := events.NewStreamSink(256, metrics.DroppedEvents.Inc)

	sink := events.NewFanout(events.LogSink{}, pendinglog.NewSink(buffer), stream)
	engine := screener.New(ecfg, client, client, dir, sink)

	go serveHTTP(dcfg.MetricsAddr, buffer, stream)
	go logClientErrors(client)

	log.Println("===== Quietline Screener Started =====")
	log.Printf("  Voice stack: %s", dcfg.CtrlAddr)
	log.Printf("  Mode:        %s / unknown=%s", ecfg.ChallengeMode, ecfg.UnknownPolicy)
	log.Printf("  Directory:   %s", dcfg.DirectorySource)
	log.Printf("  Metrics:     %s", dcfg.MetricsAddr)
	log.Println("======================================")

	// Run returns when ctx is cancelled or the control connection dies.
	engine.Run(ctx, client.Events())
}

func openDirectory(ctx context.Context, dcfg *daemonConfig, suffixLen int) (directory.Provider, error) {
	if dcfg.DirectorySource == "redis" {
		return directory.NewRedisDirectory(ctx, directory.RedisOptions{
			Addr:            dcfg.RedisAddr,
			Username:        dcfg.RedisUsername,
			Password:        dcfg.RedisPassword,
			DB:              dcfg.RedisDB,
			Prefix:          dcfg.RedisPrefix,
			RefreshInterval: time.Duration(dcfg.RedisRefreshSec) * time.Second,
			SuffixLen:       suffixLen,
		})
	}
	return directory.NewFileDirectory(directory.FileOptions{
		ContactsPath:  dcfg.ContactsFile,
		WhitelistPath: dcfg.WhitelistFile,
		BlocklistPath: dcfg.BlocklistFile,
		SuffixLen:     suffixLen,
	})
}

// serveHTTP exposes Prometheus metrics, the pending-log drain endpoint
// the storage sync process polls, and the live outcome stream for the UI.
func serveHTTP(addr string, buffer *pendinglog.Buffer, stream *events.StreamSink) {
	log.Printf("[HTTP] Listening on %s", addr)
	if err := http.ListenAndServe(addr, newMux(buffer, stream)); err != nil {
		log.Printf("[HTTP] Server stopped: %v", err)
	}
}

func newMux(buffer *pendinglog.Buffer, stream *events.StreamSink) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/pending/drain", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		records, err := buffer.Drain()
		if err != nil {
			log.Printf("[HTTP] Drain failed: %v", err)
			http.Error(w, "drain failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			log.Printf("[HTTP] Encoding drain response: %v", err)
		}
	})
	// Single-consumer NDJSON feed of outcome events as they happen.
	// While nobody is connected the sink buffers, then drops and counts.
	mux.HandleFunc("/events/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for {
			select {
			case <-r.Context().Done():
				return
			case o := <-stream.Events():
				if err := enc.Encode(o); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
	return mux
}

func logClientErrors(client *telephony.Client) {
	for err := range client.Errors() {
		log.Printf("[Main] Voice stack error: %v", err)
	}
}
