// cmd/node is the mesh node daemon.
//
// Invocation:
//
//	node [flags] <node_id> <port> [bootstrap_host bootstrap_port]
//
// Example — two nodes, the second bootstrapped to the first:
//
//	./node node_a 5001
//	./node node_b 5002 127.0.0.1 5001
//
// The process reads commands from stdin (set/get/delete/list/status/quit)
// and optionally serves the HTTP API when --http is given. Exit code is 0 on
// a clean quit and non-zero when the socket cannot be bound.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"meshkv/internal/api"
	"meshkv/internal/cluster"
)

// duration lets time.Duration fields decode from TOML strings like "10s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// fileConfig is the TOML shape of --config. Flags and positional arguments
// override it.
type fileConfig struct {
	NodeID            string   `toml:"node_id"`
	Port              int      `toml:"port"`
	AdvertiseHost     string   `toml:"advertise_host"`
	HTTPAddr          string   `toml:"http_addr"`
	LogLevel          string   `toml:"log_level"`
	Bootstrap         []string `toml:"bootstrap"`
	SyncInterval      duration `toml:"sync_interval"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`
	DiscoveryInterval duration `toml:"discovery_interval"`
	PeerTimeout       duration `toml:"peer_timeout"`
}

func main() {
	var (
		configPath    = flag.String("config", "", "Optional TOML config file")
		httpAddr      = flag.String("http", "", "HTTP API listen address (empty disables)")
		advertiseHost = flag.String("advertise", "", "Host peers should reach us at (default 127.0.0.1)")
		logLevel      = flag.String("log-level", "info", "Log level: trace/debug/info/warn/error")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <node_id> <port> [bootstrap_host bootstrap_port]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	var fc fileConfig
	if *configPath != "" {
		if _, err := toml.DecodeFile(*configPath, &fc); err != nil {
			fmt.Fprintf(os.Stderr, "read config %s: %v\n", *configPath, err)
			os.Exit(1)
		}
	}

	cfg := cluster.Config{
		NodeID:            fc.NodeID,
		BindPort:          fc.Port,
		AdvertiseHost:     fc.AdvertiseHost,
		SyncInterval:      fc.SyncInterval.Duration,
		HeartbeatInterval: fc.HeartbeatInterval.Duration,
		DiscoveryInterval: fc.DiscoveryInterval.Duration,
		PeerTimeout:       fc.PeerTimeout.Duration,
	}
	level := *logLevel
	if level == "info" && fc.LogLevel != "" {
		level = fc.LogLevel
	}
	if *advertiseHost != "" {
		cfg.AdvertiseHost = *advertiseHost
	}
	listenHTTP := *httpAddr
	if listenHTTP == "" {
		listenHTTP = fc.HTTPAddr
	}

	args := flag.Args()
	var bootstrap []string
	switch len(args) {
	case 0:
		// config file only
	case 2:
		cfg.NodeID = args[0]
		cfg.BindPort = mustPort(args[1])
	case 4:
		cfg.NodeID = args[0]
		cfg.BindPort = mustPort(args[1])
		bootstrap = []string{args[2] + ":" + args[3]}
	default:
		flag.Usage()
		os.Exit(2)
	}
	bootstrap = append(bootstrap, fc.Bootstrap...)

	if cfg.NodeID == "" {
		cfg.NodeID = "node-" + uuid.NewString()[:8]
	}

	log := newLogger(level, cfg.NodeID)

	node := cluster.New(cfg, cluster.WithLogger(log))
	for _, b := range bootstrap {
		host, port, err := splitHostPort(b)
		if err != nil {
			log.Fatal().Err(err).Str("addr", b).Msg("invalid bootstrap address")
		}
		if err := node.AddBootstrapPeer(host, port); err != nil {
			log.Fatal().Err(err).Str("addr", b).Msg("invalid bootstrap address")
		}
	}

	if err := node.Start(); err != nil {
		// Bind failure is the one fatal startup error.
		log.Error().Err(err).Msg("start failed")
		os.Exit(1)
	}
	defer node.Stop()

	if listenHTTP != "" {
		go serveHTTP(listenHTTP, node, log)
	}

	quit := make(chan struct{})
	go repl(node, quit)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	}
}

func mustPort(s string) int {
	p, err := strconv.Atoi(s)
	if err != nil || p < 0 || p > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %q\n", s)
		os.Exit(2)
	}
	return p
}

func splitHostPort(s string) (string, int, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("missing port in %q", s)
	}
	port, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q", s)
	}
	return s[:i], port, nil
}

func newLogger(level, nodeID string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("node", nodeID).Logger()
}

func serveHTTP(addr string, node *cluster.Node, log zerolog.Logger) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(api.Logger(log), api.Recovery(log))
	api.NewHandler(node).Register(router)

	log.Info().Str("addr", addr).Msg("http api listening")
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Error().Err(err).Msg("http api stopped")
	}
}

// ─── Interactive shell ────────────────────────────────────────────────────────

// repl reads commands from stdin until quit or EOF. A value that parses as
// JSON is stored typed; anything else is stored as a plain string.
func repl(node *cluster.Node, quit chan<- struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "set":
			if len(args) < 2 {
				fmt.Println("usage: set <key> <value>")
				continue
			}
			node.Set(args[0], parseValue(strings.Join(args[1:], " ")))
			fmt.Println("OK")
		case "get":
			if len(args) != 1 {
				fmt.Println("usage: get <key>")
				continue
			}
			if v, ok := node.Get(args[0]); ok {
				printJSON(v)
			} else {
				fmt.Println("(not found)")
			}
		case "delete":
			if len(args) != 1 {
				fmt.Println("usage: delete <key>")
				continue
			}
			node.Delete(args[0])
			fmt.Println("OK")
		case "list":
			for _, kv := range node.List() {
				b, _ := json.Marshal(kv.Value)
				fmt.Printf("%s = %s\n", kv.Key, b)
			}
		case "status":
			printJSON(node.Status())
		case "quit":
			close(quit)
			return
		default:
			fmt.Printf("unknown command %q (set/get/delete/list/status/quit)\n", cmd)
		}
	}
	// stdin closed: stay up for signals, the mesh keeps running.
}

func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}
