package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"lamport-multicast/internal/config"
	"lamport-multicast/internal/logger"
	"lamport-multicast/internal/message"
	"lamport-multicast/internal/netutil"
	"lamport-multicast/internal/process"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	id := flag.Int("id", 0, "Process id (overrides config)")
	listen := flag.String("listen", "", "UDP listen address, default :8000+id (overrides config)")
	peerList := flag.String("peers", "", "Comma-separated peers, e.g. 1=127.0.0.1:8001,2=127.0.0.1:8002 (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if set["id"] {
		cfg.Process.ID = *id
	}
	if set["listen"] {
		cfg.Process.ListenAddr = *listen
	}
	if set["peers"] {
		parsed, err := netutil.ParsePeers(*peerList)
		if err != nil {
			fmt.Println("Error: -peers:", err)
			flag.Usage()
			os.Exit(1)
		}
		cfg.Peers = cfg.Peers[:0]
		for _, p := range parsed {
			if p.ID != cfg.Process.ID {
				cfg.Peers = append(cfg.Peers, config.PeerConfig{ID: p.ID, Addr: p.Addr})
			}
		}
	}
	if set["log-level"] {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}

	log, closer, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Println("Error:", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := process.New(ctx, cfg,
		process.WithLogger(log),
		process.WithOnDeliver(func(m *message.Data) {
			fmt.Printf("<%d> %s\n", m.Sender, m.Payload)
		}),
	)
	if err != nil {
		log.Error("failed to initialize process", "error", err)
		os.Exit(1)
	}
	if err := p.Start(ctx); err != nil {
		log.Error("failed to start process", "error", err)
		os.Exit(1)
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	fmt.Printf("process %d on %s; type 'help' for commands\n", p.ID(), p.Addr())
	running := true
	for running {
		select {
		case <-ctx.Done():
			running = false
		case line, ok := <-lines:
			if !ok {
				running = false
				break
			}
			running = handle(p, os.Stdout, line)
		}
	}

	shutdown, cancel := context.WithTimeout(context.Background(), cfg.Multicast.ShutdownGrace+time.Second)
	defer cancel()
	if err := p.Close(shutdown); err != nil {
		log.Error("shutdown", "error", err)
	}
}

func newLogger(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	format, err := logger.ParseFormat(cfg.Format)
	if err != nil {
		return nil, nil, err
	}
	if cfg.File != "" {
		return logger.NewFileLogger(cfg.File, level, format)
	}
	return logger.NewWithWriter(os.Stdout, level, format), nil, nil
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// handle runs one console command and reports whether to keep going.
func handle(p *process.Process, w io.Writer, line string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(cmd) {
	case "":
	case "msg", "send":
		if rest == "" {
			fmt.Fprintln(w, "usage: msg <text>")
			break
		}
		id, err := p.Multicast(rest)
		if err != nil {
			fmt.Fprintln(w, "error:", err)
			break
		}
		fmt.Fprintln(w, "sent", id)
	case "to":
		targets, text, _ := strings.Cut(rest, " ")
		var ids []int
		for _, s := range strings.Split(targets, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil {
				fmt.Fprintln(w, "usage: to <id,id,...> <text>")
				return true
			}
			ids = append(ids, n)
		}
		id, err := p.MulticastTo(strings.TrimSpace(text), ids)
		if err != nil {
			fmt.Fprintln(w, "error:", err)
			break
		}
		fmt.Fprintln(w, "sent", id)
	case "log":
		n := 20
		if rest != "" {
			if v, err := strconv.Atoi(rest); err == nil {
				n = v
			}
		}
		for _, e := range p.Events(n) {
			fmt.Fprintln(w, e)
		}
	case "stats":
		s := p.Stats()
		fmt.Fprintf(w, "id=%d addr=%s lamport=%d uptime=%s\n", s.ID, s.Addr, s.LamportTime, s.Uptime.Round(time.Second))
		fmt.Fprintf(w, "pending=%d holdback=%d delivered=%d peers=%d events=%d\n",
			s.PendingSends, s.HoldBackBufferSize, s.DeliveredCount, s.KnownPeerCount, s.EventCount)
	case "peers":
		for _, r := range p.Peers() {
			state := "ok"
			if p.Suspected(r.ID) {
				state = "suspect"
			}
			seen := "never"
			if !r.LastSeen.IsZero() {
				seen = time.Since(r.LastSeen).Round(time.Millisecond).String() + " ago"
			}
			fmt.Fprintf(w, "%d %s %s last seen %s\n", r.ID, r.Addr, state, seen)
		}
	case "quit", "exit":
		return false
	case "help":
		fmt.Fprintln(w, "commands: msg <text> | to <ids> <text> | log [n] | stats | peers | quit")
	default:
		fmt.Fprintf(w, "unknown command %q; type 'help'\n", cmd)
	}
	return true
}
