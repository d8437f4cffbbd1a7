package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/itchan-dev/chatsync/client/internal/session"
	"github.com/itchan-dev/chatsync/client/internal/setup"
	"github.com/itchan-dev/chatsync/client/internal/staging"
	"github.com/itchan-dev/chatsync/shared/config"
	"github.com/itchan-dev/chatsync/shared/domain"
	"github.com/itchan-dev/chatsync/shared/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second
)

const help = `commands:
  <text>             send a message with everything attached
  /attach <path>     stage a file
  /unstage <id>      drop a staged file
  /staged            list staged files
  /retry <tempId>    resend a failed message
  /read              mark the conversation read
  /open <id>         switch conversation
  /phrases           list quick replies
  /quit              exit`

func main() {
	log.SetFlags(log.Lshortfile)

	var configFolder string
	var conversationId int64
	flag.StringVar(&configFolder, "config_folder", "config", "path to folder with configs")
	flag.Int64Var(&conversationId, "conversation", 0, "conversation to open")
	flag.Parse()

	cfg := config.MustLoad(configFolder)
	logger.InitializeWriter(os.Stderr, cfg.Public.LogLevel, cfg.Public.LogJSON)

	deps, err := setup.SetupDependencies(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer deps.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Public.MetricsAddr != "" {
		metricsServer := startMetrics(cfg.Public.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			metricsServer.Shutdown(shutdownCtx)
		}()
	}

	h := &harness{deps: deps, out: os.Stdout}
	if conversationId != 0 {
		if err := h.open(ctx, conversationId); err != nil {
			log.Fatal(err)
		}
	}
	fmt.Fprintln(h.out, help)

	lines := make(chan string)
	go readLines(os.Stdin, lines)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := h.handle(ctx, line); quit {
				return
			}
		}
	}
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("metrics server failed", "error", err)
		}
	}()
	logger.Log.Info("metrics listening", "addr", addr)
	return server
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

type harness struct {
	deps *setup.Dependencies
	out  io.Writer
}

func (h *harness) open(ctx context.Context, id domain.ConversationId) error {
	s, err := h.deps.Sessions.Open(ctx, id)
	if err != nil {
		return err
	}
	s.OnChange(h.render)
	h.render(s.Messages())
	return nil
}

func (h *harness) render(msgs []domain.Message) {
	fmt.Fprintln(h.out, "----")
	for i := range msgs {
		m := &msgs[i]
		fmt.Fprintf(h.out, "%-10s %-20s %d: %s", m.Status, m.Identity, m.SenderId, m.Body)
		for _, a := range m.Attachments {
			name := a.Filename
			if a.RemotePath != "" {
				name = a.RemotePath
			}
			fmt.Fprintf(h.out, " [%s]", name)
		}
		fmt.Fprintln(h.out)
	}
}

// handle runs one input line. It reports whether the harness should exit.
func (h *harness) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return true
	case "/help":
		fmt.Fprintln(h.out, help)
		return false
	case "/open":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Fprintln(h.out, "usage: /open <id>")
			return false
		}
		h.report(h.open(ctx, id))
		return false
	case "/phrases":
		phrases, err := h.deps.Phrases.Get(ctx)
		if h.report(err) {
			return false
		}
		for _, p := range phrases {
			fmt.Fprintf(h.out, "%d: %s\n", p.Id, p.Text)
		}
		return false
	}

	s := h.deps.Sessions.Current()
	if s == nil {
		fmt.Fprintln(h.out, "no conversation open, use /open <id>")
		return false
	}

	switch cmd {
	case "/attach":
		file, err := staging.FromPath(arg)
		if h.report(err) {
			return false
		}
		atts, err := s.Stage(file)
		if h.report(err) {
			return false
		}
		for _, a := range atts {
			fmt.Fprintf(h.out, "staged %s as %s\n", a.Filename, a.LocalId)
		}
	case "/unstage":
		s.Unstage(arg)
	case "/staged":
		for _, a := range s.Staged() {
			fmt.Fprintf(h.out, "%s %s (%s, %d bytes)\n", a.LocalId, a.Filename, a.MimeType, a.SizeBytes)
		}
	case "/retry":
		_, err := s.Retry(arg)
		h.report(err)
	case "/read":
		h.report(s.MarkRead())
	default:
		s.OnInputChanged()
		_, err := s.Send(line)
		if errors.Is(err, session.ErrTornDown) {
			fmt.Fprintln(h.out, "conversation closed, use /open <id>")
			return false
		}
		h.report(err)
	}
	return false
}

func (h *harness) report(err error) bool {
	if err == nil {
		return false
	}
	fmt.Fprintln(h.out, "error:", err)
	return true
}
