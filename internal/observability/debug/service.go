// Package debug serves an optional local HTTP listener with loop state,
// goroutine stats and net/http/pprof.
package debug

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"vwapbot/internal/interval"
	"vwapbot/internal/refresh"
	rtsup "vwapbot/internal/runtime/supervisor"
	"vwapbot/internal/session"
	logx "vwapbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// Config controls the listener. A non-loopback Addr needs Token or
// AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
}

// Sources are read on every request. Nil sources serve empty lists.
type Sources struct {
	Loops      func() []refresh.LoopInfo
	Session    func() session.Session
	Goroutines func() []rtsup.GoroutineStats
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config
	src Sources

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(src Sources, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{src: src, log: log}
}

// Addr is the bound listener address, or "" when stopped.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg and starts, stops or restarts the listener.
// Safe to call during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
		return nil
	case !running:
		return s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		return s.Start(ctx)
	}
	return nil
}

// Start binds the listener and serves until ctx ends or Stop is called.
// It is a no-op when already running or disabled.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || !s.cfg.Enabled {
		return nil
	}
	cur := s.cfg

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			s.log.Error("debug listener refused: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			return errors.New("debug listener refused: insecure bind")
		}
		s.log.Warn("debug listener without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("debug listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cur.Token),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       time.Minute,
	}
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// The listener is optional; its failure never stops the bot.
		rtsup.WithCancelOnError(false),
	)
	sup.Go("debug.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	sup.Go0("debug.shutdown", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})

	s.ln, s.srv, s.sup = ln, srv, sup
	s.log.Info("debug listener started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.ln, s.srv, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	_ = srv.Shutdown(ctx)
	_ = srv.Close()
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("debug listener stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("debug listener stopped")
}

// Handler builds the mux. An empty token disables auth.
func (s *Service) Handler(token string) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/loops", wrap(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, loopViews(s.src.Loops))
	}))
	mux.HandleFunc("/session", wrap(func(w http.ResponseWriter, _ *http.Request) {
		var cur session.Session
		if s.src.Session != nil {
			cur = s.src.Session()
		}
		writeJSON(w, sessionView{Name: cur.Name, Weight: cur.Weight.String(), Label: cur.Label(), Start: cur.Start})
	}))
	mux.HandleFunc("/goroutines", wrap(func(w http.ResponseWriter, _ *http.Request) {
		var stats []rtsup.GoroutineStats
		if s.src.Goroutines != nil {
			stats = s.src.Goroutines()
		}
		if stats == nil {
			stats = []rtsup.GoroutineStats{}
		}
		writeJSON(w, stats)
	}))

	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

type loopView struct {
	ChannelID int64      `json:"channel_id"`
	Interval  string     `json:"interval"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	LastTick  *time.Time `json:"last_tick,omitempty"`
	Ticks     uint64     `json:"ticks"`
	Failures  uint64     `json:"failures"`
	LastError string     `json:"last_error,omitempty"`
}

type sessionView struct {
	Name   string    `json:"name"`
	Weight string    `json:"weight"`
	Label  string    `json:"label"`
	Start  time.Time `json:"start"`
}

func loopViews(src func() []refresh.LoopInfo) []loopView {
	out := []loopView{}
	if src == nil {
		return out
	}
	for _, li := range src() {
		v := loopView{
			ChannelID: li.Key.ChannelID,
			Interval:  interval.Format(li.Key.Interval),
			State:     li.State.String(),
			StartedAt: li.StartedAt,
			Ticks:     li.Ticks,
			Failures:  li.Failures,
			LastError: li.LastError,
		}
		if !li.LastTick.IsZero() {
			t := li.LastTick
			v.LastTick = &t
		}
		out = append(out, v)
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && strings.TrimSpace(ah) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
