// Command presence-agent connects to a presence gateway and drives a
// simulated pointer, for load testing and debugging.
package main

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/jpillora/opts"

	"github.com/mmuslimabdulj/board-presence/internal/agent"
	"github.com/mmuslimabdulj/board-presence/internal/auth"
	"github.com/mmuslimabdulj/board-presence/internal/domain"
	"github.com/mmuslimabdulj/board-presence/internal/logger"
	"github.com/mmuslimabdulj/board-presence/internal/usecase"
)

var VERSION = "0.0.0-src" //set with ldflags

const (
	viewportWidth  = 1920
	viewportHeight = 1080
)

type config struct {
	Server      string `help:"Gateway websocket URL" env:"PRESENCE_SERVER"`
	Board       string `help:"Board to move the cursor on" env:"PRESENCE_BOARD"`
	Token       string `help:"Access token (a persisted guest identity is used when empty)" env:"PRESENCE_TOKEN"`
	Identity    string `help:"File the guest identity is kept in" env:"PRESENCE_IDENTITY"`
	Rate        int    `help:"Simulated pointer events per second" env:"PRESENCE_RATE"`
	ReportEvery int    `help:"Seconds between status reports" env:"PRESENCE_REPORT_EVERY"`
	LogLevel    string `help:"debug, info, warn, error or silent" env:"LOG_LEVEL"`
}

func main() {
	// Load .env file (ignore error if not exists)
	_ = godotenv.Load()

	c := config{
		Server:      "ws://localhost:8080/ws",
		Board:       "Platform Launch",
		Identity:    ".presence-agent.json",
		Rate:        120,
		ReportEvery: 5,
		LogLevel:    "info",
	}
	opts.New(&c).Name("presence-agent").Version(VERSION).Parse()

	log := logger.SetupDefault(os.Stderr, c.LogLevel)

	self, header, err := resolveSelf(c)
	if err != nil {
		log.Error("identity unavailable", "error", err)
		os.Exit(1)
	}

	a := agent.New(self, clock.New())
	a.SetLogger(log)
	a.SetActiveBoard(c.Board)

	session := agent.NewSession(c.Server, header, a)
	session.SetLogger(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go simulatePointer(ctx, a, c.Rate)
	go report(ctx, log, a, session, c.ReportEvery)

	log.Info("agent starting", "server", c.Server, "user", self.ID, "board", c.Board)
	if err := session.Run(ctx); err != nil {
		log.Error("session ended", "error", err)
		os.Exit(1)
	}
	log.Info("agent stopped")
}

// resolveSelf picks the token identity when a token is given, otherwise
// the persisted guest.
func resolveSelf(c config) (domain.User, http.Header, error) {
	if c.Token != "" {
		id, err := auth.ParseUnverified(c.Token)
		if err != nil {
			return domain.User{}, nil, err
		}
		header := http.Header{"Authorization": []string{"Bearer " + c.Token}}
		return domain.User{ID: id.ID, Email: id.Email, Name: id.Name, AvatarURL: id.AvatarURL}, header, nil
	}

	guest, err := usecase.NewGuestStore(c.Identity).LoadOrCreate(usecase.NewGuestGenerator(clock.New()))
	if err != nil {
		return domain.User{}, nil, err
	}
	return domain.User{ID: guest.ID, Name: guest.Name}, nil, nil
}

// simulatePointer traces a Lissajous curve across the viewport
func simulatePointer(ctx context.Context, a *agent.Agent, rate int) {
	if rate <= 0 {
		return
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t := now.Sub(start).Seconds()
			x := (math.Sin(3*t) + 1) / 2 * viewportWidth
			y := (math.Sin(2*t+math.Pi/2) + 1) / 2 * viewportHeight
			a.PointerMove(x, y, viewportWidth, viewportHeight)
		}
	}
}

func report(ctx context.Context, log *slog.Logger, a *agent.Agent, s *agent.Session, every int) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(every) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent, suppressed := a.Stats()
			log.Info("presence",
				"connected", s.Connected(),
				"connects", s.Connects(),
				"sent", sent,
				"suppressed", suppressed,
				"others", len(a.Others()),
				"visible", len(a.Visible())-1,
			)
		}
	}
}
