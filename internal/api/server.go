package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/ChatCRM/internal/alarm"
	"github.com/BTreeMap/ChatCRM/internal/autoresponder"
	"github.com/BTreeMap/ChatCRM/internal/bus"
	"github.com/BTreeMap/ChatCRM/internal/coordinator"
	"github.com/BTreeMap/ChatCRM/internal/page"
	"github.com/BTreeMap/ChatCRM/internal/recovery"
	"github.com/BTreeMap/ChatCRM/internal/scheduler"
	"github.com/BTreeMap/ChatCRM/internal/store"
	"github.com/BTreeMap/ChatCRM/internal/twiliowhatsapp"
	"github.com/BTreeMap/ChatCRM/internal/whatsapp"
)

const (
	// DefaultServerAddress is the listen address used when none is configured
	DefaultServerAddress = ":8080"
	// HeadlessTabID is the tab id the in-process WhatsApp page registers under
	HeadlessTabID = "headless"
	// DefaultShutdownTimeout bounds graceful HTTP shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultResyncTimeout bounds one periodic resync run
	DefaultResyncTimeout = 30 * time.Second
)

// Opts holds configuration for the coordinator process.
type Opts struct {
	Addr            string        // HTTP listen address
	ResyncSchedule  string        // cron expression for periodic re-arming; empty disables it
	MissedSweep     bool          // mark overdue pending messages as missed during resync
	ReplyDelay      time.Duration // auto-responder delay before replying
	PollInterval    time.Duration // durable alarm poll interval
	RequestTimeout  time.Duration // bound on a single coordinator<->page request
	Headless        bool          // run an in-process WhatsApp page
	FollowInbound   bool          // headless page switches to the conversation of each inbound message
	TwilioOpts      []twiliowhatsapp.Option
	UseTwilio       bool // headless page sends through Twilio instead of a whatsmeow session
	ShutdownTimeout time.Duration
}

// Option configures the coordinator process.
type Option func(*Opts)

// WithAddr sets the HTTP listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithResyncSchedule enables the periodic resync on a cron expression.
func WithResyncSchedule(expr string) Option {
	return func(o *Opts) {
		o.ResyncSchedule = expr
	}
}

// WithMissedSweep enables marking overdue pending messages as missed.
func WithMissedSweep(enabled bool) Option {
	return func(o *Opts) {
		o.MissedSweep = enabled
	}
}

// WithReplyDelay sets the auto-responder reply delay.
func WithReplyDelay(d time.Duration) Option {
	return func(o *Opts) {
		o.ReplyDelay = d
	}
}

// WithPollInterval sets the durable alarm poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

// WithRequestTimeout bounds coordinator<->page requests.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.RequestTimeout = d
	}
}

// WithHeadless runs a WhatsApp-backed page inside the coordinator process.
func WithHeadless(followInbound bool) Option {
	return func(o *Opts) {
		o.Headless = true
		o.FollowInbound = followInbound
	}
}

// WithTwilioSender makes the headless page send through Twilio. Twilio is outbound only:
// no inbound messages reach the auto-responder.
func WithTwilioSender(opts ...twiliowhatsapp.Option) Option {
	return func(o *Opts) {
		o.UseTwilio = true
		o.TwilioOpts = opts
	}
}

// headlessSender picks the transport behind the headless page. The whatsmeow client is
// returned as well when it is the transport, so the caller can subscribe to its events
// and disconnect it.
func headlessSender(ctx context.Context, cfg Opts, waOpts []whatsapp.Option) (whatsapp.Sender, *whatsapp.Client, error) {
	if cfg.UseTwilio {
		tw, err := twiliowhatsapp.NewClient(cfg.TwilioOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		return tw, nil, nil
	}
	waClient, err := whatsapp.NewClient(ctx, waOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start WhatsApp session: %w", err)
	}
	return waClient, waClient, nil
}

// Server exposes the CRM document, the scheduled message lifecycle and the page
// WebSocket endpoint over HTTP.
type Server struct {
	repo     *store.Repository
	coord    *coordinator.Coordinator
	hub      *bus.Hub
	alarms   alarm.Service
	headless *whatsapp.Headless // nil unless the headless page is running
}

// NewServer creates a Server over already wired components. headless may be nil.
func NewServer(repo *store.Repository, coord *coordinator.Coordinator, hub *bus.Hub, alarms alarm.Service, headless *whatsapp.Headless) *Server {
	return &Server{repo: repo, coord: coord, hub: hub, alarms: alarms, headless: headless}
}

// Run wires every component, performs startup recovery and serves HTTP until SIGINT or
// SIGTERM.
func Run(waOpts []whatsapp.Option, storeOpts []store.Option, apiOpts []Option) error {
	cfg := Opts{
		Addr:            DefaultServerAddress,
		ReplyDelay:      autoresponder.DefaultReplyDelay,
		RequestTimeout:  bus.DefaultRequestTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.ResyncSchedule != "" {
		if err := scheduler.Validate(cfg.ResyncSchedule); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := store.NewStore(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backend.Close()

	repo := store.NewRepository(backend)
	alarms := alarm.NewDurableService(backend, alarm.WithPollInterval(cfg.PollInterval))
	hub := bus.NewHub(bus.WithRequestTimeout(cfg.RequestTimeout))
	coord := coordinator.New(repo, alarms, hub, coordinator.WithMissedSweep(cfg.MissedSweep))
	hub.SetBackground(coord.HandleRequest)

	var headless *whatsapp.Headless
	if cfg.Headless {
		sender, waClient, err := headlessSender(ctx, cfg, waOpts)
		if err != nil {
			return err
		}
		headless = whatsapp.NewHeadless(sender, whatsapp.WithFollowInbound(cfg.FollowInbound))
		if waClient != nil {
			defer waClient.Disconnect()
			waClient.AddEventHandler(headless.HandleEvent)
		}

		pg := page.New(headless, page.BackgroundFunc(hub.Dispatch), repo)
		disconnect := hub.Connect(HeadlessTabID, pg.Handle)
		defer disconnect()

		responder := autoresponder.New(repo, pg, autoresponder.WithReplyDelay(cfg.ReplyDelay))
		responder.Start(ctx, headless.Inbound())
		defer responder.Stop()
		slog.Info("Run: headless WhatsApp page connected", "tab", HeadlessTabID, "twilio", cfg.UseTwilio, "followInbound", cfg.FollowInbound)
	}

	rm := recovery.NewRecoveryManager(backend, alarms)
	rm.RegisterRecoverable(coord)
	rm.RegisterRecoverable(recovery.AlarmPruner{})
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Run: startup recovery finished with errors", "error", err)
	}

	go alarms.Run(ctx)

	if cfg.ResyncSchedule != "" {
		sched := scheduler.NewScheduler()
		defer sched.Stop()
		if _, err := sched.AddJob("resync", cfg.ResyncSchedule, recovery.ResyncFunc(rm, DefaultResyncTimeout)); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: NewServer(repo, coord, hub, alarms, headless).Handler(),
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Run: HTTP server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Run: shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run: HTTP shutdown failed", "error", err)
		return err
	}
	return nil
}
