/*
Package app wires the service together and owns its lifecycle.
*/
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/treepeck/pulse/internal/auth"
	"github.com/treepeck/pulse/internal/config"
	"github.com/treepeck/pulse/internal/gatekeeper"
	"github.com/treepeck/pulse/internal/ingress"
	"github.com/treepeck/pulse/internal/mq"
	"github.com/treepeck/pulse/internal/store"
	"github.com/treepeck/pulse/internal/ws"
	"github.com/treepeck/pulse/pkg/dispatch"
)

var ErrNoSecret = errors.New("auth.jwtSecret is required")

// Extra time given to the HTTP server and the hub on top of the drain period.
const shutdownSlack = 5 * time.Second

type App struct {
	cfg     config.Config
	store   *store.Store
	hub     *ws.Hub
	http    *http.Server
	dialer  mq.Dialer
	ingress *ingress.Ingress
	wg      sync.WaitGroup
	once    sync.Once
	logger  *slog.Logger
}

/*
New opens the store, connects to the broker if one is configured and builds the hub and the
HTTP server.  Nothing is served until Run is called.
*/
func New(logger *slog.Logger, cfg config.Config) (*App, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, ErrNoSecret
	}

	s, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, store: s, logger: logger}

	g := gatekeeper.New(auth.NewVerifier(cfg.Auth.JWTSecret), s, s, cfg.Auth.HandshakeTimeout, logger)
	a.hub = ws.NewHub(HubConfig(cfg), g, s, logger)

	mux := http.NewServeMux()
	a.hub.Routes(mux)
	a.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: ws.RequestLogger(logger, mux),
	}

	if cfg.Broker.URL != "" {
		if a.dialer, err = mq.Dial(cfg.Broker.URL); err != nil {
			a.hub.Shutdown(context.Background())
			s.Close()
			return nil, err
		}
		a.ingress = ingress.New(a.hub, logger)
	}

	return a, nil
}

// HubConfig maps the loaded configuration onto the hub settings.
func HubConfig(cfg config.Config) ws.Config {
	return ws.Config{
		WriteWait:             cfg.Transport.WriteWait,
		PongWait:              cfg.Transport.PongWait,
		PingPeriod:            cfg.Transport.PingPeriod,
		MaxMessageSize:        cfg.Transport.MaxMessageSize,
		SendBuffer:            cfg.Transport.SendBuffer,
		HandshakeTimeout:      cfg.Auth.HandshakeTimeout,
		MaxConnectionAge:      cfg.Auth.MaxConnectionAge,
		MaxConnectionsPerUser: cfg.Limits.MaxConnectionsPerUser,
		LimitMode:             cfg.Limits.Mode,
		Grace:                 cfg.Shutdown.Grace,
		MaintenanceMessage:    cfg.Shutdown.Message,
		AllowedOrigins:        cfg.Server.AllowedOrigins,
	}
}

// Dispatcher is the handle other in-process components publish through.
func (a *App) Dispatcher() dispatch.Dispatcher { return a.hub }

func (a *App) Handler() http.Handler { return a.http.Handler }

/*
Run serves until ctx is done or the listener fails, then shuts the service down.
*/
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Address)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", a.cfg.Server.Address, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", ln.Addr().String()))
		if err := a.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var err error
	if a.ingress != nil {
		if err = a.startIngress(ctx); err != nil {
			a.logger.Error("Cannot start broker ingress", slog.Any("error", err))
			err = fmt.Errorf("cannot start broker ingress: %w", err)
		}
	}

	if err == nil {
		select {
		case <-ctx.Done():
		case err = <-serveErr:
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}
	cancel()

	return errors.Join(err, a.Shutdown(context.Background()))
}

func (a *App) startIngress(ctx context.Context) error {
	ch, err := a.dialer.OpenChannel()
	if err != nil {
		return err
	}

	b := a.cfg.Broker
	if err := mq.DeclareTopology(ch, mq.Topology{Exchange: b.Exchange, Queue: b.Queue, BindingKey: b.BindingKey}); err != nil {
		ch.Close()
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer ch.Close()
		if err := a.ingress.Run(ctx, ch, b.Queue); err != nil {
			a.logger.Error("Broker ingress stopped", slog.Any("error", err))
		}
	}()
	return nil
}

/*
Shutdown stops accepting connections, lets the hub notify and drain its clients, then
releases the broker connection and the store.
*/
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.once.Do(func() { err = a.shutdown(ctx) })
	return err
}

func (a *App) shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Shutdown.Grace+shutdownSlack)
	defer cancel()

	errs := []error{a.http.Shutdown(ctx), a.hub.Shutdown(ctx)}
	if a.ingress != nil {
		errs = append(errs, a.dialer.Release())
		a.wg.Wait()
	}
	errs = append(errs, a.store.Close())

	a.logger.Info("Server shut down gracefully.")
	return errors.Join(errs...)
}
