// Package sip implements the telephony signaling transport as a SIP user
// agent over WebSocket.
package sip

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/LifeShieldMedicalAlerts/crm/internal/media"
	"github.com/LifeShieldMedicalAlerts/crm/internal/telephony"
	"github.com/emiago/diago"
	"github.com/emiago/sipgo"
	sipmsg "github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("sip user agent not connected")

// Config describes the registrar
type Config struct {
	Server         string // ws:// or wss:// URL
	Domain         string
	UserAgent      string
	RegisterExpiry time.Duration
	KeepAlive      time.Duration
}

// server is the parsed registrar address
type server struct {
	host      string
	port      int
	transport string
}

func parseServer(raw string) (server, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return server{}, fmt.Errorf("parse sip server %q: %w", raw, err)
	}

	s := server{host: u.Hostname()}
	switch u.Scheme {
	case "wss":
		s.transport, s.port = "wss", 443
	case "ws":
		s.transport, s.port = "ws", 80
	default:
		return server{}, fmt.Errorf("sip server %q: unsupported scheme %q", raw, u.Scheme)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return server{}, fmt.Errorf("sip server %q: bad port: %w", raw, err)
		}
		s.port = port
	}
	if s.host == "" {
		return server{}, fmt.Errorf("sip server %q: missing host", raw)
	}
	return s, nil
}

// uri routes a request URI through the registrar's WebSocket transport
func (s server) uri(raw string) (sipmsg.Uri, error) {
	var uri sipmsg.Uri
	if err := sipmsg.ParseUri(raw, &uri); err != nil {
		return uri, fmt.Errorf("parse uri %q: %w", raw, err)
	}
	uri.Host = s.host
	uri.Port = s.port
	uri.UriParams = sipmsg.NewParams()
	uri.UriParams.Add("transport", s.transport)
	return uri, nil
}

// Adapter is a diago-backed implementation of telephony.Signaling
type Adapter struct {
	cfg    Config
	server server
	logger zerolog.Logger

	incoming    chan telephony.Invite
	disconnects chan error

	mu     sync.Mutex
	ua     *sipgo.UserAgent
	dg     *diago.Diago
	reg    *diago.RegisterTransaction
	creds  telephony.Credentials
	cancel context.CancelFunc
}

// NewAdapter validates the registrar address
func NewAdapter(cfg Config, logger zerolog.Logger) (*Adapter, error) {
	srv, err := parseServer(cfg.Server)
	if err != nil {
		return nil, err
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "agentdesk"
	}
	return &Adapter{
		cfg:         cfg,
		server:      srv,
		logger:      logger.With().Str("component", "sip").Logger(),
		incoming:    make(chan telephony.Invite, 1),
		disconnects: make(chan error, 1),
	}, nil
}

// Connect starts the user agent and registers
func (a *Adapter) Connect(ctx context.Context, creds telephony.Credentials) error {
	a.teardown(ctx, false)

	ua, err := sipgo.NewUA(sipgo.WithUserAgent(a.cfg.UserAgent))
	if err != nil {
		return fmt.Errorf("create user agent: %w", err)
	}

	dg := diago.NewDiago(ua, diago.WithTransport(diago.Transport{
		Transport: a.server.transport,
		BindHost:  "0.0.0.0",
		BindPort:  0,
	}))

	runCtx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := dg.Serve(runCtx, a.serveInvite); err != nil && runCtx.Err() == nil {
			a.logger.Error().Err(err).Msg("sip serve stopped")
			a.reportDisconnect(runCtx, err)
		}
	}()

	registrar, err := a.server.uri(fmt.Sprintf("sip:%s@%s", creds.Username, a.cfg.Domain))
	if err != nil {
		cancel()
		ua.Close()
		return err
	}

	reg, err := dg.RegisterTransaction(ctx, registrar, diago.RegisterOptions{
		Username: creds.Username,
		Password: creds.Password,
		Expiry:   a.cfg.RegisterExpiry,
	})
	if err != nil {
		cancel()
		ua.Close()
		return fmt.Errorf("prepare register: %w", err)
	}

	if err := reg.Register(ctx); err != nil {
		cancel()
		ua.Close()
		return fmt.Errorf("register: %w", err)
	}

	a.mu.Lock()
	a.ua, a.dg, a.reg, a.creds, a.cancel = ua, dg, reg, creds, cancel
	a.mu.Unlock()

	if a.cfg.KeepAlive > 0 {
		client, err := sipgo.NewClient(ua)
		if err != nil {
			a.logger.Warn().Err(err).Msg("keepalive disabled")
		} else {
			go a.keepAlive(runCtx, client, registrar)
		}
	}

	go func() {
		// re-registers before expiry; an error means the transport is gone
		if err := reg.QualifyLoop(runCtx); err != nil && runCtx.Err() == nil {
			a.reportDisconnect(runCtx, err)
		}
	}()

	a.logger.Info().
		Str("server", a.cfg.Server).
		Str("user", creds.Username).
		Dur("expiry", a.cfg.RegisterExpiry).
		Msg("registered")
	return nil
}

func (a *Adapter) reportDisconnect(ctx context.Context, err error) {
	select {
	case a.disconnects <- err:
	case <-ctx.Done():
	default:
		a.logger.Debug().Err(err).Msg("disconnect already pending")
	}
}

// keepAlive pings the registrar with OPTIONS; a failed ping is a lost
// transport
func (a *Adapter) keepAlive(ctx context.Context, client *sipgo.Client, registrar sipmsg.Uri) {
	ticker := time.NewTicker(a.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, a.cfg.KeepAlive)
		res, err := client.Do(pingCtx, sipmsg.NewRequest(sipmsg.OPTIONS, registrar))
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			a.logger.Warn().Err(err).Msg("keepalive failed")
			a.reportDisconnect(ctx, err)
			return
		}
		a.logger.Debug().Int("status", int(res.StatusCode)).Msg("keepalive")
	}
}

// Close unregisters and stops the user agent
func (a *Adapter) Close(ctx context.Context) error {
	return a.teardown(ctx, true)
}

func (a *Adapter) teardown(ctx context.Context, unregister bool) error {
	a.mu.Lock()
	ua, reg, cancel := a.ua, a.reg, a.cancel
	a.ua, a.dg, a.reg, a.cancel = nil, nil, nil, nil
	a.mu.Unlock()

	var err error
	if unregister && reg != nil {
		if uerr := reg.Unregister(ctx); uerr != nil {
			a.logger.Warn().Err(uerr).Msg("unregister failed")
			err = uerr
		}
	}
	if cancel != nil {
		cancel()
	}
	if ua != nil {
		ua.Close()
	}
	return err
}

// Dial sends an INVITE and waits for the answer
func (a *Adapter) Dial(ctx context.Context, target string, track media.Track, onProgress func()) (telephony.Session, error) {
	a.mu.Lock()
	dg, creds := a.dg, a.creds
	a.mu.Unlock()
	if dg == nil {
		return nil, ErrNotConnected
	}

	uri, err := a.server.uri(target)
	if err != nil {
		return nil, err
	}

	var progressOnce sync.Once
	dialog, err := dg.Invite(ctx, uri, diago.InviteOptions{
		Username: creds.Username,
		Password: creds.Password,
		OnResponse: func(res *sipmsg.Response) error {
			if res.IsProvisional() && res.StatusCode != 100 && onProgress != nil {
				progressOnce.Do(onProgress)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("invite %s: %w", target, err)
	}

	a.logger.Debug().Str("target", target).Msg("outbound call answered")
	return newSession(dialog, track, a.logger), nil
}

// Incoming returns new inbound invites
func (a *Adapter) Incoming() <-chan telephony.Invite {
	return a.incoming
}

// Disconnects reports a lost transport
func (a *Adapter) Disconnects() <-chan error {
	return a.disconnects
}

// serveInvite hands an inbound dialog to the call core and keeps it alive
// until it ends
func (a *Adapter) serveInvite(d *diago.DialogServerSession) {
	inv := newInvite(d, a.logger)

	if err := d.Trying(); err != nil {
		a.logger.Debug().Err(err).Msg("failed to send trying")
	}

	select {
	case a.incoming <- inv:
	default:
		a.logger.Warn().Str("caller", inv.Caller()).Msg("invite queue full, rejecting")
		inv.Reject(d.Context())
		return
	}

	select {
	case <-d.Context().Done():
	case <-inv.rejected:
	}
}
