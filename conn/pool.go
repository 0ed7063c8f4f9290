package conn

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/chat-overlay/backend/credentials"
	"github.com/onnwee/chat-overlay/backend/irc"
	"github.com/onnwee/chat-overlay/backend/telemetry"
)

// DefaultURL is the public IRC-over-WebSocket endpoint.
const DefaultURL = "wss://irc-ws.chat.twitch.tv"

// Pool owns the set of live Conns and keeps it matched to the desired channel
// set, plus one primary Conn bound to the operator identity. The registry map
// is the shared mutable state crossing callback boundaries; all access is
// serialized through mu.
type Pool struct {
	mu      sync.Mutex
	opts    Options
	conns   map[string]*Conn
	primary *Conn
}

// New builds a Pool. Zero-valued Options fields get production defaults.
func New(opts Options) *Pool {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Dialer == nil {
		opts.Dialer = DialWebSocket
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	return &Pool{opts: opts, conns: make(map[string]*Conn)}
}

// Start opens a connection for a channel. Starting an already-present channel
// is a no-op.
func (p *Pool) Start(channel string) {
	channel = irc.NormalizeChannel(channel)
	if channel == "" {
		return
	}
	p.mu.Lock()
	if _, ok := p.conns[channel]; ok {
		p.mu.Unlock()
		return
	}
	c := newConn(&p.opts, channel, false)
	p.conns[channel] = c
	p.mu.Unlock()
	telemetry.AddOpenConnections(1)
	c.attach()
}

// Stop permanently tears down a channel's connection and removes it from the
// registry.
func (p *Pool) Stop(channel string) {
	channel = irc.NormalizeChannel(channel)
	p.mu.Lock()
	c, ok := p.conns[channel]
	if ok {
		delete(p.conns, channel)
	}
	p.mu.Unlock()
	if ok {
		c.stop()
		telemetry.AddOpenConnections(-1)
	}
}

// Reconcile starts a Conn for every desired channel not already present and
// stops every non-primary Conn that is no longer desired.
func (p *Pool) Reconcile(channels []string) {
	desired := make(map[string]bool, len(channels))
	for _, ch := range channels {
		ch = irc.NormalizeChannel(ch)
		if ch != "" {
			desired[ch] = true
		}
	}
	p.mu.Lock()
	var toStop []string
	for ch := range p.conns {
		if !desired[ch] {
			toStop = append(toStop, ch)
		}
	}
	p.mu.Unlock()
	for _, ch := range toStop {
		p.Stop(ch)
	}
	for ch := range desired {
		p.Start(ch)
	}
}

// EnsurePrimary resolves the operator identity and (re)binds the primary
// connection to the operator's own channel. It restarts the primary when the
// resolved login changes or when an anonymous primary can now be upgraded.
// fallbackChannel is joined when no authenticated identity is available yet.
func (p *Pool) EnsurePrimary(ctx context.Context, fallbackChannel string) {
	id := p.opts.Resolver.Resolve(ctx)
	channel := id.Login
	if channel == "" {
		channel = irc.NormalizeChannel(fallbackChannel)
	}
	if channel == "" {
		return
	}

	p.mu.Lock()
	cur := p.primary
	if cur != nil && cur.Channel() == irc.NormalizeChannel(channel) && cur.Identity().Authenticated == id.Authenticated {
		p.mu.Unlock()
		return
	}
	c := newConn(&p.opts, channel, true)
	p.primary = c
	p.mu.Unlock()

	if cur != nil {
		cur.stop()
		slog.Info("primary connection restarting", slog.String("channel", channel), slog.Bool("authenticated", id.Authenticated))
	}
	c.attach()
}

// PrimaryChannel returns the channel the primary connection is bound to, if
// any.
func (p *Pool) PrimaryChannel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.primary == nil {
		return ""
	}
	return p.primary.Channel()
}

// Send writes a message on the connection for channel. On a send failure the
// connection is reattached (credential refresh plus reconnect) so the next
// attempt can succeed; the error is still returned to the caller.
func (p *Pool) Send(channel, text string) (credentials.Identity, error) {
	c := p.lookup(channel)
	if c == nil {
		return credentials.Identity{}, ErrNotConnected
	}
	id, err := c.send(text)
	if err == ErrNotConnected || err == ErrAnonymous {
		telemetry.IncSendFailures()
		c.attach()
	}
	return id, err
}

// IsPrimary reports whether channel is handled by the primary connection.
func (p *Pool) IsPrimary(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primary != nil && p.primary.Channel() == irc.NormalizeChannel(channel)
}

func (p *Pool) lookup(channel string) *Conn {
	channel = irc.NormalizeChannel(channel)
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[channel]; ok {
		return c
	}
	if p.primary != nil && p.primary.Channel() == channel {
		return p.primary
	}
	return nil
}

// Statuses returns the lifecycle state of every connection for the status
// endpoint.
func (p *Pool) Statuses() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.conns)+1)
	for ch, c := range p.conns {
		out[ch] = c.State()
	}
	if p.primary != nil {
		out[p.primary.Channel()+" (primary)"] = p.primary.State()
	}
	return out
}

// Shutdown stops every connection.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns)+1)
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Conn)
	if p.primary != nil {
		conns = append(conns, p.primary)
		p.primary = nil
	}
	p.mu.Unlock()
	for _, c := range conns {
		c.stop()
	}
}
