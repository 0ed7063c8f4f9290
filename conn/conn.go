package conn

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chat-overlay/backend/credentials"
	"github.com/onnwee/chat-overlay/backend/irc"
	"github.com/onnwee/chat-overlay/backend/telemetry"
)

// Send-path errors surfaced synchronously to the caller.
var (
	ErrNotConnected = errors.New("not connected")
	ErrAnonymous    = errors.New("anonymous connection, re-authenticate")
)

// Resolver yields the identity a connection authenticates with. It must not
// fail; anonymous fallback happens inside the implementation.
type Resolver interface {
	Resolve(ctx context.Context) credentials.Identity
}

// Info is the connection snapshot handed to event callbacks.
type Info struct {
	Channel  string
	Primary  bool
	Identity credentials.Identity
}

// EventFunc receives every decoded inbound event except PING, which the Conn
// answers itself.
type EventFunc func(info Info, raw string, ev irc.Event)

// Options configures a Pool and its Conns.
type Options struct {
	URL         string
	Dialer      Dialer
	Resolver    Resolver
	OnEvent     EventFunc
	BackoffBase time.Duration
	BackoffMax  time.Duration
	DialTimeout time.Duration
}

func (o *Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return 15 * time.Second
}

// Conn is one channel's socket lifecycle state machine:
// idle → resolving → connecting → authenticating → joined →
// reconnecting → connecting … | stopped (terminal).
//
// gen increments on every (re)attach and on stop. Every asynchronous
// callback captures the generation at attach time and re-checks it (plus the
// stopped flag) under the mutex before mutating state; a stale callback
// silently no-ops. This is the sole cancellation mechanism.
type Conn struct {
	mu       sync.Mutex
	opts     *Options
	channel  string
	primary  bool
	sock     Socket
	gen      uint64
	stopped  bool
	attempts int
	identity credentials.Identity
	timer    *time.Timer
	state    string
}

func newConn(opts *Options, channel string, primary bool) *Conn {
	return &Conn{opts: opts, channel: irc.NormalizeChannel(channel), primary: primary, state: "idle"}
}

// Channel returns the normalized channel this Conn is bound to.
func (c *Conn) Channel() string { return c.channel }

// Identity returns the identity of the current attach.
func (c *Conn) Identity() credentials.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// State returns the current lifecycle state for status reporting.
func (c *Conn) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// attach begins (or restarts) the connect sequence. The generation advances
// immediately, invalidating every callback captured by earlier attaches.
func (c *Conn) attach() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = "resolving"
	c.mu.Unlock()
	go c.connect(gen)
}

func (c *Conn) connect(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.dialTimeout())
	defer cancel()

	id := c.opts.Resolver.Resolve(ctx)

	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.identity = id
	c.state = "connecting"
	c.mu.Unlock()

	sock, err := c.opts.Dialer(ctx, c.opts.URL)

	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		slog.Warn("chat connect failed", slog.String("channel", c.channel), slog.Any("err", err))
		c.onClosed(gen)
		return
	}
	// at most one open socket per Conn: supersede before replacing
	if c.sock != nil {
		_ = c.sock.Close()
	}
	c.sock = sock
	c.attempts = 0
	c.state = "authenticating"
	c.mu.Unlock()

	for _, line := range []string{
		irc.EncodeCapReq(),
		irc.EncodePass(id.Secret),
		irc.EncodeNick(id.Nick),
		irc.EncodeJoin(c.channel),
	} {
		if err := sock.WriteLine(line); err != nil {
			slog.Warn("chat handshake write failed", slog.String("channel", c.channel), slog.Any("err", err))
			c.onClosed(gen)
			return
		}
	}

	c.mu.Lock()
	if !c.stopped && gen == c.gen {
		c.state = "joined"
	}
	c.mu.Unlock()
	slog.Info("chat joined", slog.String("channel", c.channel), slog.Bool("primary", c.primary), slog.Bool("authenticated", id.Authenticated))

	go c.readLoop(gen, sock)
}

func (c *Conn) readLoop(gen uint64, sock Socket) {
	for {
		line, err := sock.ReadLine()
		if err != nil {
			c.onClosed(gen)
			return
		}
		ev := irc.ParseLine(line)
		if ev.Type == irc.EventPing {
			if err := sock.WriteLine(irc.EncodePong(ev.Raw)); err != nil {
				c.onClosed(gen)
				return
			}
			continue
		}
		if ev.Type == irc.EventNone {
			continue
		}
		c.mu.Lock()
		if c.stopped || gen != c.gen {
			c.mu.Unlock()
			return
		}
		info := Info{Channel: c.channel, Primary: c.primary, Identity: c.identity}
		c.mu.Unlock()
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(info, line, ev)
		}
	}
}

// onClosed handles a socket close or error for the attach identified by gen.
// Stale generations no-op; live ones schedule a backoff reconnect.
func (c *Conn) onClosed(gen uint64) {
	c.mu.Lock()
	if c.stopped || gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	delay := Backoff(c.opts.BackoffBase, c.opts.BackoffMax, c.attempts)
	c.attempts++
	c.state = "reconnecting"
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.attach)
	attempts := c.attempts
	c.mu.Unlock()
	telemetry.IncReconnects()
	slog.Info("chat reconnect scheduled", slog.String("channel", c.channel), slog.Duration("delay", delay), slog.Int("attempts", attempts))
}

// stop tears the Conn down permanently. Only stop is terminal; transport
// failures always retry.
func (c *Conn) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
	c.state = "stopped"
}

// send writes a PRIVMSG on the live socket, returning a user-actionable error
// when disconnected or anonymous.
func (c *Conn) send(text string) (credentials.Identity, error) {
	c.mu.Lock()
	sock := c.sock
	id := c.identity
	c.mu.Unlock()
	if sock == nil {
		return id, ErrNotConnected
	}
	if !id.Authenticated {
		return id, ErrAnonymous
	}
	if err := sock.WriteLine(irc.EncodePrivmsg(c.channel, text)); err != nil {
		return id, err
	}
	return id, nil
}
