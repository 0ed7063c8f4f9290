package conn

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-overlay/backend/credentials"
	"github.com/onnwee/chat-overlay/backend/irc"
)

// scriptSocket is a Socket fed by the test. Closing it unblocks ReadLine with
// io.EOF, which is how a dropped server connection presents.
type scriptSocket struct {
	mu     sync.Mutex
	lines  chan string
	writes []string
	closed bool
}

func newScriptSocket() *scriptSocket {
	return &scriptSocket{lines: make(chan string, 16)}
}

func (s *scriptSocket) ReadLine() (string, error) {
	line, ok := <-s.lines
	if !ok {
		return "", io.EOF
	}
	return line, nil
}

func (s *scriptSocket) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	s.writes = append(s.writes, line)
	return nil
}

func (s *scriptSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.lines)
	}
	return nil
}

func (s *scriptSocket) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.writes))
	copy(out, s.writes)
	return out
}

type scriptDialer struct {
	mu    sync.Mutex
	socks []*scriptSocket
	fail  int
}

func (d *scriptDialer) dial(ctx context.Context, url string) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("dial refused")
	}
	s := newScriptSocket()
	d.socks = append(d.socks, s)
	return s, nil
}

func (d *scriptDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.socks)
}

func (d *scriptDialer) socket(i int) *scriptSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.socks[i]
}

type staticResolver struct {
	mu sync.Mutex
	id credentials.Identity
}

func (r *staticResolver) Resolve(ctx context.Context) credentials.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *staticResolver) set(id credentials.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = id
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func authedID() credentials.Identity {
	return credentials.Identity{Authenticated: true, Nick: "op", Login: "op", UserID: "42", Secret: "oauth:t"}
}

func testOptions(d *scriptDialer, id credentials.Identity, onEvent EventFunc) *Options {
	return &Options{
		URL:         "ws://test",
		Dialer:      d.dial,
		Resolver:    &staticResolver{id: id},
		OnEvent:     onEvent,
		BackoffBase: time.Millisecond,
		BackoffMax:  4 * time.Millisecond,
	}
}

func TestConnHandshakeOrder(t *testing.T) {
	d := &scriptDialer{}
	id := authedID()
	c := newConn(testOptions(d, id, nil), "Chan", false)
	c.attach()
	defer c.stop()

	waitFor(t, func() bool { return c.State() == "joined" }, "join")
	want := []string{
		irc.EncodeCapReq(),
		irc.EncodePass(id.Secret),
		irc.EncodeNick(id.Nick),
		irc.EncodeJoin("#chan"),
	}
	got := d.socket(0).written()
	if len(got) != len(want) {
		t.Fatalf("handshake wrote %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("handshake[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestConnAnswersPing(t *testing.T) {
	d := &scriptDialer{}
	var mu sync.Mutex
	var events []irc.Event
	onEvent := func(info Info, raw string, ev irc.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	c := newConn(testOptions(d, authedID(), onEvent), "chan", false)
	c.attach()
	defer c.stop()

	waitFor(t, func() bool { return c.State() == "joined" }, "join")
	sock := d.socket(0)
	sock.lines <- "PING :tmi.twitch.tv"
	waitFor(t, func() bool {
		for _, w := range sock.written() {
			if w == "PONG :tmi.twitch.tv" {
				return true
			}
		}
		return false
	}, "pong reply")

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 0 {
		t.Errorf("ping leaked to event callback: %+v", events)
	}
}

func TestConnForwardsEventsWithInfo(t *testing.T) {
	d := &scriptDialer{}
	var mu sync.Mutex
	var infos []Info
	var events []irc.Event
	onEvent := func(info Info, raw string, ev irc.Event) {
		mu.Lock()
		infos = append(infos, info)
		events = append(events, ev)
		mu.Unlock()
	}
	c := newConn(testOptions(d, authedID(), onEvent), "chan", true)
	c.attach()
	defer c.stop()

	waitFor(t, func() bool { return c.State() == "joined" }, "join")
	d.socket(0).lines <- "@id=m1;user-id=7 :alice!alice@alice.tmi.twitch.tv PRIVMSG #chan :hi"
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, "event delivery")

	mu.Lock()
	defer mu.Unlock()
	if events[0].Type != irc.EventMessage || events[0].Body != "hi" {
		t.Errorf("event = %+v", events[0])
	}
	if infos[0].Channel != "chan" || !infos[0].Primary || infos[0].Identity.Login != "op" {
		t.Errorf("info = %+v", infos[0])
	}
}

func TestConnReconnectsAfterClose(t *testing.T) {
	d := &scriptDialer{}
	c := newConn(testOptions(d, authedID(), nil), "chan", false)
	c.attach()
	defer c.stop()

	waitFor(t, func() bool { return c.State() == "joined" }, "first join")

	// server drops the connection
	_ = d.socket(0).Close()
	waitFor(t, func() bool { return d.count() == 2 }, "redial")
	waitFor(t, func() bool { return c.State() == "joined" }, "rejoin")

	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	if attempts != 0 {
		t.Errorf("attempts = %d after successful reopen, want 0", attempts)
	}
}

func TestConnRetriesFailedDials(t *testing.T) {
	d := &scriptDialer{fail: 2}
	c := newConn(testOptions(d, authedID(), nil), "chan", false)
	c.attach()
	defer c.stop()

	waitFor(t, func() bool { return c.State() == "joined" }, "join after failed dials")
	if d.count() != 1 {
		t.Errorf("dial succeeded %d times, want 1", d.count())
	}
}

func TestConnStaleCloseCallbackIgnored(t *testing.T) {
	d := &scriptDialer{}
	c := newConn(testOptions(d, authedID(), nil), "chan", false)
	c.attach()
	waitFor(t, func() bool { return c.State() == "joined" }, "first join")
	defer c.stop()

	c.mu.Lock()
	oldGen := c.gen
	c.mu.Unlock()

	// restart: the generation advances, invalidating every old callback
	c.attach()
	waitFor(t, func() bool { return d.count() == 2 && c.State() == "joined" }, "second join")

	dials := d.count()
	c.onClosed(oldGen)
	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	state, timer := c.state, c.timer
	c.mu.Unlock()
	if state != "joined" {
		t.Errorf("stale close changed state to %q", state)
	}
	if timer != nil {
		t.Errorf("stale close scheduled a reconnect timer")
	}
	if d.count() != dials {
		t.Errorf("stale close triggered %d extra dials", d.count()-dials)
	}
}

func TestConnStoppedIsTerminal(t *testing.T) {
	d := &scriptDialer{}
	c := newConn(testOptions(d, authedID(), nil), "chan", false)
	c.attach()
	waitFor(t, func() bool { return c.State() == "joined" }, "join")

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	c.stop()
	dials := d.count()

	// late callbacks from the torn-down socket must not revive the Conn
	c.onClosed(gen)
	c.attach()
	time.Sleep(20 * time.Millisecond)

	if c.State() != "stopped" {
		t.Errorf("state = %q after stop, want stopped", c.State())
	}
	if d.count() != dials {
		t.Errorf("stopped conn dialed again")
	}
}

func TestConnSendRequiresAuthenticatedSocket(t *testing.T) {
	d := &scriptDialer{}
	c := newConn(testOptions(d, authedID(), nil), "chan", false)
	if _, err := c.send("hi"); err != ErrNotConnected {
		t.Fatalf("send before connect = %v, want ErrNotConnected", err)
	}

	c.attach()
	defer c.stop()
	waitFor(t, func() bool { return c.State() == "joined" }, "join")

	if _, err := c.send("hi"); err != nil {
		t.Fatalf("send = %v", err)
	}
	got := d.socket(0).written()
	if got[len(got)-1] != irc.EncodePrivmsg("#chan", "hi") {
		t.Errorf("last write = %q", got[len(got)-1])
	}
}

func TestConnSendAnonymous(t *testing.T) {
	d := &scriptDialer{}
	c := newConn(testOptions(d, credentials.Anonymous(), nil), "chan", false)
	c.attach()
	defer c.stop()
	waitFor(t, func() bool { return c.State() == "joined" }, "join")

	if _, err := c.send("hi"); err != ErrAnonymous {
		t.Fatalf("anonymous send = %v, want ErrAnonymous", err)
	}
}
