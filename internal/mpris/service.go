package mpris

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/linkfrg/lst/internal/bus"
	"github.com/linkfrg/lst/internal/loop"
)

// DefaultPollInterval is how often player positions are read.
const DefaultPollInterval = time.Second

// Options configures a Service.
type Options struct {
	// ArtDir receives cached album art. Empty disables caching and
	// ArtURL keeps the player's own URL.
	ArtDir       string
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// Service tracks every MPRIS player on the bus.
type Service struct {
	conn *bus.Conn
	loop *loop.Loop
	opts Options
	art  *ArtCache

	cancel context.CancelFunc

	// loop-only
	sub       *bus.Subscription
	players   map[string]*Player
	pending   map[string]bool
	observers loop.Observers[Observer]
	closed    bool
}

// New creates a service; players are discovered after Start.
func New(conn *bus.Conn, opts Options) *Service {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	s := &Service{
		conn:    conn,
		loop:    conn.Loop(),
		opts:    opts,
		cancel:  func() {},
		players: make(map[string]*Player),
		pending: make(map[string]bool),
	}
	if opts.ArtDir != "" {
		s.art = NewArtCache(opts.ArtDir, opts.HTTPClient)
	}
	return s
}

// Start subscribes to bus name changes and adds the players already
// running. Loop only; the bus work happens on a worker goroutine.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		sub, err := s.conn.Subscribe(ctx, "NameOwnerChanged", s.onNameOwnerChanged,
			bus.WithSender("org.freedesktop.DBus"),
			bus.WithInterface("org.freedesktop.DBus"),
			bus.WithPath("/org/freedesktop/DBus"))
		if err != nil {
			slog.Error("mpris: subscribe to name changes failed", "error", err)
			return
		}
		if !s.loop.Post(func() {
			if s.closed {
				sub.Close()
				return
			}
			s.sub = sub
		}) {
			sub.Close()
		}

		names, err := s.conn.ListNames(ctx)
		if err != nil {
			slog.Error("mpris: list names failed", "error", err)
			return
		}
		s.loop.Post(func() {
			for _, name := range names {
				s.add(ctx, name)
			}
		})
	}()
}

// Close releases every player. Loop only.
func (s *Service) Close() {
	s.closed = true
	s.cancel()
	if s.sub != nil {
		s.sub.Close()
	}
	for name, p := range s.players {
		p.Close()
		delete(s.players, name)
	}
}

// Subscribe registers o for events. The returned function removes it.
func (s *Service) Subscribe(o Observer) (unsubscribe func()) { return s.observers.Add(o) }

// Players returns snapshots of every player, sorted by bus name. Loop only.
func (s *Service) Players() []PlayerInfo {
	out := make([]PlayerInfo, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, p.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Player returns the live player with the given bus name. Loop only.
func (s *Service) Player(name string) (*Player, bool) {
	p, ok := s.players[name]
	return p, ok
}

func (s *Service) onNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)
	if !IsPlayerName(name) || newOwner == "" {
		// Vanishing players are handled by their own name watch.
		return
	}
	if oldOwner != "" {
		// The name moved to another connection: drop the stale player
		// before its watch reports the change.
		if p, ok := s.players[name]; ok {
			s.remove(p)
		}
	}
	s.add(context.Background(), name)
}

func (s *Service) add(ctx context.Context, name string) {
	if s.closed || !IsPlayerName(name) || s.pending[name] {
		return
	}
	if _, ok := s.players[name]; ok {
		return
	}
	s.pending[name] = true

	go func() {
		p, err := newPlayer(ctx, s.conn, name, s.art, s.opts.PollInterval, s.playerChanged, s.remove)
		ok := s.loop.Post(func() {
			delete(s.pending, name)
			if err != nil {
				slog.Warn("mpris: player setup failed", "player", name, "error", err)
				return
			}
			if s.closed || p.gone {
				p.Close()
				return
			}
			s.players[name] = p
			slog.Debug("mpris player added", "player", name)
			s.notify(Event{Type: EventPlayerAdded, Player: p.Info()})
		})
		if !ok && err == nil {
			p.Close()
		}
	}()
}

func (s *Service) remove(p *Player) {
	if s.players[p.Name()] != p {
		return
	}
	delete(s.players, p.Name())
	p.Close()
	slog.Debug("mpris player removed", "player", p.Name())
	s.notify(Event{Type: EventPlayerRemoved, Player: p.Info()})
}

func (s *Service) playerChanged(p *Player, t EventType) {
	if s.players[p.Name()] != p {
		return
	}
	s.notify(Event{Type: t, Player: p.Info()})
}

func (s *Service) notify(e Event) {
	s.observers.Each(func(o Observer) { o.OnEvent(e) })
}
