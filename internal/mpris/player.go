package mpris

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/linkfrg/lst/internal/bus"
)

const propertiesInterface = "org.freedesktop.DBus.Properties"

// Player is one MPRIS player. The snapshot is maintained on the loop;
// controls may be called from any goroutine.
type Player struct {
	name   string
	root   *bus.Proxy
	player *bus.Proxy
	art    *ArtCache
	poll   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	trackMu sync.Mutex
	trackID string

	changed  func(*Player, EventType)
	vanished func(*Player)

	// loop-only
	rootProps   map[string]dbus.Variant
	playerProps map[string]dbus.Variant
	info        PlayerInfo
	artSource   string
	gone        bool
}

// newPlayer reads the player's properties and starts following it. It
// blocks and must not run on the loop.
func newPlayer(ctx context.Context, conn *bus.Conn, name string, art *ArtCache, poll time.Duration,
	changed func(*Player, EventType), vanished func(*Player)) (*Player, error) {
	pctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		name:     name,
		root:     conn.NewProxy(name, ObjectPath, RootInterface),
		player:   conn.NewProxy(name, ObjectPath, PlayerInterface),
		art:      art,
		poll:     poll,
		ctx:      pctx,
		cancel:   cancel,
		changed:  changed,
		vanished: vanished,
	}

	p.rootProps, _ = p.root.GetAllProperties(ctx)
	p.playerProps, _ = p.player.GetAllProperties(ctx)
	if p.rootProps == nil {
		p.rootProps = make(map[string]dbus.Variant)
	}
	if p.playerProps == nil {
		p.playerProps = make(map[string]dbus.Variant)
	}
	p.info = p.build()
	if p.info.ArtURL != "" {
		p.artSource = p.info.ArtURL
		p.info.ArtURL = p.fetchArt(ctx, p.artSource)
	}
	p.setTrackID(p.info.TrackID)

	if _, err := p.player.Subscribe(ctx, "PropertiesChanged", p.onPropertiesChanged,
		bus.WithInterface(propertiesInterface)); err != nil {
		p.Close()
		return nil, fmt.Errorf("player %s: %w", name, err)
	}
	if _, err := p.root.WatchName(ctx, nil, p.onVanished); err != nil {
		p.Close()
		return nil, fmt.Errorf("player %s: %w", name, err)
	}
	if poll > 0 {
		go p.pollPosition()
	}
	return p, nil
}

// Name returns the player's bus name.
func (p *Player) Name() string { return p.name }

// Info returns the current snapshot. Loop only.
func (p *Player) Info() PlayerInfo { return p.info }

// Close stops polling and releases the player's subscriptions and watch.
func (p *Player) Close() {
	p.closed.Store(true)
	p.cancel()
	p.root.Close()
	p.player.Close()
}

func (p *Player) Next(ctx context.Context) error      { return p.call(ctx, "Next") }
func (p *Player) Previous(ctx context.Context) error  { return p.call(ctx, "Previous") }
func (p *Player) Play(ctx context.Context) error      { return p.call(ctx, "Play") }
func (p *Player) Pause(ctx context.Context) error     { return p.call(ctx, "Pause") }
func (p *Player) PlayPause(ctx context.Context) error { return p.call(ctx, "PlayPause") }
func (p *Player) Stop(ctx context.Context) error      { return p.call(ctx, "Stop") }

// Seek moves the playback position by offset seconds.
func (p *Player) Seek(ctx context.Context, offset int64) error {
	return p.call(ctx, "Seek", offset*microsecond)
}

// SetPosition jumps to position seconds in the current track.
func (p *Player) SetPosition(ctx context.Context, position int64) error {
	p.trackMu.Lock()
	track := p.trackID
	p.trackMu.Unlock()
	if track == "" {
		return fmt.Errorf("player %s: no current track", p.name)
	}
	return p.call(ctx, "SetPosition", dbus.ObjectPath(track), position*microsecond)
}

func (p *Player) call(ctx context.Context, method string, args ...any) error {
	_, err := p.player.Call(ctx, method, args...)
	return err
}

func (p *Player) setTrackID(id string) {
	p.trackMu.Lock()
	p.trackID = id
	p.trackMu.Unlock()
}

func (p *Player) onPropertiesChanged(sig *dbus.Signal) {
	if p.closed.Load() || len(sig.Body) != 3 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	invalidated, _ := sig.Body[2].([]string)

	var props map[string]dbus.Variant
	switch iface {
	case RootInterface:
		props = p.rootProps
	case PlayerInterface:
		props = p.playerProps
	default:
		return
	}
	maps.Copy(props, changed)
	for _, name := range invalidated {
		delete(props, name)
	}
	if len(invalidated) > 0 {
		go p.refetch(iface)
	}
	p.apply()
}

// apply rebuilds the snapshot from the cached properties. Loop only.
func (p *Player) apply() {
	info := p.build()
	p.setTrackID(info.TrackID)

	source := info.ArtURL
	info.ArtURL = p.info.ArtURL
	if source != p.artSource {
		p.artSource = source
		info.ArtURL = ""
		if source != "" {
			go p.cacheArt(source)
		}
	}
	// Position is owned by the poller.
	info.Position = p.info.Position
	p.info = info
	p.changed(p, EventPlayerChanged)
}

// refetch reloads an interface's properties after some were invalidated.
func (p *Player) refetch(iface string) {
	proxy := p.player
	if iface == RootInterface {
		proxy = p.root
	}
	props, ok := proxy.GetAllProperties(p.ctx)
	if !ok {
		return
	}
	p.post(func() {
		if iface == RootInterface {
			p.rootProps = props
		} else {
			p.playerProps = props
		}
		p.apply()
	})
}

func (p *Player) cacheArt(source string) {
	local := p.fetchArt(p.ctx, source)
	p.post(func() {
		if p.artSource != source {
			return
		}
		p.info.ArtURL = local
		p.changed(p, EventPlayerChanged)
	})
}

func (p *Player) fetchArt(ctx context.Context, source string) string {
	if p.art == nil {
		return source
	}
	local, err := p.art.Fetch(ctx, source)
	if err != nil {
		slog.Debug("art cache failed", "player", p.name, "url", source, "error", err)
		return ""
	}
	return local
}

// pollPosition reads Position periodically because players do not emit
// PropertiesChanged for it.
func (p *Player) pollPosition() {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		v, ok := p.player.GetProperty(p.ctx, "Position")
		if !ok {
			continue
		}
		us, ok := asInt64(v.Value())
		if !ok {
			continue
		}
		pos := us / microsecond
		p.post(func() {
			if p.info.Position == pos {
				return
			}
			p.info.Position = pos
			p.changed(p, EventPositionChanged)
		})
	}
}

func (p *Player) onVanished() {
	if p.closed.Load() {
		return
	}
	p.gone = true
	p.vanished(p)
}

func (p *Player) post(fn func()) {
	p.player.Conn().Loop().Post(func() {
		if p.closed.Load() {
			return
		}
		fn()
	})
}

// build derives a snapshot from the cached properties. ArtURL holds the
// remote URL; callers replace it with the cached path.
func (p *Player) build() PlayerInfo {
	info := PlayerInfo{Name: p.name, Length: -1, Position: -1}
	str(p.rootProps, "Identity", &info.Identity)
	str(p.rootProps, "DesktopEntry", &info.DesktopEntry)

	pp := p.playerProps
	str(pp, "PlaybackStatus", &info.PlaybackStatus)
	str(pp, "LoopStatus", &info.LoopStatus)
	boolean(pp, "Shuffle", &info.Shuffle)
	boolean(pp, "CanControl", &info.CanControl)
	boolean(pp, "CanGoNext", &info.CanGoNext)
	boolean(pp, "CanGoPrevious", &info.CanGoPrevious)
	boolean(pp, "CanPlay", &info.CanPlay)
	boolean(pp, "CanPause", &info.CanPause)
	boolean(pp, "CanSeek", &info.CanSeek)
	if v, ok := pp["Volume"]; ok {
		info.Volume, _ = v.Value().(float64)
	}
	if v, ok := pp["Position"]; ok {
		if us, ok := asInt64(v.Value()); ok {
			info.Position = us / microsecond
		}
	}

	var md map[string]dbus.Variant
	if v, ok := pp["Metadata"]; ok {
		if err := v.Store(&md); err != nil {
			slog.Debug("ignoring malformed metadata", "player", p.name, "error", err)
		}
	}
	switch id := md["mpris:trackid"].Value().(type) {
	case dbus.ObjectPath:
		info.TrackID = string(id)
	case string:
		info.TrackID = id
	}
	if us, ok := asInt64(md["mpris:length"].Value()); ok {
		info.Length = us / microsecond
	}
	str(md, "xesam:title", &info.Title)
	str(md, "xesam:album", &info.Album)
	str(md, "xesam:url", &info.URL)
	str(md, "mpris:artUrl", &info.ArtURL)
	switch a := md["xesam:artist"].Value().(type) {
	case []string:
		info.Artist = strings.Join(a, ", ")
	case string:
		info.Artist = a
	}
	return info
}

func str(props map[string]dbus.Variant, name string, dst *string) {
	if v, ok := props[name]; ok {
		if s, ok := v.Value().(string); ok {
			*dst = s
		}
	}
}

func boolean(props map[string]dbus.Variant, name string, dst *bool) {
	if v, ok := props[name]; ok {
		if b, ok := v.Value().(bool); ok {
			*dst = b
		}
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}
