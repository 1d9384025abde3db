package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/linkfrg/lst/internal/mpris"
	"github.com/linkfrg/lst/internal/notifications"
	"github.com/linkfrg/lst/internal/recorder"
	"github.com/linkfrg/lst/internal/script"
)

var errDisabled = errors.New("service is disabled")

func (c *Controller) registerCommands() {
	for _, cmd := range []script.Command{
		{Name: "window", Usage: "NAME [VISIBLE]", Min: 1, Max: 2, Run: c.cmdWindow},
		{Name: "open", Usage: "NAME", Min: 1, Max: 1, Run: c.cmdOpen},
		{Name: "close", Usage: "NAME", Min: 1, Max: 1, Run: c.cmdClose},
		{Name: "toggle", Usage: "NAME", Min: 1, Max: 1, Run: c.cmdToggle},
		{Name: "notify", Usage: "SUMMARY [BODY]", Min: 1, Max: 2, Run: c.cmdNotify},
		{Name: "notification", Usage: "close|dismiss ID | action ID ACTION | clear", Min: 1, Max: 3, Run: c.cmdNotification},
		{Name: "dnd", Usage: "on|off|toggle", Min: 1, Max: 1, Run: c.cmdDND},
		{Name: "record", Usage: "start [FILE] | stop", Min: 1, Max: 2, Run: c.cmdRecord},
		{Name: "player", Usage: "NAME next|previous|play|pause|play-pause|stop", Min: 2, Max: 2, Run: c.cmdPlayer},
		{Name: "pin", Usage: "APP_ID", Min: 1, Max: 1, Run: c.cmdPin},
		{Name: "unpin", Usage: "APP_ID", Min: 1, Max: 1, Run: c.cmdUnpin},
		{Name: "log", Usage: "MESSAGE...", Min: 1, Max: -1, Run: c.cmdLog},
		{Name: "reload", Run: c.cmdReload},
		{Name: "quit", Run: c.cmdQuit},
	} {
		c.interp.Register(cmd)
	}
}

func (c *Controller) cmdWindow(ctx context.Context, args []string) error {
	visible := false
	if len(args) == 2 {
		v, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("visible: %w", err)
		}
		visible = v
	}
	return c.do(ctx, func() error {
		if !c.windows.Add(args[0], visible) {
			slog.Debug("window already declared", "name", args[0])
		}
		return nil
	})
}

func (c *Controller) cmdOpen(ctx context.Context, args []string) error {
	return c.loop.Call(ctx, func() { c.openWindow(args[0]) })
}

func (c *Controller) cmdClose(ctx context.Context, args []string) error {
	return c.loop.Call(ctx, func() { c.closeWindow(args[0]) })
}

func (c *Controller) cmdToggle(ctx context.Context, args []string) error {
	return c.loop.Call(ctx, func() { c.toggleWindow(args[0]) })
}

func (c *Controller) cmdNotify(ctx context.Context, args []string) error {
	n := notifications.Notification{
		AppName: "lst",
		Summary: args[0],
		Urgency: notifications.UrgencyNormal,
		Timeout: -1,
		Actions: []notifications.Action{},
	}
	if len(args) == 2 {
		n.Body = args[1]
	}
	return c.do(ctx, func() error {
		if c.notifications == nil {
			return fmt.Errorf("notify: %w", errDisabled)
		}
		c.notifications.Notify(n, 0)
		return nil
	})
}

func (c *Controller) cmdNotification(ctx context.Context, args []string) error {
	want := map[string]int{"close": 2, "dismiss": 2, "action": 3, "clear": 1}
	if n, ok := want[args[0]]; !ok || n != len(args) {
		return fmt.Errorf("%w: notification %s", script.ErrUsage, strings.Join(args, " "))
	}
	var id uint32
	if len(args) > 1 {
		v, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("notification id: %w", err)
		}
		id = uint32(v)
	}
	return c.do(ctx, func() error {
		if c.notifications == nil {
			return fmt.Errorf("notification: %w", errDisabled)
		}
		switch args[0] {
		case "close":
			if !c.notifications.Remove(id) {
				return fmt.Errorf("no notification %d", id)
			}
		case "dismiss":
			c.notifications.Dismiss(id)
		case "action":
			return c.notifications.InvokeAction(id, args[2])
		case "clear":
			c.notifications.ClearAll()
		}
		return nil
	})
}

func (c *Controller) cmdDND(ctx context.Context, args []string) error {
	return c.do(ctx, func() error {
		if c.notifications == nil {
			return fmt.Errorf("dnd: %w", errDisabled)
		}
		switch args[0] {
		case "on":
			c.notifications.SetDND(true)
		case "off":
			c.notifications.SetDND(false)
		case "toggle":
			c.notifications.ToggleDND()
		default:
			return fmt.Errorf("%w: dnd %s", script.ErrUsage, args[0])
		}
		return nil
	})
}

func (c *Controller) cmdRecord(ctx context.Context, args []string) error {
	cfg := c.cfg.Services.Recorder
	return c.do(ctx, func() error {
		if c.recorder == nil {
			return fmt.Errorf("record: %w", errDisabled)
		}
		switch args[0] {
		case "start":
			opts := recorder.Options{Bitrate: cfg.Bitrate, Audio: cfg.Audio}
			if len(args) == 2 {
				opts.File = args[1]
			}
			return c.recorder.Start(opts)
		case "stop":
			if len(args) != 1 {
				return fmt.Errorf("%w: record stop", script.ErrUsage)
			}
			c.recorder.Stop()
			return nil
		}
		return fmt.Errorf("%w: record %s", script.ErrUsage, args[0])
	})
}

func (c *Controller) cmdPlayer(ctx context.Context, args []string) error {
	name := args[0]
	if !strings.HasPrefix(name, mpris.NamePrefix) {
		name = mpris.NamePrefix + name
	}

	var p *mpris.Player
	err := c.do(ctx, func() error {
		if c.players == nil {
			return fmt.Errorf("player: %w", errDisabled)
		}
		found, ok := c.players.Player(name)
		if !ok {
			return fmt.Errorf("player %s not found", name)
		}
		p = found
		return nil
	})
	if err != nil {
		return err
	}

	// Control calls block on the player, so they stay off the loop.
	switch args[1] {
	case "next":
		return p.Next(ctx)
	case "previous":
		return p.Previous(ctx)
	case "play":
		return p.Play(ctx)
	case "pause":
		return p.Pause(ctx)
	case "play-pause":
		return p.PlayPause(ctx)
	case "stop":
		return p.Stop(ctx)
	}
	return fmt.Errorf("%w: player %s %s", script.ErrUsage, args[0], args[1])
}

func (c *Controller) cmdPin(ctx context.Context, args []string) error {
	return c.do(ctx, func() error {
		if c.pinned == nil {
			return fmt.Errorf("pin: %w", errDisabled)
		}
		return c.pinned.Pin(args[0])
	})
}

func (c *Controller) cmdUnpin(ctx context.Context, args []string) error {
	return c.do(ctx, func() error {
		if c.pinned == nil {
			return fmt.Errorf("unpin: %w", errDisabled)
		}
		return c.pinned.Unpin(args[0])
	})
}

func (c *Controller) cmdLog(_ context.Context, args []string) error {
	slog.Info(strings.Join(args, " "), "source", "script")
	return nil
}

func (c *Controller) cmdReload(context.Context, []string) error {
	c.loop.Post(c.restart)
	return nil
}

func (c *Controller) cmdQuit(context.Context, []string) error {
	c.loop.Post(c.quit)
	return nil
}
