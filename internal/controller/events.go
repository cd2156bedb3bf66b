package controller

import (
	"context"
	"strings"

	"github.com/basket/starry/internal/bus"
	"github.com/basket/starry/internal/config"
	"github.com/basket/starry/internal/gateway"
	"github.com/basket/starry/internal/transcript"
)

// Run forwards bus events to attached surfaces until ctx is done. Bursts of
// state changes collapse into one snapshot.
func (c *Controller) Run(ctx context.Context) error {
	sub := c.bus.Subscribe("")
	defer c.bus.Unsubscribe(sub)

	var seenDropped int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			stateDirty := c.forward(ctx, ev)
			// Drain what is already queued before paying for a snapshot.
		drain:
			for {
				select {
				case more, ok := <-sub.Ch():
					if !ok {
						break drain
					}
					stateDirty = c.forward(ctx, more) || stateDirty
				default:
					break drain
				}
			}
			// Evicted events may have been state changes.
			if d := sub.Dropped(); d != seenDropped {
				c.logger.Warn("ui events dropped", "count", d-seenDropped)
				seenDropped = d
				stateDirty = true
			}
			if stateDirty {
				c.PostState(ctx)
			}
		}
	}
}

// forward pushes ev when it maps to a push and reports whether it invalidates
// the state snapshot.
func (c *Controller) forward(ctx context.Context, ev bus.Event) bool {
	switch ev.Topic {
	case bus.TopicTaskStateChanged, bus.TopicTaskDeleted, bus.TopicConfigReloaded:
		return true

	case bus.TopicTaskPartial:
		p, ok := ev.Payload.(bus.TaskPartialEvent)
		if !ok || p.TaskID != c.manager.CurrentID() {
			return false
		}
		c.pusher.Broadcast(gateway.Push{
			Type:           gateway.PushPartialMessage,
			PartialMessage: transcript.UIEvent{TS: p.TS, Type: "say", Say: "text", Text: p.Text, Partial: true},
		})
		return false

	case bus.TopicCatalogUpdated:
		models, _ := c.catalog.ReadCached()
		c.pusher.Broadcast(gateway.Push{Type: gateway.PushOpenRouterModels, OpenRouterModels: orEmpty(models)})
		return false

	case bus.TopicThemeChanged:
		if p, ok := ev.Payload.(bus.ThemeChangedEvent); ok && len(p.Theme) > 0 {
			c.pusher.Broadcast(gateway.Push{Type: gateway.PushTheme, Theme: p.Theme})
		}
		return false
	}
	if strings.HasPrefix(ev.Topic, "task.") {
		c.logger.Debug("task event", "topic", ev.Topic)
	}
	return false
}

// HandleReload reacts to a change of a watched file in the home directory.
func (c *Controller) HandleReload(ev config.ReloadEvent) {
	switch ev.Kind {
	case config.ReloadTheme:
		theme, err := config.LoadTheme(c.homeDir)
		if err != nil {
			c.logger.Warn("theme reload failed", "path", ev.Path, "error", err)
			return
		}
		if theme == nil {
			return
		}
		c.bus.Publish(bus.TopicThemeChanged, bus.ThemeChangedEvent{Theme: theme})
	case config.ReloadConfig:
		c.logger.Info("config file changed", "path", ev.Path)
		c.bus.Publish(bus.TopicConfigReloaded, nil)
	}
}
