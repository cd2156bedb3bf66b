// Package controller connects the UI synchronization channel to the task
// session manager: it turns intents into manager calls and state changes into
// pushes.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/starry/internal/bus"
	"github.com/basket/starry/internal/catalog"
	"github.com/basket/starry/internal/config"
	"github.com/basket/starry/internal/engine"
	"github.com/basket/starry/internal/gateway"
	"github.com/basket/starry/internal/persistence"
	"github.com/basket/starry/internal/policy"
	"github.com/basket/starry/internal/shared"
)

// Pusher delivers pushes to attached presentation surfaces. gateway.Server
// implements it.
type Pusher interface {
	SendTo(clientID string, p gateway.Push) bool
	Broadcast(p gateway.Push) int
}

type Options struct {
	Store   *persistence.Store
	Catalog *catalog.Cache
	Manager *engine.Manager
	Pusher  Pusher
	Bus     *bus.Bus

	HomeDir        string
	AnnouncementID string
	Version        string
	Logger         *slog.Logger
}

type Controller struct {
	store          *persistence.Store
	catalog        *catalog.Cache
	manager        *engine.Manager
	pusher         Pusher
	bus            *bus.Bus
	homeDir        string
	announcementID string
	version        string
	logger         *slog.Logger

	// bg tracks background catalog work started by intents.
	bg sync.WaitGroup
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	announcement := opts.AnnouncementID
	if announcement == "" {
		announcement = config.DefaultAnnouncementID
	}
	return &Controller{
		store:          opts.Store,
		catalog:        opts.Catalog,
		manager:        opts.Manager,
		pusher:         opts.Pusher,
		bus:            opts.Bus,
		homeDir:        opts.HomeDir,
		announcementID: announcement,
		version:        opts.Version,
		logger:         logger,
	}
}

// Wait blocks until background catalog work has finished.
func (c *Controller) Wait() { c.bg.Wait() }

// Attach sends a fresh snapshot to a newly attached surface. Nothing is
// replayed: the snapshot is the whole state.
func (c *Controller) Attach(ctx context.Context, clientID string) {
	c.sendState(ctx, clientID)
	c.pusher.SendTo(clientID, gateway.Push{Type: gateway.PushAction, Action: gateway.ActionDidBecomeVisible})
}

// HandleIntent runs one intent. Failures are reported to the sending client as
// an error push; they never end the session.
func (c *Controller) HandleIntent(ctx context.Context, clientID string, in gateway.Intent) {
	logger := c.logger.With(shared.LogAttrs(ctx)...).With("intent", in.Type)
	if err := c.handle(ctx, clientID, in); err != nil {
		logger.Warn("intent failed", "error", shared.Redact(err.Error()))
		c.pusher.SendTo(clientID, gateway.ErrorPush(userMessage(err)))
		return
	}
	logger.Debug("intent handled")
}

func (c *Controller) handle(ctx context.Context, clientID string, in gateway.Intent) error {
	switch in.Type {
	case gateway.IntentWebviewDidLaunch:
		c.sendState(ctx, clientID)
		c.sendTheme(clientID)
		if models, ok := c.catalog.ReadCached(); ok {
			c.pusher.SendTo(clientID, gateway.Push{Type: gateway.PushOpenRouterModels, OpenRouterModels: models})
		}
		c.refreshInBackground(ctx)
		return nil

	case gateway.IntentNewTask:
		if _, err := c.manager.StartNew(ctx, in.Text, in.Images); err != nil {
			return err
		}
		c.PostState(ctx)
		return nil

	case gateway.IntentAPIConfiguration:
		current, err := c.store.LoadProviderSettings(ctx)
		if err != nil {
			return err
		}
		s, err := config.MergeSettings(current, in.APIConfiguration)
		if err != nil {
			return err
		}
		s = c.withModelInfo(s)
		err = c.manager.UpdateSettings(ctx, s)
		c.PostState(ctx)
		return err

	case gateway.IntentAutoApprovalSettings:
		var p policy.AutoApproval
		if err := json.Unmarshal(in.AutoApprovalSettings, &p); err != nil {
			return fmt.Errorf("%w: auto-approval settings: %w", shared.ErrInvalidConfiguration, err)
		}
		if err := c.manager.UpdatePolicy(ctx, p); err != nil {
			return err
		}
		c.PostState(ctx)
		return nil

	case gateway.IntentCustomInstructions:
		if err := c.manager.UpdateCustomInstructions(ctx, in.Text); err != nil {
			return err
		}
		c.PostState(ctx)
		return nil

	case gateway.IntentAskResponse:
		reply := engine.AskReply{Kind: engine.AskResponseKind(in.AskResponse), Text: in.Text, Images: in.Images}
		if !c.manager.RespondToAsk(reply) {
			c.logger.Debug("ask response with nothing pending", "client_id", clientID)
		}
		return nil

	case gateway.IntentClearTask:
		c.manager.Clear()
		c.PostState(ctx)
		return nil

	case gateway.IntentCancelTask:
		err := c.manager.CancelCurrent(ctx)
		c.PostState(ctx)
		return err

	case gateway.IntentShowTaskWithID:
		if in.Text != c.manager.CurrentID() {
			if _, err := c.manager.ResumeFromHistory(ctx, in.Text); err != nil {
				c.PostState(ctx)
				return err
			}
		}
		c.PostState(ctx)
		c.pusher.Broadcast(gateway.Push{Type: gateway.PushAction, Action: gateway.ActionChatButtonClicked})
		return nil

	case gateway.IntentDeleteTaskWithID:
		err := c.manager.DeleteTask(ctx, in.Text)
		c.bus.Publish(bus.TopicTaskDeleted, bus.TaskLifecycleEvent{TaskID: in.Text, Reason: "user"})
		c.PostState(ctx)
		return err

	case gateway.IntentResetState:
		return c.resetState(ctx)

	case gateway.IntentDidShowAnnouncement:
		if err := c.store.Set(ctx, persistence.Global, persistence.KeyLastShownAnnouncementID, c.announcementID); err != nil {
			return err
		}
		c.PostState(ctx)
		return nil

	case gateway.IntentRefreshOpenRouter:
		// Success is pushed to everyone through catalog.updated; on failure
		// the requester gets the cached mapping.
		if _, err := c.catalog.TryRefresh(ctx); err != nil {
			c.logger.Warn("catalog refresh failed", "error", err)
			models, _ := c.catalog.ReadCached()
			c.pusher.SendTo(clientID, gateway.Push{Type: gateway.PushOpenRouterModels, OpenRouterModels: orEmpty(models)})
		}
		return nil

	case gateway.IntentRequestOllamaModels:
		models := catalog.ListOllamaModels(ctx, in.Text)
		c.pusher.SendTo(clientID, gateway.Push{Type: gateway.PushOllamaModels, OllamaModels: models})
		return nil

	case gateway.IntentRequestLMStudioModels:
		models := catalog.ListLMStudioModels(ctx, in.Text)
		c.pusher.SendTo(clientID, gateway.Push{Type: gateway.PushLMStudioModels, LMStudioModels: models})
		return nil
	}
	return fmt.Errorf("unsupported intent %q", in.Type)
}

// resetState clears the task, every global setting and every secret, then
// sends the surface back to the chat view.
func (c *Controller) resetState(ctx context.Context) error {
	c.manager.Clear()
	if err := c.store.Reset(ctx); err != nil {
		return err
	}
	c.manager.Policy().Update(policy.Default())
	c.logger.Info("state reset")
	c.PostState(ctx)
	c.pusher.Broadcast(gateway.Push{Type: gateway.PushAction, Action: gateway.ActionChatButtonClicked})
	return nil
}

// PostState broadcasts a fresh snapshot to every attached surface.
func (c *Controller) PostState(ctx context.Context) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		c.logger.Error("build snapshot failed", "error", err)
		c.pusher.Broadcast(gateway.ErrorPush(userMessage(err)))
		return
	}
	c.pusher.Broadcast(gateway.Push{Type: gateway.PushState, State: snap})
}

func (c *Controller) sendState(ctx context.Context, clientID string) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		c.logger.Error("build snapshot failed", "error", err)
		c.pusher.SendTo(clientID, gateway.ErrorPush(userMessage(err)))
		return
	}
	c.pusher.SendTo(clientID, gateway.Push{Type: gateway.PushState, State: snap})
}

func (c *Controller) sendTheme(clientID string) {
	if c.homeDir == "" {
		return
	}
	theme, err := config.LoadTheme(c.homeDir)
	if err != nil {
		c.logger.Warn("theme unreadable", "error", err)
		return
	}
	if theme != nil {
		c.pusher.SendTo(clientID, gateway.Push{Type: gateway.PushTheme, Theme: theme})
	}
}

// refreshInBackground refreshes the catalog without blocking the intent and
// then refreshes the stored info of the selected OpenRouter model.
func (c *Controller) refreshInBackground(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		c.catalog.Refresh(ctx)
		settings, err := c.store.LoadProviderSettings(ctx)
		if err != nil || settings.OpenRouterModelID == "" {
			return
		}
		updated := c.withModelInfo(settings)
		if updated.OpenRouterModelInfo == nil {
			return
		}
		if err := c.store.SaveProviderSettings(ctx, updated); err != nil {
			c.logger.Warn("store model info failed", "error", err)
			return
		}
		c.PostState(ctx)
	}()
}

// withModelInfo fills openRouterModelInfo from the catalog for the selected
// OpenRouter model.
func (c *Controller) withModelInfo(s config.ProviderSettings) config.ProviderSettings {
	if s.OpenRouterModelID == "" {
		return s
	}
	d, ok := c.catalog.Lookup(s.OpenRouterModelID)
	if !ok {
		return s
	}
	info, err := descriptorMap(d)
	if err != nil {
		c.logger.Warn("encode model info failed", "model", s.OpenRouterModelID, "error", err)
		return s
	}
	s.OpenRouterModelInfo = info
	return s
}

func descriptorMap(d catalog.ModelDescriptor) (map[string]any, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func orEmpty(m catalog.Models) catalog.Models {
	if m == nil {
		return catalog.Models{}
	}
	return m
}

// userMessage maps an error to the text shown in an error push.
func userMessage(err error) string {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		return "Task not found. It may have been deleted. " + shared.UserMessage(err)
	case errors.Is(err, shared.ErrStorageUnavailable):
		return "Storage is unavailable: " + shared.UserMessage(err)
	default:
		return shared.UserMessage(err)
	}
}
