package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/starry/internal/config"
	otelx "github.com/basket/starry/internal/otel"
	"github.com/basket/starry/internal/shared"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
	maxIntentBytes      = 16 << 20
)

// IntentHandler processes one validated intent. Intents from one attachment
// are handled in arrival order.
type IntentHandler func(ctx context.Context, clientID string, in Intent)

// AttachHandler runs after a presentation surface attaches.
type AttachHandler func(ctx context.Context, clientID string)

type Config struct {
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	RateLimit config.RateLimitConfig

	// QueueSize bounds each attachment's outbound queue. Zero means 256.
	QueueSize int

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	// Healthy reports whether the state store is usable. Nil means healthy.
	Healthy func(ctx context.Context) error

	Tracer  trace.Tracer
	Metrics *otelx.Metrics
	Logger  *slog.Logger
}

// Server is the UI synchronization channel: one websocket per attached
// presentation surface, each with its own FIFO outbound queue.
type Server struct {
	cfg       Config
	validator *IntentValidator
	limiter   *IntentLimiter
	logger    *slog.Logger

	mu       sync.RWMutex
	clients  map[string]*client
	onIntent IntentHandler
	onAttach AttachHandler
}

type client struct {
	id    string
	conn  *websocket.Conn
	queue chan Push
	// done closes when the attachment goes away; pushes after that are dropped.
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Server. The intent schema is compiled here.
func New(cfg Config) (*Server, error) {
	v, err := NewIntentValidator()
	if err != nil {
		return nil, err
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelx.TracerName)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = otelx.Discard()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		validator: v,
		limiter:   NewIntentLimiter(cfg.RateLimit),
		logger:    cfg.Logger,
		clients:   map[string]*client{},
	}, nil
}

// OnIntent registers the intent handler. It must be set before serving.
func (s *Server) OnIntent(h IntentHandler) {
	s.mu.Lock()
	s.onIntent = h
	s.mu.Unlock()
}

// OnAttach registers the attach handler.
func (s *Server) OnAttach(h AttachHandler) {
	s.mu.Lock()
	s.onAttach = h
	s.mu.Unlock()
}

// Limiter exposes the intent limiter so the daemon can run its eviction loop.
func (s *Server) Limiter() *IntentLimiter { return s.limiter }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	auth := NewAuthMiddleware(s.cfg.AuthToken)
	return NewCORSMiddleware(s.cfg.AllowOrigins)(auth.Wrap(mux))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := true
	var detail string
	if s.cfg.Healthy != nil {
		if err := s.cfg.Healthy(r.Context()); err != nil {
			healthy = false
			detail = shared.UserMessage(err)
		}
	}
	payload := map[string]any{
		"healthy":            healthy,
		"clients":            s.ClientCount(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if detail != "" {
		payload["error"] = detail
	}
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(maxIntentBytes)

	c := &client{
		id:    uuid.NewString(),
		conn:  conn,
		queue: make(chan Push, s.cfg.QueueSize),
		done:  make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(r.Context())
	ctx = shared.WithClientID(ctx, c.id)
	logger := s.logger.With("client_id", c.id)

	s.addClient(c)
	logger.Info("ws: client attached")
	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		s.writeLoop(ctx, c, logger)
	}()
	defer func() {
		s.removeClient(c)
		cancel()
		writer.Wait()
		logger.Info("ws: client detached")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	s.mu.RLock()
	onAttach := s.onAttach
	s.mu.RUnlock()
	if onAttach != nil {
		onAttach(ctx, c.id)
	}

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				logger.Debug("ws: read ended", "error", err)
			}
			return
		}
		s.dispatch(ctx, c, raw, logger)
	}
}

// dispatch validates, rate-limits and hands one frame to the intent handler.
func (s *Server) dispatch(ctx context.Context, c *client, raw []byte, logger *slog.Logger) {
	in, err := s.validator.Decode(raw)
	if err != nil {
		logger.Warn("ws: rejected intent", "error", err)
		s.SendTo(c.id, ErrorPush(err.Error()))
		return
	}
	if !s.limiter.Allow(c.id) {
		s.cfg.Metrics.RateLimitRejects.Add(ctx, 1)
		logger.Warn("ws: intent rate limited", "intent", in.Type)
		s.SendTo(c.id, ErrorPush("rate limit exceeded, slow down"))
		return
	}
	s.cfg.Metrics.Intents.Add(ctx, 1, metric.WithAttributes(otelx.AttrIntent.String(in.Type)))

	s.mu.RLock()
	h := s.onIntent
	s.mu.RUnlock()
	if h == nil {
		return
	}
	ictx := shared.WithTraceID(ctx, shared.NewTraceID())
	ictx, span := otelx.StartServerSpan(ictx, s.cfg.Tracer, "intent."+in.Type,
		otelx.AttrIntent.String(in.Type),
		otelx.AttrClientID.String(c.id),
	)
	defer span.End()
	defer func() {
		if rec := recover(); rec != nil {
			span.SetStatus(codes.Error, "panic")
			logger.Error("ws: intent handler panic", "intent", in.Type, "panic", rec)
			s.SendTo(c.id, ErrorPush("internal error"))
		}
	}()
	logger.Debug("ws: intent", "intent", in.Type, "trace_id", shared.TraceID(ictx))
	h(ictx, c.id, in)
}

// writeLoop drains the client's queue in order.
func (s *Server) writeLoop(ctx context.Context, c *client, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.queue:
			wctx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := wsjson.Write(wctx, c.conn, p)
			cancel()
			if err != nil {
				logger.Debug("ws: write failed", "push", p.Type, "error", err)
				return
			}
		}
	}
}

// SendTo queues p for one attachment. It never blocks: an unknown client or a
// full queue drops the push and reports false.
func (s *Server) SendTo(clientID string, p Push) bool {
	s.mu.RLock()
	c := s.clients[clientID]
	s.mu.RUnlock()
	if c == nil {
		return false
	}
	return s.enqueue(c, p)
}

// Broadcast queues p for every attachment and returns how many accepted it.
func (s *Server) Broadcast(p Push) int {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.RUnlock()
	n := 0
	for _, c := range targets {
		if s.enqueue(c, p) {
			n++
		}
	}
	return n
}

func (s *Server) enqueue(c *client, p Push) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- p:
		return true
	default:
		s.cfg.Metrics.PushDropped.Add(context.Background(), 1)
		s.logger.Warn("ws: push dropped, queue full", "client_id", c.id, "push", p.Type)
		return false
	}
}

// ClientCount returns the number of attached presentation surfaces.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	s.limiter.Forget(c.id)
}
