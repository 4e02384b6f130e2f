// Package ws implements the WebSocket server for stream ingestion.
// Clients open a run on a thread, forward the server-sent events of an agent
// run, and receive merged message snapshots. Ending a run persists the merged
// conversation to the message store.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jkaninda/threadvault/internal/chat"
	"github.com/jkaninda/threadvault/internal/config"
	"github.com/jkaninda/threadvault/internal/observability"
	"github.com/jkaninda/threadvault/internal/protocol"
	"github.com/jkaninda/threadvault/internal/stream"
)

// Server is the WebSocket server that manages ingestion sessions.
type Server struct {
	sync    *chat.Sync[stream.Message, stream.Message]
	runs    *RunTracker
	cfg     *config.WebSocketGatewayConfig
	metrics *observability.MetricsCollector
	logger  *slog.Logger
}

// session is the per-connection state. At most one run is open at a time.
type session struct {
	id        string
	runID     string
	threadID  string
	processor *stream.Processor
}

// NewServer creates a WebSocket server persisting through registry.
// Metrics may be nil. A nil logger discards output.
func NewServer(registry *chat.Registry, cfg *config.WebSocketGatewayConfig, metrics *observability.MetricsCollector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		runs:    NewRunTracker(logger),
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
	s.sync = chat.NewSync(registry, stream.Adapter(), stream.Message.Role,
		chat.WithLogger(logger),
		chat.OnError(func(threadID, _ string, _ error) { s.runs.RecordAppendFailure(threadID) }),
	)
	return s
}

// Runs returns the run tracker of this server.
func (s *Server) Runs() *RunTracker {
	return s.runs
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg != nil && s.cfg.Token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit())

	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	sess := &session{id: uuid.New().String()}
	logger := s.logger.With(slog.String("session_id", sess.id))

	if s.metrics != nil {
		s.metrics.StreamSessionsActive.Inc()
	}
	defer func() {
		if sess.runID != "" {
			s.runs.MarkAbandoned(sess.runID)
			logger.Warn("run abandoned", slog.String("run_id", sess.runID), slog.String("thread_id", sess.threadID))
		}
		if s.metrics != nil {
			s.metrics.StreamSessionsActive.Dec()
		}
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx, conn, logger)

	logger.Info("stream session opened")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				logger.Info("stream session closed normally")
			} else {
				logger.Warn("stream connection error", slog.String("error", err.Error()))
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("invalid message from client", slog.String("error", err.Error()))
			s.sendError(ctx, conn, sess, protocol.CodeBadRequest, "invalid envelope: "+err.Error())
			continue
		}

		if err := s.handleMessage(ctx, conn, sess, &env); err != nil {
			logger.Warn("writing to client failed", slog.String("error", err.Error()))
			return
		}
	}
}

// handleMessage dispatches one client envelope. The returned error is a
// write failure; protocol errors are reported to the client.
func (s *Server) handleMessage(ctx context.Context, conn *websocket.Conn, sess *session, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.MsgRunStart:
		return s.handleRunStart(ctx, conn, sess, env)
	case protocol.MsgStreamEvent:
		return s.handleStreamEvent(ctx, conn, sess, env)
	case protocol.MsgRunEnd:
		return s.handleRunEnd(ctx, conn, sess, env)
	case protocol.MsgPing:
		pong, _ := protocol.NewEnvelope(protocol.MsgPong, nil)
		pong.ThreadID = sess.threadID
		pong.RunID = sess.runID
		return s.writeEnvelope(ctx, conn, pong)
	default:
		return s.sendError(ctx, conn, sess, protocol.CodeBadRequest, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (s *Server) handleRunStart(ctx context.Context, conn *websocket.Conn, sess *session, env *protocol.Envelope) error {
	if sess.runID != "" {
		return s.sendError(ctx, conn, sess, protocol.CodeRunActive, "a run is already open on this connection")
	}
	var p protocol.RunStartPayload
	if err := env.Decode(&p); err != nil {
		return s.sendError(ctx, conn, sess, protocol.CodeBadRequest, "invalid run.start payload: "+err.Error())
	}
	if p.ThreadID == "" {
		p.ThreadID = env.ThreadID
	}
	if p.ThreadID == "" {
		return s.sendError(ctx, conn, sess, protocol.CodeBadRequest, "thread_id is required")
	}

	runID, err := s.runs.Start(p.ThreadID, sess.id)
	if err != nil {
		return s.sendError(ctx, conn, sess, protocol.CodeRunActive, fmt.Sprintf("thread %s: %v", p.ThreadID, err))
	}

	history, err := s.sync.LoadMessages(ctx, p.ThreadID)
	if err != nil {
		s.runs.MarkFailed(runID, err.Error())
		s.logger.Error("loading thread history failed",
			slog.String("thread_id", p.ThreadID),
			slog.String("error", err.Error()),
		)
		return s.sendError(ctx, conn, sess, protocol.CodeLoadFailed, err.Error())
	}

	sess.runID = runID
	sess.threadID = p.ThreadID
	sess.processor = stream.NewProcessor(stream.Handlers{}, history...)

	s.logger.Info("run started",
		slog.String("session_id", sess.id),
		slog.String("run_id", runID),
		slog.String("thread_id", p.ThreadID),
		slog.Int("history", len(history)),
	)

	resp, _ := protocol.NewEnvelope(protocol.MsgRunStarted, protocol.RunStartedPayload{
		ThreadID:     p.ThreadID,
		RunID:        runID,
		HistoryCount: len(history),
	})
	resp.ThreadID = p.ThreadID
	resp.RunID = runID
	return s.writeEnvelope(ctx, conn, resp)
}

func (s *Server) handleStreamEvent(ctx context.Context, conn *websocket.Conn, sess *session, env *protocol.Envelope) error {
	if sess.runID == "" {
		return s.sendError(ctx, conn, sess, protocol.CodeNoRun, "stream.event before run.start")
	}
	var p protocol.StreamEventPayload
	if err := env.Decode(&p); err != nil {
		s.recordEvent("", "malformed")
		return s.sendError(ctx, conn, sess, protocol.CodeBadRequest, "invalid stream.event payload: "+err.Error())
	}

	msgs, err := sess.processor.Process(stream.Event{Event: p.Event, Data: p.Data})
	var streamErr *stream.StreamError
	switch {
	case errors.As(err, &streamErr):
		s.recordEvent(p.Event, "error")
		s.runs.MarkEvent(sess.runID)
		if werr := s.sendSnapshot(ctx, conn, sess, msgs); werr != nil {
			return werr
		}
		return s.sendError(ctx, conn, sess, protocol.CodeStreamError, streamErr.Error())
	case err != nil:
		s.recordEvent(p.Event, "malformed")
		return s.sendError(ctx, conn, sess, protocol.CodeBadRequest, err.Error())
	}

	s.recordEvent(p.Event, "ok")
	s.runs.MarkEvent(sess.runID)
	return s.sendSnapshot(ctx, conn, sess, msgs)
}

func (s *Server) handleRunEnd(ctx context.Context, conn *websocket.Conn, sess *session, env *protocol.Envelope) error {
	if sess.runID == "" {
		return s.sendError(ctx, conn, sess, protocol.CodeNoRun, "run.end before run.start")
	}
	var p protocol.RunEndPayload
	if len(env.Payload) > 0 {
		if err := env.Decode(&p); err != nil {
			return s.sendError(ctx, conn, sess, protocol.CodeBadRequest, "invalid run.end payload: "+err.Error())
		}
	}

	runID, threadID := sess.runID, sess.threadID
	msgs := sess.processor.Messages()
	sess.runID, sess.threadID, sess.processor = "", "", nil
	s.runs.MarkPersisting(runID)

	persistCtx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout())
	defer cancel()

	count, err := s.sync.Persist(persistCtx, threadID, msgs, chat.PersistOptions{
		Roles:  p.Roles,
		Strict: p.Strict,
	})
	if s.metrics != nil {
		s.metrics.MessagesPersisted.Add(float64(count))
	}
	if err != nil {
		s.runs.MarkFailed(runID, err.Error())
		s.recordRun("error")
		s.logger.Error("persisting run failed",
			slog.String("run_id", runID),
			slog.String("thread_id", threadID),
			slog.Int("persisted", count),
			slog.String("error", err.Error()),
		)
		errEnv, _ := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{
			Code:    protocol.CodePersistFailed,
			Message: err.Error(),
		})
		errEnv.ThreadID = threadID
		errEnv.RunID = runID
		return s.writeEnvelope(ctx, conn, errEnv)
	}

	run, _ := s.runs.MarkPersisted(runID, count)
	status := "ok"
	if run.Failed > 0 {
		status = "partial"
	}
	s.recordRun(status)

	s.logger.Info("run persisted",
		slog.String("run_id", runID),
		slog.String("thread_id", threadID),
		slog.Int("persisted", count),
		slog.Int("failed", run.Failed),
	)

	resp, _ := protocol.NewEnvelope(protocol.MsgRunPersisted, protocol.RunPersistedPayload{
		Count:  count,
		Failed: run.Failed,
	})
	resp.ThreadID = threadID
	resp.RunID = runID
	return s.writeEnvelope(ctx, conn, resp)
}

func (s *Server) sendSnapshot(ctx context.Context, conn *websocket.Conn, sess *session, msgs []stream.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return s.sendError(ctx, conn, sess, protocol.CodeBadRequest, "encoding snapshot: "+err.Error())
	}
	env, _ := protocol.NewEnvelope(protocol.MsgRunSnapshot, protocol.SnapshotPayload{Messages: data})
	env.ThreadID = sess.threadID
	env.RunID = sess.runID
	return s.writeEnvelope(ctx, conn, env)
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, sess *session, code, msg string) error {
	env, _ := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg})
	env.ThreadID = sess.threadID
	env.RunID = sess.runID
	return s.writeEnvelope(ctx, conn, env)
}

func (s *Server) recordEvent(event, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.StreamEventsTotal.WithLabelValues(eventLabel(event), status).Inc()
}

func (s *Server) recordRun(status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RunsPersistedTotal.WithLabelValues(status).Inc()
}

// eventLabel bounds the event label to the known event names.
func eventLabel(event string) string {
	switch event {
	case stream.EventMessages, stream.EventMessagesPartial, stream.EventMessagesComplete,
		stream.EventValues, stream.EventUpdates, stream.EventMetadata, stream.EventInfo, stream.EventError:
		return event
	case "":
		return "unknown"
	default:
		return "custom"
	}
}

func (s *Server) pingLoop(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingInterval())
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Debug("keepalive ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
