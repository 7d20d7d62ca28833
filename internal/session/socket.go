package session

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jukasdrj/bookstrack-backend/internal/metrics"
)

const (
	// outboundCap bounds the per-Session outbound queue. On overflow,
	// keep-alives are shed first, then adjacent progress messages are
	// coalesced. Terminal messages are never dropped.
	outboundCap = 256

	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	keepAliveInterval = 25 * time.Second
	maxInboundBytes   = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS middleware in front.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// UpgradeError reports a rejected socket upgrade with the HTTP status the
// handler should answer with.
type UpgradeError struct {
	Status  int
	Code    string
	Message string
}

func (e *UpgradeError) Error() string {
	return fmt.Sprintf("upgrade rejected (%d %s): %s", e.Status, e.Code, e.Message)
}

// ReadyResult is the outcome of WaitForReady.
type ReadyResult int

const (
	ReadyOK ReadyResult = iota
	ReadyTimedOut
	ReadyDisconnected
)

// UpgradeSocket validates the upgrade request and the presented token, then
// accepts the socket and starts its pumps. A second concurrent upgrade for
// the same job is rejected.
func (s *Session) UpgradeSocket(w http.ResponseWriter, r *http.Request) error {
	if !websocket.IsWebSocketUpgrade(r) {
		return &UpgradeError{Status: http.StatusUpgradeRequired, Code: "upgrade_required", Message: "websocket upgrade required"}
	}

	token := r.URL.Query().Get("token")
	if err := s.ValidateToken(token); err != nil {
		code := "unauthorized"
		if err == ErrTokenExpired {
			code = "token_expired"
		}
		return &UpgradeError{Status: http.StatusUnauthorized, Code: code, Message: "invalid auth token"}
	}

	s.mu.Lock()
	if s.conn != nil || s.sockPending {
		s.mu.Unlock()
		return &UpgradeError{Status: http.StatusConflict, Code: "socket_in_use", Message: "job already has a connected client"}
	}
	s.sockPending = true
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.mu.Lock()
		s.sockPending = false
		s.mu.Unlock()
		return fmt.Errorf("upgrade socket: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.sockPending = false
	s.sockDown = make(chan struct{})
	down := s.sockDown
	s.mu.Unlock()

	go s.readPump(conn, down)
	go s.writePump(conn, down)
	s.wakeWriter()

	s.log.Info("websocket attached")
	return nil
}

// WaitForReady blocks until the client sends ready, the socket drops, or
// the timeout fires.
func (s *Session) WaitForReady(timeout time.Duration) ReadyResult {
	s.mu.Lock()
	ready := s.readyCh
	down := s.sockDown
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if down == nil {
		select {
		case <-ready:
			return ReadyOK
		case <-timer.C:
			return ReadyTimedOut
		}
	}
	select {
	case <-ready:
		return ReadyOK
	case <-down:
		return ReadyDisconnected
	case <-timer.C:
		return ReadyTimedOut
	}
}

// SendStarted enqueues a job_started message.
func (s *Session) SendStarted(payload StartedPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalSent {
		s.protocolViolationLocked(TypeJobStarted)
		return
	}
	s.enqueueLocked(TypeJobStarted, payload)
}

// SendProgress enqueues a job_progress message. Progress sent after the
// terminal message is a protocol violation and is dropped.
func (s *Session) SendProgress(payload ProgressPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalSent {
		s.protocolViolationLocked(TypeJobProgress)
		return
	}
	s.lastProgress = payload.Progress
	s.enqueueLocked(TypeJobProgress, payload)
}

// SendComplete enqueues the terminal job_complete message and schedules the
// socket close to flush it.
func (s *Session) SendComplete(payload any) {
	s.sendTerminal(TypeJobComplete, payload)
}

// SendError enqueues the terminal error message and schedules the socket
// close to flush it.
func (s *Session) SendError(payload ErrorPayload) {
	s.sendTerminal(TypeError, payload)
}

func (s *Session) sendTerminal(typ string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalSent {
		s.protocolViolationLocked(typ)
		return
	}
	s.terminalSent = true
	s.enqueueLocked(typ, payload)
	s.scheduleCloseLocked()
}

func (s *Session) protocolViolationLocked(typ string) {
	s.log.WithField("type", typ).Warn("message after terminal dropped (protocol violation)")
	metrics.SocketMessages.WithLabelValues("dropped").Inc()
}

// enqueueLocked appends an envelope to the outbound queue, shedding on
// overflow. Callers hold s.mu.
func (s *Session) enqueueLocked(typ string, payload any) {
	env := Envelope{
		Type:      typ,
		JobID:     s.jobID,
		Pipeline:  s.pipeline,
		Timestamp: s.now().UnixMilli(),
		Version:   ProtocolVersion,
		Payload:   payload,
	}
	if len(s.queue) >= outboundCap && !s.shedLocked(env) {
		s.log.WithField("type", typ).Warn("outbound queue full, message dropped")
		metrics.SocketMessages.WithLabelValues("dropped").Inc()
		return
	}
	s.queue = append(s.queue, env)
	s.wakeLocked()
}

// shedLocked makes room in a full queue: keep-alives first, then adjacent
// progress coalescing, then (only for a terminal incoming message) the
// oldest non-terminal entry. Reports whether room was made.
func (s *Session) shedLocked(incoming Envelope) bool {
	kept := s.queue[:0]
	for _, e := range s.queue {
		if e.isKeepAlive() {
			metrics.SocketMessages.WithLabelValues("shed").Inc()
			continue
		}
		kept = append(kept, e)
	}
	s.queue = kept
	if len(s.queue) < outboundCap {
		return true
	}

	// Coalesce adjacent progress messages, keeping the later of each pair.
	kept = s.queue[:0]
	for _, e := range s.queue {
		if len(kept) > 0 && e.Type == TypeJobProgress && kept[len(kept)-1].Type == TypeJobProgress {
			kept[len(kept)-1] = e
			metrics.SocketMessages.WithLabelValues("shed").Inc()
			continue
		}
		kept = append(kept, e)
	}
	s.queue = kept
	if len(s.queue) < outboundCap {
		return true
	}

	if !incoming.isTerminal() {
		return false
	}
	for i, e := range s.queue {
		if !e.isTerminal() {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			metrics.SocketMessages.WithLabelValues("shed").Inc()
			return true
		}
	}
	return false
}

func (s *Session) wakeWriter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakeLocked()
}

func (s *Session) wakeLocked() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// readPump consumes inbound messages. Only {type:"ready"} is recognized;
// everything else is logged and ignored.
func (s *Session) readPump(conn *websocket.Conn, down chan struct{}) {
	defer s.detachSocket(conn)

	conn.SetReadLimit(maxInboundBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("websocket read error")
			}
			return
		}
		if msg.Type == "ready" {
			s.handleReady()
			continue
		}
		s.log.WithField("type", msg.Type).Debug("ignoring unrecognized inbound message")
	}
}

func (s *Session) handleReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Every ready gets an ack, including ones sent on a reconnected socket.
	// The ack is enqueued before readyCh closes so it precedes any message
	// a waiting driver emits afterwards.
	s.enqueueLocked(TypeReadyAck, ReadyAckPayload{JobVersion: s.version})
	if !s.readySignal {
		s.readySignal = true
		close(s.readyCh)
	}
}

// writePump drains the outbound queue onto the socket, one message at a
// time in FIFO order, and keeps the connection alive with pings. It is the
// only goroutine that writes to conn; close frames requested elsewhere are
// routed through it.
func (s *Session) writePump(conn *websocket.Conn, down chan struct{}) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		env, ok, intent, alive := s.popFor(conn)
		if !alive {
			return
		}
		if ok {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				s.log.WithError(err).Debug("websocket write failed")
				s.detachSocket(conn)
				return
			}
			metrics.SocketMessages.WithLabelValues("sent").Inc()
			continue
		}
		if intent != nil {
			msg := websocket.FormatCloseMessage(intent.code, intent.reason)
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			s.detachSocket(conn)
			return
		}

		select {
		case <-s.wake:
		case <-down:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.detachSocket(conn)
				return
			}
			s.enqueueKeepAlive()
		}
	}
}

// popFor dequeues the head envelope while conn is still the active socket.
// With the queue drained it hands over any pending close request instead.
func (s *Session) popFor(conn *websocket.Conn) (Envelope, bool, *closeIntent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return Envelope{}, false, nil, false
	}
	if len(s.queue) > 0 {
		env := s.queue[0]
		s.queue = s.queue[1:]
		return env, true, nil, true
	}
	if s.pendingClose != nil {
		intent := s.pendingClose
		s.pendingClose = nil
		return Envelope{}, false, intent, true
	}
	return Envelope{}, false, nil, true
}

// enqueueKeepAlive emits a progress message flagged keepAlive with the last
// reported progress value, so idle clients do not perceive a stall.
func (s *Session) enqueueKeepAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning || s.terminalSent {
		return
	}
	s.enqueueLocked(TypeJobProgress, ProgressPayload{
		Progress:  s.lastProgress,
		Status:    "processing",
		KeepAlive: true,
	})
}

// detachSocket clears conn if it is still the active socket and closes it.
func (s *Session) detachSocket(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		close(s.sockDown)
		s.sockDown = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

// closeIntent asks the writer to emit a close frame and drop the socket.
type closeIntent struct {
	code   int
	reason string
}

// closeSocketLocked requests a socket close through the writer, which owns
// all writes. Callers hold s.mu.
func (s *Session) closeSocketLocked(code int, reason string) {
	if s.conn == nil {
		return
	}
	s.pendingClose = &closeIntent{code: code, reason: reason}
	s.wakeLocked()
}

// scheduleCloseLocked closes the socket shortly after a terminal message so
// the writer can flush it first. Callers hold s.mu.
func (s *Session) scheduleCloseLocked() {
	if s.closeTimer != nil {
		s.closeTimer.Stop()
	}
	s.closeTimer = time.AfterFunc(closeFlushDelay, func() {
		s.mu.Lock()
		s.closeSocketLocked(websocket.CloseNormalClosure, "job finished")
		s.mu.Unlock()
	})
}
