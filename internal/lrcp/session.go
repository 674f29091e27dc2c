package lrcp

import (
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/xid"
)

// SessionTimeout is how long a session may go without a valid inbound
// datagram before it's considered dead.
// "session expiry timeout ... Suggested default value: 60 seconds."
const SessionTimeout = 60 * time.Second

// RetransmissionInterval is how long to wait before resending unacknowledged data.
// "retransmission timeout ... Suggested default value: 3 seconds."
const RetransmissionInterval = 3 * time.Second

// CloseCause records why a Session left the table, for metrics.
type CloseCause string

const (
	CloseCauseLocal     CloseCause = "close"     // peer or local sent /close/
	CloseCauseViolation CloseCause = "violation" // peer acked bytes never sent
)

// Session holds all per-session LRCP state: the receive-side byte counter
// and buffer, the send-side buffer and counters, and the two timing fields
// that drive retransmission and expiry. See SPEC_FULL.md §3 for the field
// semantics; this type is the direct implementation of that table.
type Session struct {
	mu sync.Mutex

	ID   int
	Peer *net.UDPAddr

	// CorrelationID is a log-only identifier; it never appears on the wire
	// and plays no role in any protocol decision.
	CorrelationID xid.ID

	recvBuf     []byte
	appConsumed int // app.go's cursor into recvBuf

	sendBuf   []byte
	ackedLen  int
	sentLen   int

	closed bool

	deadline   time.Time
	retransDue time.Time
	pending    bool // true while bytes in sendBuf are unsent or unacknowledged

	clock           clockwork.Clock
	sessionTimeout  time.Duration
	retransInterval time.Duration
}

// NewSession creates a fresh, zeroed Session for id, owned by peer. A
// sessionTimeout or retransInterval of zero falls back to the package
// defaults (SessionTimeout, RetransmissionInterval).
func NewSession(id int, peer *net.UDPAddr, clock clockwork.Clock, sessionTimeout, retransInterval time.Duration) *Session {
	if sessionTimeout <= 0 {
		sessionTimeout = SessionTimeout
	}
	if retransInterval <= 0 {
		retransInterval = RetransmissionInterval
	}
	return &Session{
		ID:              id,
		Peer:            peer,
		CorrelationID:   xid.New(),
		clock:           clock,
		sessionTimeout:  sessionTimeout,
		retransInterval: retransInterval,
		deadline:        clock.Now().Add(sessionTimeout),
	}
}

// RecvLen returns the count of contiguous bytes received from the peer.
func (s *Session) RecvLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recvBuf)
}

// touch refreshes the session's expiry deadline; called on every valid
// inbound message for this session, per §4.2.
func (s *Session) touch() {
	s.deadline = s.clock.Now().Add(s.sessionTimeout)
}

// Connect handles an inbound /connect/ for this (possibly pre-existing)
// session and returns the ack to send. Existing sessions are re-acked
// without resetting any counters.
func (s *Session) Connect() *Msg {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return &Msg{Kind: KindAck, Session: s.ID, Length: len(s.recvBuf)}
}

// Data handles an inbound /data/ message, applying the position rules from
// §4.2, and returns the ack to send. When the receive frontier advances, it
// also runs the application loop and appends any reversed lines to the send
// buffer; wake is true when at least one reversed line was appended,
// telling the caller to wake the session's scheduler entry immediately so
// the new bytes go out without waiting for the next retransmission tick.
func (s *Session) Data(pos int, payload []byte) (ack *Msg, wake bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	recvLen := len(s.recvBuf)
	advanced := false
	switch {
	case pos > recvLen:
		// Peer skipped ahead; discard and re-ack what we actually have.
	case pos < recvLen:
		skip := recvLen - pos
		if len(payload) > skip {
			s.recvBuf = append(s.recvBuf, payload[skip:]...)
			advanced = true
		}
	default: // pos == recvLen
		if len(payload) > 0 {
			s.recvBuf = append(s.recvBuf, payload...)
			advanced = true
		}
	}

	if advanced {
		newConsumed, reversedOut := ReverseLines(s.recvBuf, s.appConsumed)
		s.appConsumed = newConsumed
		if len(reversedOut) > 0 {
			s.sendBuf = append(s.sendBuf, reversedOut...)
			s.pending = true
			s.retransDue = s.clock.Now()
			wake = true
		}
	}

	return &Msg{Kind: KindAck, Session: s.ID, Length: len(s.recvBuf)}, wake
}

// Ack handles an inbound /ack/. violation is true if the peer acknowledged
// bytes never sent, in which case the caller must close the session and
// send exactly one /close/.
func (s *Session) Ack(length int) (violation bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if length > len(s.sendBuf) {
		return true
	}
	s.touch()

	if length <= s.ackedLen {
		return false // stale/duplicate ack
	}
	s.ackedLen = length
	if s.ackedLen < s.sentLen {
		// Peer is missing bytes we already sent once; retransmit now.
		s.retransDue = s.clock.Now()
		s.pending = true
	} else if s.ackedLen == len(s.sendBuf) {
		s.pending = false
	}
	return false
}

// MarkClosed marks the session terminal. Safe to call multiple times.
func (s *Session) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Closed reports whether the session has been closed or expired.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Expired reports whether the session's deadline has passed.
func (s *Session) Expired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.clock.Now().Before(s.deadline)
}

// NextWake returns the earliest instant at which this session needs
// attention from the scheduler: either its retransmission due time (if
// there's unacknowledged or unsent data) or its expiry deadline, whichever
// comes first.
func (s *Session) NextWake() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending && s.retransDue.Before(s.deadline) {
		return s.retransDue
	}
	return s.deadline
}

// Retransmit produces the data chunks covering [ackedLen, len(sendBuf)),
// chunked to fit the wire's size cap, and advances sentLen/retransDue.
// Called by the scheduler whenever this session's retransDue fires.
func (s *Session) Retransmit() []*Msg {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ackedLen >= len(s.sendBuf) {
		s.pending = false
		return nil
	}

	var out []*Msg
	pos := s.ackedLen
	for pos < len(s.sendBuf) {
		m := &Msg{Session: s.ID, Pos: pos}
		n := PackData(m, s.sendBuf[pos:])
		if n == 0 {
			break // can't make progress; shouldn't happen with sane sizes
		}
		out = append(out, m)
		pos += n
	}
	s.sentLen = pos
	s.retransDue = s.clock.Now().Add(s.retransInterval)
	s.pending = true
	return out
}

// AppendWrite queues application-originated bytes for sending (used by
// tests exercising the send side in isolation; Data appends reversed lines
// to sendBuf directly). It does not itself trigger a send; callers wake the
// scheduler to do that.
func (s *Session) AppendWrite(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendBuf = append(s.sendBuf, b...)
}

// SendBufLen reports the total bytes ever queued to send, for tests and metrics.
func (s *Session) SendBufLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sendBuf)
}
