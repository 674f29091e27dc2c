package lrcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
)

// DefaultWorkers mirrors the original sketch's worker-pool size; it gives
// some headroom for many simultaneous sessions while still providing
// backpressure on a misbehaving peer.
const DefaultWorkers = 10

// Config configures a Server. Zero values fall back to sensible defaults;
// see NewServer.
type Config struct {
	SessionTimeout         time.Duration
	RetransmissionInterval time.Duration
	Workers                int
	Logger                 *slog.Logger
	Clock                  clockwork.Clock
	Metrics                *Metrics
}

// Server is the LRCP server driver: it owns the datagram socket, the
// session table, the scheduler, and a bank of per-shard worker pools that
// pin each session to a single serial worker so in-order processing holds
// even though many sessions are handled concurrently.
type Server struct {
	conn   net.PacketConn
	table  *Table
	sched  *Scheduler
	shards []pond.Pool
	log    *slog.Logger
	clock  clockwork.Clock
	metrics *Metrics
}

// NewServer builds a Server bound to conn. conn is not dialed by NewServer;
// callers create it (see cmd/lrcpd for the usual net.ListenUDP setup), and
// Serve closes it once its context is cancelled.
func NewServer(conn net.PacketConn, cfg Config) *Server {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	table := NewTable(cfg.Clock, cfg.SessionTimeout, cfg.RetransmissionInterval)
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(table)
	}

	shards := make([]pond.Pool, cfg.Workers)
	for i := range shards {
		// Concurrency 1 per shard: tasks submitted to the same shard run
		// strictly in submission order, which is what gives every session
		// pinned to that shard its ordering guarantee.
		shards[i] = pond.NewPool(1)
	}

	return &Server{
		conn:    conn,
		table:   table,
		sched:   NewScheduler(),
		shards:  shards,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
	}
}

// Metrics returns the server's metrics collector set.
func (srv *Server) Metrics() *Metrics { return srv.metrics }

// Serve is the engine's exported entrypoint: it builds a Server bound to
// conn and runs it until ctx is cancelled or conn is closed.
func Serve(ctx context.Context, conn net.PacketConn, cfg Config) error {
	return NewServer(conn, cfg).Serve(ctx)
}

// shardFor pins a session id to one of the server's serial worker shards.
func (srv *Server) shardFor(sessionID int) pond.Pool {
	return srv.shards[sessionID%len(srv.shards)]
}

// Serve runs the ingress loop and the scheduler loop until ctx is
// cancelled or conn is closed, whichever comes first.
func (srv *Server) Serve(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		_ = srv.conn.Close()
		close(done)
	}()

	go srv.runScheduler(ctx)

	buf := make([]byte, MaxMessageSize+1)
	for {
		n, addr, err := srv.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-done:
				srv.stopShards()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				srv.stopShards()
				return nil
			}
			srv.log.Warn("read error", "error", err)
			continue
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			resolved, err := net.ResolveUDPAddr("udp", addr.String())
			if err != nil {
				continue
			}
			udpAddr = resolved
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		msg, err := ParseMessage(payload)
		if err != nil {
			srv.metrics.ObserveMalformedDatagram()
			srv.log.Debug("dropping malformed datagram", "peer", udpAddr, "error", err)
			continue
		}
		if err := msg.Validate(); err != nil {
			srv.metrics.ObserveMalformedDatagram()
			srv.log.Debug("dropping invalid datagram", "peer", udpAddr, "error", err)
			continue
		}

		srv.shardFor(msg.Session).Submit(func() {
			srv.handle(msg, udpAddr)
		})
	}
}

func (srv *Server) stopShards() {
	for _, shard := range srv.shards {
		shard.StopAndWait()
	}
}

// handle dispatches one decoded, validated message to the session state
// machine and sends whatever reply it produces. Runs on the message's
// session's pinned shard, so it never races with another datagram for the
// same session.
func (srv *Server) handle(msg *Msg, addr *net.UDPAddr) {
	switch msg.Kind {
	case KindConnect:
		session, created := srv.table.GetOrCreate(msg.Session, addr)
		if created {
			srv.sched.Upsert(msg.Session, session.NextWake())
			srv.log.Debug("session created", "session", msg.Session, "correlation_id", session.CorrelationID, "peer", addr)
		}
		srv.table.UpdatePeer(msg.Session, addr)
		ack := session.Connect()
		srv.send(ack, addr)

	case KindData:
		session, ok := srv.table.Get(msg.Session)
		if !ok {
			srv.send(&Msg{Kind: KindClose, Session: msg.Session}, addr)
			return
		}
		srv.table.UpdatePeer(msg.Session, addr)
		before := session.RecvLen()
		ack, wake := session.Data(msg.Pos, msg.Data)
		if n := session.RecvLen() - before; n > 0 {
			srv.metrics.ObserveBytesReceived(n)
		}
		srv.send(ack, addr)
		if wake {
			srv.sched.Upsert(msg.Session, session.NextWake())
		}

	case KindAck:
		session, ok := srv.table.Get(msg.Session)
		if !ok {
			srv.send(&Msg{Kind: KindClose, Session: msg.Session}, addr)
			return
		}
		srv.table.UpdatePeer(msg.Session, addr)
		if violation := session.Ack(msg.Length); violation {
			srv.closeSession(msg.Session, session, CloseCauseViolation)
			srv.send(&Msg{Kind: KindClose, Session: msg.Session}, addr)
			return
		}
		srv.sched.Upsert(msg.Session, session.NextWake())

	case KindClose:
		session, ok := srv.table.Get(msg.Session)
		if ok {
			srv.closeSession(msg.Session, session, CloseCauseLocal)
		}
		srv.send(&Msg{Kind: KindClose, Session: msg.Session}, addr)
	}
}

func (srv *Server) closeSession(id int, session *Session, cause CloseCause) {
	session.MarkClosed()
	srv.sched.Remove(id)
	srv.table.Delete(id)
	srv.metrics.ObserveSessionClosed(cause)
	srv.log.Debug("session closed", "session", id, "correlation_id", session.CorrelationID, "cause", cause)
}

func (srv *Server) send(msg *Msg, addr *net.UDPAddr) {
	buf := make([]byte, MaxMessageSize)
	n, err := msg.Encode(buf)
	if err != nil {
		srv.log.Error("failed to encode outgoing message", "kind", msg.Kind, "error", err)
		return
	}
	if _, err := srv.conn.WriteTo(buf[:n], addr); err != nil {
		srv.log.Warn("failed to write datagram", "peer", addr, "error", err)
	}
}

// runScheduler is the single goroutine that replaces a timer task per
// session: it wakes at the earliest pending retransmit-or-expire time
// across all sessions, acts, and reschedules.
func (srv *Server) runScheduler(ctx context.Context) {
	timer := srv.clock.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		_, wakeAt, ok := srv.sched.Next()
		var wait time.Duration
		if ok {
			wait = wakeAt.Sub(srv.clock.Now())
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = time.Hour
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-srv.sched.WakeCh():
			continue // an earlier wake time may have just been pushed
		case <-timer.Chan():
			srv.fireDue()
		}
	}
}

// fireDue processes every session whose wake time has passed: expired
// sessions are dropped silently, everyone else gets a retransmission pass.
func (srv *Server) fireDue() {
	for {
		id, wakeAt, ok := srv.sched.Next()
		if !ok || wakeAt.After(srv.clock.Now()) {
			return
		}
		session, ok := srv.table.Get(id)
		if !ok {
			srv.sched.Remove(id)
			continue
		}

		// Optimistically remove now; fireSession reschedules if the
		// session survives, so the same entry never fires twice for one
		// due time even though the work runs asynchronously on its shard.
		srv.sched.Remove(id)
		srv.shardFor(id).Submit(func() {
			srv.fireSession(id, session)
		})
	}
}

func (srv *Server) fireSession(id int, session *Session) {
	if session.Expired() {
		session.MarkClosed()
		srv.table.Delete(id)
		srv.metrics.ObserveSessionExpired()
		srv.log.Debug("session expired", "session", id, "correlation_id", session.CorrelationID)
		return
	}

	session.mu.Lock()
	prevSent := session.sentLen
	session.mu.Unlock()

	chunks := session.Retransmit()
	for _, m := range chunks {
		if m.Pos < prevSent {
			srv.metrics.ObserveRetransmission()
		}
		srv.send(m, session.Peer)
		srv.metrics.ObserveBytesSent(len(m.Data))
	}
	srv.sched.Upsert(id, session.NextWake())
}
