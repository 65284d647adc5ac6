// Package gateway runs the stream transport: it accepts device connections, cuts them into
// frames and routes every frame through identity resolution, the registry and the telemetry sink.
package gateway

import (
	"net"
	"sync"
	"time"

	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/identity"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/repositories/models"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/infrastructure/stats"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/protocol"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/registry"
	"github.com/iot-for-tillgenglighet/iot-wearable-gateway/internal/pkg/telemetry"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
)

const readChunk = 4096

//CommandTypeUnknown classifies retained frames outside the dispatch table
const CommandTypeUnknown = "unknown"

type Resolver interface {
	Resolve(reported string) (*models.Device, error)
}

type Submitter interface {
	Submit(b telemetry.Batch) bool
}

type CommandLogger interface {
	CreateCommandLog(entry *models.CommandLog) error
}

type Options struct {
	Addr               string
	ReadTimeout        time.Duration
	ReadLimit          int
	RetainUnrecognized bool

	Resolver   Resolver
	Registry   *registry.Registry
	Sink       Submitter
	CommandLog CommandLogger
	Log        logging.Logger
	Stat       *stats.Stats
}

type Server struct {
	alive    *alive.Alive
	opt      Options
	log      logging.Logger
	stat     *stats.Stats
	listener net.Listener

	conns struct {
		sync.Mutex
		m map[*session]struct{}
	}
}

func NewServer(opt Options) *Server {
	if opt.ReadLimit <= 0 {
		opt.ReadLimit = protocol.DefaultReadLimit
	}
	if opt.Log == nil {
		opt.Log = logging.NewLogger()
	}
	if opt.Stat == nil {
		opt.Stat = stats.New()
	}

	s := &Server{
		alive: alive.NewAlive(),
		opt:   opt,
		log:   opt.Log,
		stat:  opt.Stat,
	}
	s.conns.m = make(map[*session]struct{})
	return s
}

//Listen opens the stream listener and starts accepting in the background
func (s *Server) Listen() error {
	ll, err := net.Listen("tcp", s.opt.Addr)
	if err != nil {
		return errors.Annotatef(err, "net.Listen address=%s", s.opt.Addr)
	}
	return s.Serve(ll)
}

//Serve accepts connections from ll in the background until Close
func (s *Server) Serve(ll net.Listener) error {
	if !s.alive.Add(1) {
		_ = ll.Close()
		return errors.Errorf("Serve after Close")
	}
	s.listener = ll
	s.log.Infof("stream listening on %s", addrString(ll.Addr()))
	go s.acceptLoop(ll)
	return nil
}

//Addr returns the listening address, or "" before Listen
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

//Close stops accepting, closes every connection and waits for their handlers to finish
func (s *Server) Close() error {
	s.alive.Stop()

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.conns.Lock()
	for sess := range s.conns.m {
		_ = sess.Close()
	}
	s.conns.Unlock()

	s.alive.Wait()
	return err
}

func (s *Server) acceptLoop(ll net.Listener) {
	defer s.alive.Done() // one alive subtask for the listener
	for {
		conn, err := ll.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.Errorf("accept listen=%s: %s", addrString(ll.Addr()), err.Error())
			s.alive.Stop()
			return
		}

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = conn.Close()
			return
		}
		go s.processConn(conn)
	}
}

func (s *Server) processConn(conn net.Conn) {
	defer s.alive.Done()

	sess := newSession(conn)
	log := s.log.WithField("addr", sess.addr)
	s.stat.Connections.Add(1)
	s.conns.Lock()
	s.conns.m[sess] = struct{}{}
	s.conns.Unlock()

	log.Debugf("connection accepted")

	extractor := protocol.NewExtractor(s.opt.ReadLimit)
	buf := make([]byte, readChunk)
	for s.alive.IsRunning() {
		if s.opt.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opt.ReadTimeout))
		}

		n, err := conn.Read(buf)
		if n > 0 {
			discarded := extractor.Discarded()
			frames := extractor.Feed(buf[:n])
			if extractor.Discarded() > discarded {
				s.stat.MalformedFrames.Add(1)
				log.Debugf("dropped unterminated frame over %d bytes", s.opt.ReadLimit)
			}
			for _, f := range frames {
				s.processFrame(sess, f)
			}
		}
		if err != nil {
			log.Debugf("connection ended: %s", err.Error())
			break
		}
	}

	// mandatory cleanup on connection closed
	_ = sess.Close()
	s.conns.Lock()
	delete(s.conns.m, sess)
	s.conns.Unlock()
	s.stat.Connections.Add(-1)

	if sess.imei != "" && s.opt.Registry.Unregister(sess.imei, sess) {
		connected := false
		s.opt.Sink.Submit(telemetry.Batch{
			IMEI:  sess.imei,
			Cache: models.DeviceCacheUpdate{Connected: &connected},
		})
	}
}

func (s *Server) processFrame(sess *session, frame []byte) {
	s.stat.Frames.Add(1)
	log := s.log.WithField("addr", sess.addr)

	env, err := protocol.Decode(frame)
	if err != nil {
		s.stat.MalformedFrames.Add(1)
		log.Debugf("dropped malformed frame %q: %s", frame, err.Error())
		return
	}

	now := time.Now().UTC()
	device, err := s.opt.Resolver.Resolve(env.DeviceID)
	if err != nil {
		if identity.IsUnknownDevice(err) {
			s.stat.UnknownDevices.Add(1)
			log.WithField("reported", env.DeviceID).Warnf("unknown device, dropped %s frame", env.Command.Keyword())
		} else {
			log.WithField("reported", env.DeviceID).Errorf("failed to resolve device: %s", errors.Details(err))
		}
		// the hardware hangs up on a withheld keepalive, whoever it is
		if protocol.NeedsAck(env.Command) {
			if err := sess.Write(protocol.Ack(env)); err == nil {
				s.stat.Acks.Add(1)
			}
		}
		return
	}

	imei := device.CanonicalIMEI
	log = log.WithField("imei", imei)

	if sess.imei != imei {
		s.bind(sess, imei, env.DeviceID)
	}

	if protocol.NeedsAck(env.Command) {
		if err := s.opt.Registry.Ack(imei, sess, protocol.Ack(env)); err != nil {
			if errors.Cause(err) == registry.ErrNotCurrent {
				log.Debugf("ignore ack from detached session")
			} else {
				log.Warnf("failed to acknowledge %s: %s", env.Command.Keyword(), err.Error())
			}
		}
	}

	s.opt.Registry.Touch(imei, now)

	if other, ok := env.Command.(protocol.Other); ok {
		s.stat.Unrecognized.Add(1)
		log.Debugf("unrecognized command %s", other.Name)
		if s.opt.RetainUnrecognized {
			s.retain(imei, frame, now, log)
		}
	}

	batch := telemetry.Normalize(imei, env.Command, now)
	batch.Cache.SeenAt = &now
	if !s.opt.Sink.Submit(batch) {
		log.Warnf("sink closed, dropped %s", env.Command.Keyword())
	}
}

// bind makes sess the current session of imei, releasing any device it spoke for before
func (s *Server) bind(sess *session, imei, reported string) {
	if sess.imei != "" {
		s.opt.Registry.Unregister(sess.imei, sess)
	}
	sess.imei = imei
	s.opt.Registry.Register(imei, sess)

	connected := true
	s.opt.Sink.Submit(telemetry.Batch{
		IMEI:  imei,
		Cache: models.DeviceCacheUpdate{Connected: &connected, TransportID: &reported},
	})
}

func (s *Server) retain(imei string, frame []byte, at time.Time, log logging.Logger) {
	if s.opt.CommandLog == nil || !s.alive.Add(1) {
		return
	}

	entry := &models.CommandLog{
		DeviceIMEI:  &imei,
		Direction:   models.DirectionReceived,
		Transport:   models.TransportStream,
		RawPayload:  string(frame),
		CommandType: CommandTypeUnknown,
		Status:      models.StatusReceived,
		ReceivedAt:  &at,
	}

	go func() {
		defer s.alive.Done()
		if err := s.opt.CommandLog.CreateCommandLog(entry); err != nil {
			log.Errorf("failed to retain unrecognized command: %s", errors.Details(err))
		}
	}()
}
