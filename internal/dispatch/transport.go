package dispatch

import (
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sagernet/smux"

	"github.com/nodeflow-systems/nodeflow/internal/logging"
	"github.com/nodeflow-systems/nodeflow/internal/wire"
)

// Transport accepts front-end connections and serves each over its own
// smux session: one stream carries the opcode request/response traffic
// (spec.md §4.7), a second, Supervisor-opened stream carries unsolicited
// node-removal notifications (scenario 5 style cleanup) so an operator
// front-end doesn't have to poll LIST_NODES to notice a crashed worker.
type Transport struct {
	cfg Config
	log *logging.Logger
}

// NewTransport wraps cfg for serving any number of front-end connections.
func NewTransport(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("dispatch")
	}
	return &Transport{cfg: cfg, log: cfg.Logger}
}

// Serve accepts connections from ln until it returns an error, handling
// each on its own goroutine.
func (t *Transport) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go t.handleConn(conn)
	}
}

func (t *Transport) handleConn(conn net.Conn) {
	defer conn.Close()

	muxCfg := smux.DefaultConfig()
	if err := smux.VerifyConfig(muxCfg); err != nil {
		t.log.Error("invalid smux config", logging.Err(err))
		return
	}
	session, err := smux.Server(conn, muxCfg)
	if err != nil {
		t.log.Error("smux handshake failed", logging.Err(err))
		return
	}
	defer session.Close()

	opcodeStream, err := session.AcceptStream()
	if err != nil {
		t.log.Error("smux accept failed", logging.Err(err))
		return
	}

	pushStream, err := session.OpenStream()
	if err != nil {
		t.log.Warn("push stream unavailable, continuing without notifications", logging.Err(err))
		pushStream = nil
	} else {
		prior := t.cfg.Supervisor.OnNodeRemoved
		t.cfg.Supervisor.OnNodeRemoved = func(name string, pid int) {
			if prior != nil {
				prior(name, pid)
			}
			writePushNotification(pushStream, name, pid)
		}
		defer pushStream.Close()
	}

	d := New(t.cfg)
	if err := d.Serve(wire.New(opcodeStream)); err != nil {
		t.log.Debug("connection closed", logging.Err(err))
	}
}

// writePushNotification sends a best-effort (name, pid) pair down the
// push stream; a slow or dead front-end never blocks the Supervisor's
// liveness pass, since this is called synchronously from it, so the
// write carries its own short deadline.
func writePushNotification(s *smux.Stream, name string, pid int) {
	_ = s.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
	ch := wire.New(s)
	_ = ch.WriteCString(name)
	buf := make([]byte, 4)
	for i := range buf {
		buf[i] = byte(pid >> (8 * i))
	}
	_ = ch.WriteAll(buf)
}

// websocketUpgrader matches the teacher pack's plain-defaults pattern
// (Ankit-Kulkarni-go-experiments/websockets): no custom buffer sizing or
// origin policy beyond what an operator console needs on a trusted host
// network.
var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn adapts a *websocket.Conn to net.Conn so a browser-based operator
// front-end can drive the same smux-multiplexed dispatcher as a local
// Unix-socket client (spec.md §6 "operator front-end", generalized to a
// websocket bridge per SPEC_FULL.md's domain stack).
type wsConn struct {
	*websocket.Conn
	reader []byte
}

func (w *wsConn) Read(p []byte) (int, error) {
	for len(w.reader) == 0 {
		_, data, err := w.Conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.reader = data
	}
	n := copy(p, w.reader)
	w.reader = w.reader[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) SetDeadline(t time.Time) error {
	if err := w.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return w.Conn.SetWriteDeadline(t)
}
func (w *wsConn) SetReadDeadline(t time.Time) error  { return w.Conn.SetReadDeadline(t) }
func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.Conn.SetWriteDeadline(t) }

// ServeWebSocket upgrades r and serves it as one front-end connection,
// the same as a Serve'd net.Listener connection would be.
func (t *Transport) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Error("websocket upgrade failed", logging.Err(err))
		return
	}
	t.handleConn(&wsConn{Conn: conn})
}
