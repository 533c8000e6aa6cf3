package supervisor

import (
	"context"
	"sync"
	"time"

	"beamhost/pkg/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	discoveryDialTimeout = 5 * time.Second
	discoveryRetryDelay  = time.Second
	discoveryWriteWait   = 5 * time.Second
)

// discovery is the websocket the primary worker streams device frames over.
// The host writes addresses into it to ask the worker to probe a machine.
// All methods are safe on a nil receiver.
type discovery struct {
	url      string
	log      *zap.Logger
	onDevice func(protocol.Device)

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

func newDiscovery(url string, log *zap.Logger, onDevice func(protocol.Device)) *discovery {
	ctx, cancel := context.WithCancel(context.Background())
	return &discovery{
		url:      url,
		log:      log.With(zap.String("url", url)),
		onDevice: onDevice,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// run dials and reads until close is called, redialing after drops.
func (d *discovery) run() {
	for d.ctx.Err() == nil {
		conn, err := d.dial()
		if err != nil {
			d.log.Debug("dial discovery", zap.Error(err))
			if !d.sleep(discoveryRetryDelay) {
				return
			}
			continue
		}

		d.mu.Lock()
		if d.ctx.Err() != nil {
			d.mu.Unlock()
			_ = conn.Close()
			return
		}
		d.conn = conn
		d.mu.Unlock()
		d.log.Debug("discovery connected")

		d.read(conn)

		d.mu.Lock()
		if d.conn == conn {
			d.conn = nil
		}
		d.mu.Unlock()
		_ = conn.Close()

		if !d.sleep(discoveryRetryDelay) {
			return
		}
	}
}

func (d *discovery) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(d.ctx, discoveryDialTimeout)
	defer cancel()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (d *discovery) read(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if d.ctx.Err() == nil {
				d.log.Debug("discovery read", zap.Error(err))
			}
			return
		}
		dev, ok := protocol.DecodeDevice(frame)
		if !ok {
			continue
		}
		if d.onDevice != nil {
			d.onDevice(dev)
		}
	}
}

func (d *discovery) sleep(delay time.Duration) bool {
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-d.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// send writes addr to the worker. It reports false when not connected.
func (d *discovery) send(addr string) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return false
	}
	_ = d.conn.SetWriteDeadline(time.Now().Add(discoveryWriteWait))
	if err := d.conn.WriteMessage(websocket.TextMessage, []byte(addr)); err != nil {
		d.log.Debug("poke", zap.String("addr", addr), zap.Error(err))
		return false
	}
	return true
}

func (d *discovery) close() {
	if d == nil {
		return
	}
	d.cancel()
	d.mu.Lock()
	conn := d.conn
	d.conn = nil
	d.mu.Unlock()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
}
