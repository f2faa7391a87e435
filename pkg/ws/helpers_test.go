package ws

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeTransport 内存连接，记录写出的帧
type fakeTransport struct {
	mu        sync.Mutex
	written   [][]byte
	controls  []int
	closeCode int
	closed    bool
	failAfter int           // 成功写入 failAfter 次后写失败，0 不限
	closeWait time.Duration // 写关闭帧的耗时

	reads chan []byte
	done  chan struct{}
	once  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reads: make(chan []byte, 16), done: make(chan struct{})}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case b := <-f.reads:
		return websocket.TextMessage, b, nil
	case <-f.done:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (f *fakeTransport) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || (f.failAfter > 0 && len(f.written) >= f.failAfter) {
		return errors.New("write on broken transport")
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && f.closeWait > 0 {
		time.Sleep(f.closeWait)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, messageType)
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		f.closeCode = int(data[0])<<8 | int(data[1])
	}
	return nil
}

func (f *fakeTransport) SetReadLimit(int64)                        {}
func (f *fakeTransport) SetReadDeadline(time.Time) error           { return nil }
func (f *fakeTransport) SetWriteDeadline(time.Time) error          { return nil }
func (f *fakeTransport) SetPongHandler(func(appData string) error) {}
func (f *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) code() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

// staticVerifier token 即用户 ID，"bad" 视为无效
var staticVerifier = VerifierFunc(func(_ context.Context, token string) (*Identity, error) {
	if token == "bad" {
		return nil, errors.New("signature mismatch")
	}
	return &Identity{UserID: token, Role: "ambassador"}, nil
})

func newTestHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	h, err := NewHub(append([]Option{WithVerifier(staticVerifier)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h
}

// attach 创建并注册一个未启动读写协程的连接
func attach(t *testing.T, h *Hub, userID string) (*Conn, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := newConn(h, ft, newID(), &Identity{UserID: userID}, "user:"+userID)
	require.NoError(t, h.registry.Register(c))
	return c, ft
}

// drainSend 读出连接发送缓冲中的全部帧
func drainSend(c *Conn) []frame {
	var out []frame
	for {
		select {
		case f := <-c.send:
			out = append(out, f)
		default:
			return out
		}
	}
}
