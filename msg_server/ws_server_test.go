package msg_server

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/LeaguesOfHoleHoleShoes/CrashHole/util"
)

type fakeWsConn struct {
	failing bool

	writes int64
	closed int32
}

func (c *fakeWsConn) WriteMessage(messageType int, data []byte) error {
	if c.failing {
		return errors.New("write failed")
	}
	atomic.AddInt64(&c.writes, 1)
	return nil
}

func (c *fakeWsConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeWsConn) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

func (c *fakeWsConn) writeCount() int64 { return atomic.LoadInt64(&c.writes) }

type fakeUser string

func (u fakeUser) ID() string { return string(u) }

type fakeUserGetter struct{}

func (fakeUserGetter) GetUserByToken(token string) AbsUser {
	if token == "bad" {
		return nil
	}
	return fakeUser("u_" + token)
}

// 回显handler，顺带记录打开过的连接
type fakeMsgHandler struct {
	srv *WsServer

	mu     sync.Mutex
	opened []string
}

func (h *fakeMsgHandler) OnOpen(uID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, uID)
}

func (h *fakeMsgHandler) Handle(uID string, msg []byte) error {
	h.srv.Send(uID, msg)
	return nil
}

func waitForCond(t *testing.T, timeout time.Duration, msg string, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("wait timed out: " + msg)
}

func TestWsPeer_SendAndStop(t *testing.T) {
	conn := &fakeWsConn{}
	p := newWsPeer("u1", conn)
	assert.NoError(t, p.start())
	assert.Error(t, p.start())

	p.send(&cMsg{uID: "u1", msgType: websocket.TextMessage, content: []byte("x")})
	waitForCond(t, time.Second, "msg written", func() bool { return conn.writeCount() == 1 })

	assert.NoError(t, p.stop())
	waitForCond(t, time.Second, "conn closed", func() bool { return atomic.LoadInt32(&conn.closed) == 1 })
	assert.Error(t, p.stop())
}

// send chan塞满之后send不能阻塞调用方，消息直接丢
func TestWsPeer_DropsWhenChanFull(t *testing.T) {
	p := newWsPeer("u1", &fakeWsConn{})

	done := make(chan struct{})
	go func() {
		for i := 0; i < sendMsgChanCache+20; i++ {
			p.send(&cMsg{uID: "u1", msgType: websocket.TextMessage, content: []byte("x")})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked on full chan")
	}
	assert.Equal(t, sendMsgChanCache, len(p.sendChan))
}

func TestWsPeerSet(t *testing.T) {
	ps := newWsPeerSet()
	assert.Equal(t, int64(0), ps.count())
	assert.Nil(t, ps.getPeer("u1"))

	p1 := newWsPeer("u1", &fakeWsConn{})
	assert.NoError(t, p1.start())
	ps.addPeer(p1)
	assert.Equal(t, int64(1), ps.count())
	assert.Equal(t, p1, ps.getPeer("u1"))

	// 同一用户重连顶掉旧连接
	p2 := newWsPeer("u1", &fakeWsConn{})
	assert.NoError(t, p2.start())
	ps.addPeer(p2)
	assert.Equal(t, p2, ps.getPeer("u1"))

	assert.Len(t, ps.snapshot(), 1)
	ps.removePeer("u1")
	assert.Nil(t, ps.getPeer("u1"))
	ps.removePeer("u1")
}

/*

2000个peer的fanout：写失败的peer只影响自己，
其余peer每次广播都要收到且广播调用本身不能被堵住

*/
func TestBroadcast_ManyPeers(t *testing.T) {
	s := NewWsServer(0, fakeUserGetter{}, &fakeMsgHandler{})

	const total = 2000
	const failing = 20
	conns := make([]*fakeWsConn, total)
	for i := 0; i < total; i++ {
		conns[i] = &fakeWsConn{failing: i < failing}
		p := newWsPeer(fmt.Sprintf("u%v", i), conns[i])
		assert.NoError(t, p.start())
		s.peerSet.addPeer(p)
	}
	assert.Equal(t, total, s.PeerCount())

	start := time.Now()
	s.Broadcast([]byte(`{"type":"gameState"}`))
	// 广播是异步扇出，调用方几乎立即返回
	assert.True(t, time.Since(start) < time.Second)

	waitForCond(t, 5*time.Second, "all healthy peers got the msg", func() bool {
		got := int64(0)
		for _, c := range conns[failing:] {
			got += c.writeCount()
		}
		return got == total-failing
	})
	for _, c := range conns[:failing] {
		assert.Equal(t, int64(0), c.writeCount())
	}
}

// 同一个peer被并发remove只能减一次count，count绝不能漂成负数
func TestPeerSet_ConcurrentRemove(t *testing.T) {
	s := NewWsServer(0, fakeUserGetter{}, &fakeMsgHandler{})

	for i := 0; i < 200; i++ {
		p := newWsPeer("u1", &fakeWsConn{})
		assert.NoError(t, p.start())
		s.peerSet.addPeer(p)

		var wg sync.WaitGroup
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.peerSet.removePeer("u1")
			}()
		}
		wg.Wait()
		assert.Equal(t, int64(0), s.peerSet.count())
	}
}

// 并发stop恰好一个成功，不会panic
func TestWsPeer_ConcurrentStop(t *testing.T) {
	for i := 0; i < 200; i++ {
		p := newWsPeer("u1", &fakeWsConn{})
		assert.NoError(t, p.start())

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				errs[j] = p.stop()
			}(j)
		}
		wg.Wait()
		assert.True(t, (errs[0] == nil) != (errs[1] == nil))
	}
}

func TestCheckPeers_EvictsDeadAndIdle(t *testing.T) {
	s := NewWsServer(0, fakeUserGetter{}, &fakeMsgHandler{})

	pAlive := newWsPeer("alive", &fakeWsConn{})
	pDead := newWsPeer("dead", &fakeWsConn{})
	pIdle := newWsPeer("idle", &fakeWsConn{})
	for _, p := range []*wsPeer{pAlive, pDead, pIdle} {
		assert.NoError(t, p.start())
		s.peerSet.addPeer(p)
	}
	atomic.StoreInt64(&pIdle.lastActivityTs, time.Now().Add(-idleTimeout-time.Minute).UnixNano())

	// 第一遍：都还标记为alive，闲置的被踢掉，其余补发ping
	s.checkPeers()
	assert.Equal(t, 2, s.PeerCount())
	assert.Nil(t, s.peerSet.getPeer("idle"))

	// alive回了pong，dead没回
	pAlive.onPong()
	pAlive.touch()

	s.checkPeers()
	assert.Equal(t, 1, s.PeerCount())
	assert.NotNil(t, s.peerSet.getPeer("alive"))
	assert.Nil(t, s.peerSet.getPeer("dead"))
}

func TestWsPeer_SwapAlive(t *testing.T) {
	p := newWsPeer("u1", &fakeWsConn{})
	assert.True(t, p.swapAlive(false))
	assert.False(t, p.swapAlive(false))
	p.onPong()
	assert.True(t, p.swapAlive(true))
}

// 真连接走一遍：握手、回显、重复握手失败的路径
func TestWsServer_Normal(t *testing.T) {
	s := NewWsServer(13330, fakeUserGetter{}, nil)
	h := &fakeMsgHandler{srv: s}
	s.msgHandler = h

	go func() {
		if err := s.Run(); err != nil {
			t.Log(err)
		}
	}()
	time.Sleep(300 * time.Millisecond)

	c, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:13330/ws", nil)
	assert.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.WriteMessage(websocket.TextMessage,
		util.StringifyJsonToBytes(HandShakeReq{Type: "HANDSHAKE", Token: "t1"})))
	assert.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	_, msg, err := c.ReadMessage()
	assert.NoError(t, err)
	assert.Equal(t, `{"type":"ping"}`, string(msg))

	waitForCond(t, time.Second, "peer registered", func() bool { return s.PeerCount() == 1 })
	h.mu.Lock()
	assert.Equal(t, []string{"u_t1"}, h.opened)
	h.mu.Unlock()

	// 一秒里刷超过maxMsgsPerSecond条要吃ERROR，但连接不断
	for i := 0; i < maxMsgsPerSecond*2+5; i++ {
		assert.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	}
	sawLimit := false
	assert.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	for !sawLimit {
		_, msg, rErr := c.ReadMessage()
		if rErr != nil {
			break
		}
		if strings.Contains(string(msg), "rate limit") {
			sawLimit = true
		}
	}
	assert.True(t, sawLimit)
	assert.NoError(t, c.SetReadDeadline(time.Time{}))
	assert.Equal(t, 1, s.PeerCount())

	// 无效token直接被断开
	c2, _, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:13330/ws", nil)
	assert.NoError(t, err)
	defer c2.Close()
	assert.NoError(t, c2.WriteMessage(websocket.TextMessage,
		util.StringifyJsonToBytes(HandShakeReq{Type: "HANDSHAKE", Token: "bad"})))
	_, _, err = c2.ReadMessage()
	assert.Error(t, err)

	// 客户端断开后peer set要清掉
	assert.NoError(t, c.Close())
	waitForCond(t, 2*time.Second, "peer removed", func() bool { return s.PeerCount() == 0 })
	s.StopHealthCheck()
}
