package msg_server

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/LeaguesOfHoleHoleShoes/CrashHole/log"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/metrics"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/util"
)

var upgrader = websocket.Upgrader{} // use default options

const (
	sendMsgChanCache = 50
	maxPeerCount     = 10000

	handShakeWait = 8 * time.Second

	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Liveness sweep over the whole peer set.
	healthCheckPeriod = 30 * time.Second

	// Peers idle longer than this get closed even if they still answer pings.
	idleTimeout = 5 * time.Minute

	// Above the threshold the fanout goes out in staggered batches so a
	// single snapshot doesn't burst-saturate the scheduler.
	broadcastBatchThreshold = 1000
	broadcastBatchSize      = 500
	broadcastBatchGap       = 5 * time.Millisecond

	// Inbound rate limit: more than this many msgs within one second window.
	maxMsgsPerSecond = 10
)

type AbsUser interface {
	ID() string
}

type userGetter interface {
	GetUserByToken(token string) AbsUser
}

type msgHandler interface {
	// called once after a successful hand shake
	OnOpen(uID string)
	Handle(uID string, msg []byte) error
}

func NewWsServer(port int, userGetter userGetter, msgHandler msgHandler) *WsServer {
	return &WsServer{
		port:           port,
		userGetter:     userGetter,
		msgHandler:     msgHandler,
		peerSet:        newWsPeerSet(),
		sendMsgChan:    make(chan *cMsg, sendMsgChanCache),
		healthStopChan: make(chan struct{}),
	}
}

type WsServer struct {
	port int

	userGetter userGetter
	msgHandler msgHandler

	peerSet *wsPeerSet

	sendMsgChan    chan *cMsg
	healthStopChan chan struct{}
}

type cMsg struct {
	uID     string
	msgType int
	content []byte
}

func (s *WsServer) Run() error {
	go s.loop()
	go s.healthLoop()
	http.HandleFunc("/ws", s.handlePeer)
	return http.ListenAndServe(fmt.Sprintf(":%v", s.port), nil)
}

func (s *WsServer) loop() {
	for tmp := range s.sendMsgChan {
		s.doSend(tmp)
	}
}

func (s *WsServer) handlePeer(w http.ResponseWriter, r *http.Request) {
	log.L.Debug("receive new peer", zap.String("remote addr", r.RemoteAddr))
	if s.peerSet.count() >= maxPeerCount {
		log.L.Warn("can't receive new peer, too many peers", zap.Int64("cur count", s.peerSet.count()), zap.Int("max count", maxPeerCount))
		return
	}

	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	c.SetReadLimit(maxMessageSize)
	// hand shake
	uID, err := s.handleShake(c)
	if uID == "" || err != nil {
		log.L.Debug("hand shake failed", zap.Error(err), zap.String("u id", uID))
		return
	}
	c.SetReadDeadline(time.Time{})

	np := newWsPeer(uID, c)
	s.peerSet.addPeer(np)
	defer s.peerSet.removePeer(uID)
	if err := np.start(); err != nil {
		panic(err)
	}

	c.SetPongHandler(func(string) error {
		np.onPong()
		return nil
	})

	s.msgHandler.OnOpen(uID)

	// 上行限速的窗口
	msgCount := 0
	windowStart := time.Now()
	for {
		mt, message, err := c.ReadMessage()
		if err != nil {
			log.L.Debug("read msg failed", zap.Error(err))
			return
		}
		if mt != websocket.TextMessage {
			log.L.Debug("receive invalid msg", zap.Int("msg type", mt))
			return
		}
		np.touch()

		now := time.Now()
		if now.Sub(windowStart) < time.Second {
			msgCount++
			if msgCount > maxMsgsPerSecond {
				s.Send(uID, util.StringifyJsonToBytes(ErrMsg{Type: "ERROR", Message: "rate limit exceeded, please slow down"}))
				continue
			}
		} else {
			// 触发滚动的这条消息本身也要计入新窗口
			msgCount = 1
			windowStart = now
		}

		if err = s.msgHandler.Handle(uID, message); err != nil {
			log.L.Error("handle msg failed", zap.Error(err))
			return
		}
	}
}

type HandShakeReq struct {
	Type string `json:"type"`
	// 可以考虑下发一个公钥，随后消息需要加解密传输
	Token string `json:"token"`
}

type ErrMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *WsServer) handleShake(c *websocket.Conn) (string, error) {
	c.SetReadDeadline(time.Now().Add(handShakeWait))

	var req HandShakeReq
	mt, mb, err := c.ReadMessage()
	if err != nil {
		return "", err
	}
	if mt != websocket.TextMessage {
		return "", errors.New(fmt.Sprintf("invalid msg type: %v", mt))
	}
	if err = util.ParseJsonFromBytes(mb, &req); err != nil {
		return "", err
	}
	if req.Type != "HANDSHAKE" {
		return "", errors.New(fmt.Sprintf("msg type isn't HANDSHAKE, %v", req.Type))
	}
	if req.Token == "" {
		return "", errors.New("empty token")
	}

	u := s.userGetter.GetUserByToken(req.Token)
	if u == nil {
		return "", errors.New("invalid token")
	}
	log.L.Debug("hand shake success", zap.String("u id", u.ID()))
	return u.ID(), nil
}

func (s *WsServer) Send(id string, msg []byte) {
	s.sendMsgChan <- &cMsg{uID: id, msgType: websocket.TextMessage, content: msg}
}

func (s *WsServer) doSend(msg *cMsg) {
	p := s.peerSet.getPeer(msg.uID)
	if p == nil {
		log.L.Warn("can't find peer in peer set, msg not send", zap.String("uid", msg.uID))
		return
	}
	// 如果send失败，则会导致peer直接stop，接着就触发conn.close，那么这时上边的ReadMsg会read出err，此次连接的生命周期就此结束
	p.send(msg)
}

/*

把同一份payload发给所有在线peer。序列化在外边只做一次。
peer多时按批错开几毫秒，单个peer失败只会移除它自己，不会堵别人

*/
func (s *WsServer) Broadcast(payload []byte) {
	start := time.Now()
	peers := s.peerSet.snapshot()

	if len(peers) <= broadcastBatchThreshold {
		for _, p := range peers {
			p.send(&cMsg{uID: p.id, msgType: websocket.TextMessage, content: payload})
		}
	} else {
		for batch := 0; batch*broadcastBatchSize < len(peers); batch++ {
			from := batch * broadcastBatchSize
			to := from + broadcastBatchSize
			if to > len(peers) {
				to = len(peers)
			}
			part := peers[from:to]
			time.AfterFunc(time.Duration(batch)*broadcastBatchGap, func() {
				for _, p := range part {
					p.send(&cMsg{uID: p.id, msgType: websocket.TextMessage, content: payload})
				}
			})
		}
	}

	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
}

func (s *WsServer) PeerCount() int {
	return int(s.peerSet.count())
}

func (s *WsServer) StopHealthCheck() {
	close(s.healthStopChan)
}

/*

连接健康检查：每个周期扫一遍peer set
上个周期的ping没回pong的、闲置超时的都强制断开，其他peer补发一个ping

*/
func (s *WsServer) healthLoop() {
	ticker := time.NewTicker(healthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.checkPeers()
		case <-s.healthStopChan:
			return
		}
	}
}

func (s *WsServer) checkPeers() {
	dead := 0
	now := time.Now()
	for _, p := range s.peerSet.snapshot() {
		// 上一轮发的ping到现在都没回，按死连接处理
		if !p.swapAlive(false) {
			s.peerSet.removePeer(p.id)
			dead++
			continue
		}
		if now.Sub(p.lastActivity()) > idleTimeout {
			s.peerSet.removePeer(p.id)
			dead++
			continue
		}
		p.markPinged(now)
		p.send(&cMsg{uID: p.id, msgType: websocket.PingMessage})
	}
	if dead > 0 {
		log.L.Info("terminated dead connections", zap.Int("count", dead))
	}
}

func newWsPeerSet() *wsPeerSet {
	return &wsPeerSet{}
}

type wsPeerSet struct {
	// key player id
	peers     sync.Map
	peerCount int64

	// 健康检查和handlePeer的defer会并发remove同一个peer，
	// get到delete必须串行，否则count会被多减
	removeMu sync.Mutex
}

func (ps *wsPeerSet) count() int64 {
	return atomic.LoadInt64(&ps.peerCount)
}

func (ps *wsPeerSet) getPeer(id string) *wsPeer {
	if p, ok := ps.peers.Load(id); ok {
		return p.(*wsPeer)
	}
	return nil
}

func (ps *wsPeerSet) snapshot() []*wsPeer {
	result := make([]*wsPeer, 0, ps.count())
	ps.peers.Range(func(_, v interface{}) bool {
		result = append(result, v.(*wsPeer))
		return true
	})
	return result
}

func (ps *wsPeerSet) removePeer(id string) {
	ps.removeMu.Lock()
	defer ps.removeMu.Unlock()
	if p := ps.getPeer(id); p != nil {
		log.L.Debug("remove peer", zap.String("uid", id))
		p.stop()
		ps.peers.Delete(id)
		atomic.AddInt64(&ps.peerCount, -1)
		metrics.ConnectedPeers.Dec()
	}
}

func (ps *wsPeerSet) addPeer(p *wsPeer) {
	if preP := ps.getPeer(p.id); preP != nil {
		// Close后会触发remove，执行一次count-1
		preP.stop()
		// 等待上一个conn从peer set中删除
		time.Sleep(10 * time.Millisecond)
	}
	atomic.AddInt64(&ps.peerCount, 1)
	metrics.ConnectedPeers.Inc()

	ps.peers.Store(p.id, p)
}

// write侧的最小连接面，便于fanout测试用假conn
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

func newWsPeer(id string, conn wsConn) *wsPeer {
	now := time.Now().UnixNano()
	return &wsPeer{
		id: id, conn: conn,
		sendChan:       make(chan *cMsg, sendMsgChanCache),
		alive:          1,
		lastActivityTs: now,
		lastPingTs:     now,
	}
}

type wsPeer struct {
	// user id
	id       string
	conn     wsConn
	sendChan chan *cMsg
	stopChan chan struct{}
	stopped  int32

	alive          int32
	lastActivityTs int64
	lastPingTs     int64
}

func (p *wsPeer) start() error {
	if p.stopChan != nil {
		return errors.New("peer already started")
	}
	p.stopChan = make(chan struct{})
	go p.loop()

	return nil
}

// close stop chan 后会调用conn.close。可以被并发调用，只有一个能真正close
func (p *wsPeer) stop() error {
	if p.stopChan == nil {
		return errors.New("peer not started")
	}
	if !atomic.CompareAndSwapInt32(&p.stopped, 0, 1) {
		return errors.New("peer already stopped")
	}
	close(p.stopChan)

	return nil
}

func (p *wsPeer) loop() {
	defer p.conn.Close()
	for {
		select {
		case msg := <-p.sendChan:
			if err := p.doSend(msg); err != nil {
				return
			}

		case <-p.stopChan:
			log.L.Debug("peer loop returned", zap.String("uid", p.id))
			return
		}
	}
}

func (p *wsPeer) send(msg *cMsg) {
	select {
	case p.sendChan <- msg:
	default:
		log.L.Warn("can't send msg to client", zap.String("uid", p.id), zap.Int("send chan len", len(p.sendChan)))
		metrics.DroppedMsgs.Inc()
	}
}

func (p *wsPeer) doSend(msg *cMsg) error {
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(msg.msgType, msg.content)
}

func (p *wsPeer) touch() {
	atomic.StoreInt64(&p.lastActivityTs, time.Now().UnixNano())
}

func (p *wsPeer) lastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&p.lastActivityTs))
}

func (p *wsPeer) markPinged(now time.Time) {
	atomic.StoreInt64(&p.lastPingTs, now.UnixNano())
}

func (p *wsPeer) onPong() {
	atomic.StoreInt32(&p.alive, 1)
	p.touch()
	latency := time.Since(time.Unix(0, atomic.LoadInt64(&p.lastPingTs)))
	metrics.PingLatency.Observe(latency.Seconds())
}

// 返回之前的alive并置成新值
func (p *wsPeer) swapAlive(v bool) bool {
	var nv int32
	if v {
		nv = 1
	}
	return atomic.SwapInt32(&p.alive, nv) == 1
}
