package crash

import (
	"io"
	"io/ioutil"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	g_error "github.com/LeaguesOfHoleHoleShoes/CrashHole/crash/common/g-error"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/fairness"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/log"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/metrics"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/msg_server"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/util"
)

// 鉴权是外部服务，这里只要能用token换出用户id
type AuthService interface {
	UserIDByToken(token string) string
}

func NewRoomServer(gameCfg GameConfig, srvPort int, db Database, auth AuthService) (*RoomServer, error) {
	r := &RoomServer{db: db}
	r.wsServer = msg_server.NewWsServer(srvPort, &wsUserGetter{auth: auth}, r)

	game, err := NewGame(gameCfg, db, r)
	if err != nil {
		return nil, err
	}
	r.game = game
	r.ledger = NewLedger(db, game.State(), r)
	game.BindLedger(r.ledger)

	return r, nil
}

/*

把ws消息分发到ledger/game，并对外开HTTP的verify、rtp、deposit、metrics

*/
type RoomServer struct {
	db       Database
	game     *Game
	ledger   *Ledger
	wsServer *msg_server.WsServer

	started uint32
}

type wsUserGetter struct {
	auth AuthService
}

func (g *wsUserGetter) GetUserByToken(token string) msg_server.AbsUser {
	id := g.auth.UserIDByToken(token)
	if id == "" {
		return nil
	}
	return wsUser(id)
}

type wsUser string

func (u wsUser) ID() string { return string(u) }

type baseMsg struct {
	Type string `json:"type"`
}

type placeBetMsg struct {
	Amount        float64 `json:"amount"`
	AutoCashoutAt float64 `json:"autoCashoutAt"`
	Username      string  `json:"username"`
}

type opRespMsg struct {
	Type    string   `json:"type"`
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Data    OpResult `json:"data"`
}

type pongMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type errMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// 连上并握手成功后先推一帧当前状态
func (r *RoomServer) OnOpen(uID string) {
	r.wsServer.Send(uID, util.StringifyJsonToBytes(r.game.State().Scene()))
}

func (r *RoomServer) Handle(uID string, msg []byte) error {
	var base baseMsg
	if err := util.ParseJsonFromBytes(msg, &base); err != nil {
		return err
	}
	switch base.Type {
	case "PLACE_BET":
		var req placeBetMsg
		if err := util.ParseJsonFromBytes(msg, &req); err != nil {
			return err
		}
		metrics.BetsTotal.Inc()
		result := r.ledger.PlaceBet(uID, req.Amount, req.AutoCashoutAt, req.Username)
		r.sendResp(uID, "BET_RESPONSE", result)
	case "CASHOUT":
		metrics.CashoutsTotal.Inc()
		result := r.ledger.CashOut(uID)
		r.sendResp(uID, "CASHOUT_RESPONSE", result)
	case "ping":
		r.wsServer.Send(uID, util.StringifyJsonToBytes(pongMsg{Type: "pong", Timestamp: time.Now().UnixNano() / int64(time.Millisecond)}))
	default:
		r.wsServer.Send(uID, util.StringifyJsonToBytes(errMsg{Type: "ERROR", Message: "unknown command"}))
	}
	return nil
}

func (r *RoomServer) sendResp(uID string, respType string, result OpResult) {
	r.wsServer.Send(uID, util.StringifyJsonToBytes(opRespMsg{
		Type: respType, Success: result.Success, Message: result.Message, Data: result,
	}))
}

// 序列化只做一次，交给ws server去fan out
func (r *RoomServer) BroadcastScene(s *GameScene) {
	r.wsServer.Broadcast(util.StringifyJsonToBytes(s))
}

type verifyResp struct {
	RoundID              string    `json:"roundId"`
	ServerSeed           string    `json:"serverSeed"`
	ServerSeedHash       string    `json:"serverSeedHash"`
	HashVerified         bool      `json:"hashVerified"`
	StoredCrashPoint     float64   `json:"storedCrashPoint"`
	CalculatedCrashPoint float64   `json:"calculatedCrashPoint"`
	CrashPointVerified   bool      `json:"crashPointVerified"`
	RTP                  float64   `json:"rtp"`
	Timestamp            time.Time `json:"timestamp"`
}

/*

公平性验证：从库里的seed独立重算hash和爆点再比对，
不信任存下来的crashPoint本身。没开奖的轮不能看

*/
func (r *RoomServer) handleVerify(w http.ResponseWriter, req *http.Request) {
	roundID := req.URL.Query().Get("round_id")
	round, err := r.db.GetRound(roundID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errMsg{Type: "ERROR", Message: "failed to load round"})
		return
	}
	if round == nil {
		writeJSON(w, http.StatusNotFound, errMsg{Type: "ERROR", Message: "round not found"})
		return
	}
	if !round.Revealed {
		writeJSON(w, http.StatusBadRequest, errMsg{Type: "ERROR", Message: g_error.ErrRoundNotRevealed.Error()})
		return
	}

	calculated := fairness.GenCrash(round.ServerSeed, round.RoundID, round.RTP)
	writeJSON(w, http.StatusOK, verifyResp{
		RoundID:              round.RoundID,
		ServerSeed:           round.ServerSeed,
		ServerSeedHash:       round.ServerSeedHash,
		HashVerified:         fairness.Hash(round.ServerSeed) == round.ServerSeedHash,
		StoredCrashPoint:     round.CrashPoint,
		CalculatedCrashPoint: calculated,
		CrashPointVerified:   fairness.VerifyCrash(round.ServerSeed, round.RoundID, round.CrashPoint, round.RTP),
		RTP:                  round.RTP,
		Timestamp:            round.Timestamp,
	})
}

type setRTPReq struct {
	RTP float64 `json:"rtp"`
}

func (r *RoomServer) handleSetRTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errMsg{Type: "ERROR", Message: "post only"})
		return
	}
	var body setRTPReq
	if err := parseBody(req, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errMsg{Type: "ERROR", Message: "invalid body"})
		return
	}
	if err := r.game.SetRTP(body.RTP); err != nil {
		writeJSON(w, http.StatusBadRequest, errMsg{Type: "ERROR", Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "rtp": body.RTP})
}

type depositReq struct {
	UserID string  `json:"userId"`
	Amount float64 `json:"amount"`
}

func (r *RoomServer) handleDeposit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errMsg{Type: "ERROR", Message: "post only"})
		return
	}
	var body depositReq
	if err := parseBody(req, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, errMsg{Type: "ERROR", Message: "invalid body"})
		return
	}
	result := r.ledger.Deposit(body.UserID, body.Amount)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}

const maxHTTPBody = 1 << 16

func parseBody(req *http.Request, result interface{}) error {
	defer req.Body.Close()
	b, err := ioutil.ReadAll(io.LimitReader(req.Body, maxHTTPBody))
	if err != nil {
		return err
	}
	return util.ParseJsonFromBytes(b, result)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(util.StringifyJsonToBytes(data))
}

func (r *RoomServer) startServer() error {
	http.HandleFunc("/verify", r.handleVerify)
	http.HandleFunc("/rtp", r.handleSetRTP)
	http.HandleFunc("/deposit", r.handleDeposit)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := r.wsServer.Run(); err != nil {
			log.L.Error("ws server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (r *RoomServer) stopServer() error {
	r.wsServer.StopHealthCheck()
	return nil
}

func (r *RoomServer) Start() error {
	if atomic.LoadUint32(&r.started) == 1 {
		return errors.New("room already started")
	}

	if atomic.CompareAndSwapUint32(&r.started, 0, 1) {
		if err := r.game.Start(); err != nil {
			atomic.StoreUint32(&r.started, 0)
			return err
		}
		r.startServer()
	} else {
		log.L.Warn("start room atomic.CompareAndSwapUint32(&r.started... is false")
	}

	return nil
}

func (r *RoomServer) Stop() error {
	if atomic.LoadUint32(&r.started) == 0 {
		return errors.New("room not started")
	}

	if atomic.CompareAndSwapUint32(&r.started, 1, 0) {
		r.game.Stop()
		r.stopServer()
	} else {
		log.L.Warn("stop room atomic.CompareAndSwapUint32(&r.started... is false")
	}

	return nil
}
