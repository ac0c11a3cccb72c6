package crash

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	g_error "github.com/LeaguesOfHoleHoleShoes/CrashHole/crash/common/g-error"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/crash/model"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/fairness"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/log"
)

// 持久层的窄接口，轮次、注单、余额、流水都从这里走
type Database interface {
	SaveRound(r model.Round) error
	GetRound(roundID string) (*model.Round, error)
	LatestRound() (*model.Round, error)
	RevealRound(roundID string, crashPoint float64) error
	SetRoundRTP(roundID string, rtp float64) error
	RecentCrashPoints(limit int) ([]float64, error)

	CreateBet(b model.Bet) error
	SettleBet(roundID string, userID string, multiplier float64) error

	GetUser(userID string) (*model.User, error)
	DecBalance(userID string, amount float64) (float64, error)
	IncBalance(userID string, amount float64) (float64, error)
	CreateTransaction(tx model.Transaction) error
}

type sceneBroadcaster interface {
	BroadcastScene(s *GameScene)
}

const (
	// 跑动阶段目标帧率，speed=1时约20tick每秒
	targetFPS = 20.0
	// 每tick倍数增长系数：multiplier *= 1 + k * elapsed * 60
	multiplierGrowthK = 0.005
	// 不是每tick都广播，隔一tick一次
	broadcastEveryNFrames = 2

	// 速度再高tick也不能短于这个值，否则单tick增长会被取整吃掉，倍数永远停在1.00
	minFrameInterval = 20 * time.Millisecond
)

type GameConfig struct {
	// 投注倒计时格数
	BettingCountdown int
	// 每格时长
	CountdownInterval time.Duration
	// 爆点后到准备下一轮的停顿
	SettleDelay time.Duration
	// 速度系数
	SpeedMultiplier float64
	// 目标rtp，只能在轮与轮之间改
	RTP float64
}

func DefaultGameConfig() GameConfig {
	return GameConfig{
		BettingCountdown:  10,
		CountdownInterval: time.Second,
		SettleDelay:       5 * time.Second,
		SpeedMultiplier:   1,
		RTP:               0.97,
	}
}

func (c GameConfig) validate() error {
	if c.BettingCountdown <= 0 || c.CountdownInterval <= 0 || c.SettleDelay < 0 {
		return errors.New("invalid game phase durations")
	}
	if c.SpeedMultiplier <= 0 {
		return errors.New("invalid speed multiplier")
	}
	if c.RTP < 0.8 || c.RTP > 0.99 {
		return g_error.ErrInvalidRTP
	}
	return nil
}

func NewGame(cfg GameConfig, db Database, bc sceneBroadcaster) (*Game, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Game{
		cfg: cfg, db: db, bc: bc,
		state:      NewRoundState(),
		timer:      newGameTimer(),
		setRTPChan: make(chan setRTPMsg),
	}, nil
}

/*

轮次状态机：BETTING -> RUNNING -> COMPLETED -> (下一轮) BETTING

单goroutine actor，所有阶段切换都在loop里做，任意时刻只有一个timer在推进倍数。
阶段处理出错时不许卡死：停掉该阶段的timer，落到准备下一轮，宁可跳过一轮也不能停在半路

*/
type Game struct {
	cfg GameConfig

	db    Database
	bc    sceneBroadcaster
	state *RoundState
	// 自动提现走ledger，没绑定则不触发
	ledger *Ledger

	// seed链：本轮的secret和已公布hash的下一轮seed
	curSeed  string
	nextSeed string

	countdownTicker *time.Ticker
	frameTicker     *time.Ticker
	lastTick        time.Time
	frameCount      uint64

	timer *gameTimer

	setRTPChan chan setRTPMsg
	stopChan   chan struct{}
	started    uint32
}

func (g *Game) State() *RoundState {
	return g.state
}

func (g *Game) BindLedger(l *Ledger) {
	g.ledger = l
}

func (g *Game) Start() error {
	if !atomic.CompareAndSwapUint32(&g.started, 0, 1) {
		return errors.New("game already started")
	}

	if err := g.initializeSeedChain(); err != nil {
		atomic.StoreUint32(&g.started, 0)
		return err
	}

	g.stopChan = make(chan struct{})
	g.timer.Start()

	g.bc.BroadcastScene(g.state.Scene())
	g.countdownTicker = time.NewTicker(g.cfg.CountdownInterval)
	go g.loop()
	return nil
}

func (g *Game) Stop() error {
	if !atomic.CompareAndSwapUint32(&g.started, 1, 0) {
		return errors.New("game not started")
	}
	close(g.stopChan)
	return nil
}

/*

重启恢复：找最近一轮，如果它还没开奖，说明上次是中途挂的，
用它存的seed接着跑这一轮，而不是另起新轮。不会重复结算也不会孤儿轮

*/
func (g *Game) initializeSeedChain() error {
	last, err := g.db.LatestRound()
	if err != nil {
		return err
	}

	var roundID string
	if last != nil && !last.Revealed {
		g.curSeed = last.ServerSeed
		g.nextSeed = fairness.GenSeed()
		roundID = last.RoundID
		log.L.Info("continuing seed chain from unrevealed round", zap.String("round id", roundID))
	} else {
		g.curSeed = fairness.GenSeed()
		g.nextSeed = fairness.GenSeed()
		roundID = newRoundID()
		if err = g.db.SaveRound(model.Round{
			RoundID:        roundID,
			ServerSeed:     g.curSeed,
			ServerSeedHash: fairness.Hash(g.curSeed),
			RTP:            g.cfg.RTP,
			Timestamp:      time.Now(),
		}); err != nil {
			return err
		}
		log.L.Info("new seed chain initialized", zap.String("round id", roundID))
	}

	if cps, cErr := g.db.RecentCrashPoints(crashHistoryLen); cErr != nil {
		log.L.Error("fetch recent crash points failed", zap.Error(cErr))
	} else {
		g.state.SetRecentCrashPoints(cps)
	}

	g.state.ResetForBetting(roundID, fairness.Hash(g.curSeed), fairness.Hash(g.nextSeed), g.cfg.BettingCountdown)
	return nil
}

func (g *Game) loop() {
	for {
		select {
		case <-tickC(g.countdownTicker):
			g.onCountdownTick()
		case <-tickC(g.frameTicker):
			g.onFrameTick()
		case <-g.timer.timeoutChan:
			g.prepareNextRound()
		case msg := <-g.setRTPChan:
			g.doSetRTP(msg)
		case <-g.stopChan:
			g.stopTickers()
			g.timer.Stop()
			log.L.Debug("game loop returned")
			return
		}
	}
}

// nil ticker给select一个永远堵着的chan
func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (g *Game) stopTickers() {
	if g.countdownTicker != nil {
		g.countdownTicker.Stop()
		g.countdownTicker = nil
	}
	if g.frameTicker != nil {
		g.frameTicker.Stop()
		g.frameTicker = nil
	}
}

func (g *Game) onCountdownTick() {
	c := g.state.DecCountdown()
	g.bc.BroadcastScene(g.state.Scene())
	if c > 0 {
		return
	}
	g.countdownTicker.Stop()
	g.countdownTicker = nil
	g.startRound()
}

func (g *Game) startRound() {
	roundID := g.state.RoundID()
	r, err := g.db.GetRound(roundID)
	if err != nil || r == nil {
		// 轮记录拿不到就跳过这一轮，不能卡死
		log.L.Error("round record missing at start", zap.String("round id", roundID), zap.Error(err))
		g.timer.Set(g.cfg.SettleDelay)
		return
	}

	// 爆点开跑前算一次，之后绝不重算。fairness出错内部会fail closed到1.00
	crashPoint := fairness.GenCrash(g.curSeed, roundID, r.RTP)
	g.state.StartRunning(crashPoint)
	log.L.Info("round running", zap.String("round id", roundID), zap.Float64("crash point", crashPoint))
	g.bc.BroadcastScene(g.state.Scene())

	g.lastTick = time.Now()
	g.frameCount = 0
	g.frameTicker = time.NewTicker(g.frameInterval())
}

func (g *Game) frameInterval() time.Duration {
	d := time.Duration(float64(time.Second) / (targetFPS * g.cfg.SpeedMultiplier))
	if d < minFrameInterval {
		d = minFrameInterval
	}
	return d
}

func (g *Game) onFrameTick() {
	// 用真实流逝时间算增长，调度抖动不影响曲线
	now := time.Now()
	elapsed := now.Sub(g.lastTick).Seconds()
	g.lastTick = now

	m, crashed := g.state.AdvanceMultiplier(1 + multiplierGrowthK*elapsed*60)
	if crashed {
		g.endRound()
		return
	}

	// 自动提现按服务器权威倍数触发，CashOut本身幂等
	if g.ledger != nil {
		for _, uID := range g.state.AutoCashoutDue(m) {
			uID := uID
			go func() { g.ledger.CashOut(uID) }()
		}
	}

	if g.frameCount%broadcastEveryNFrames == 0 {
		g.bc.BroadcastScene(g.state.Scene())
	}
	g.frameCount++
}

func (g *Game) endRound() {
	if g.frameTicker != nil {
		g.frameTicker.Stop()
		g.frameTicker = nil
	}

	crashPoint := g.state.EndCrashed()
	g.bc.BroadcastScene(g.state.Scene())

	roundID := g.state.RoundID()
	if err := g.db.RevealRound(roundID, crashPoint); err != nil {
		log.L.Error("reveal round failed", zap.String("round id", roundID), zap.Error(err))
	} else {
		log.L.Info("round completed", zap.String("round id", roundID), zap.Float64("crash point", crashPoint))
	}
	g.state.PushCrashPoint(crashPoint)

	g.timer.Set(g.cfg.SettleDelay)
}

/*

准备下一轮：转seed链。本轮用过的seed作废，之前只公布过hash的下一个seed
转正成为当前seed，再生成新的下一个。这样第N+1轮的承诺在第N轮结算前就已公开

*/
func (g *Game) prepareNextRound() {
	g.curSeed = g.nextSeed
	g.nextSeed = fairness.GenSeed()
	roundID := newRoundID()

	if err := g.db.SaveRound(model.Round{
		RoundID:        roundID,
		ServerSeed:     g.curSeed,
		ServerSeedHash: fairness.Hash(g.curSeed),
		RTP:            g.cfg.RTP,
		Timestamp:      time.Now(),
	}); err != nil {
		// 存储暂时不可用就过会再试，状态机不能停
		log.L.Error("create round record failed, retry later", zap.Error(err))
		g.timer.Set(g.cfg.SettleDelay)
		return
	}

	g.state.ResetForBetting(roundID, fairness.Hash(g.curSeed), fairness.Hash(g.nextSeed), g.cfg.BettingCountdown)
	g.bc.BroadcastScene(g.state.Scene())
	g.countdownTicker = time.NewTicker(g.cfg.CountdownInterval)
}

type setRTPMsg struct {
	rtp        float64
	resultChan chan error
}

// 改目标rtp，RUNNING中拒绝。对当前投注中的轮即刻生效
func (g *Game) SetRTP(rtp float64) error {
	if rtp < 0.8 || rtp > 0.99 {
		return g_error.ErrInvalidRTP
	}
	if atomic.LoadUint32(&g.started) == 0 {
		return errors.New("game not started")
	}
	// loop可能在started检查之后就退出了，送不进去就不能干等
	resultC := make(chan error)
	select {
	case g.setRTPChan <- setRTPMsg{rtp: rtp, resultChan: resultC}:
		return <-resultC
	case <-g.stopChan:
		return errors.New("game not started")
	}
}

func (g *Game) doSetRTP(msg setRTPMsg) {
	if g.state.InRunningPhase() {
		msg.resultChan <- g_error.ErrRTPWhileRunning
		return
	}
	if err := g.db.SetRoundRTP(g.state.RoundID(), msg.rtp); err != nil {
		msg.resultChan <- err
		return
	}
	g.cfg.RTP = msg.rtp
	log.L.Info("rtp updated", zap.Float64("rtp", msg.rtp))
	msg.resultChan <- nil
}

func newRoundID() string {
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

/*

一次性timer，loop把到期事件转发到timeoutChan
Stop对已停止的timer是no-op，错误恢复路径里重复取消不会出事

*/

func newGameTimer() *gameTimer {
	return &gameTimer{timeoutChan: make(chan struct{})}
}

type gameTimer struct {
	t *time.Timer

	timeoutChan chan struct{}
	stopChan    chan struct{}
}

func (t *gameTimer) Start() error {
	if t.stopChan != nil {
		return errors.New("timer already started")
	}
	t.stopChan = make(chan struct{})
	t.t = time.NewTimer(0)
	t.t.Stop()
	go t.loop()
	return nil
}

func (t *gameTimer) loop() {
	for {
		select {
		case <-t.t.C:
			t.timeoutChan <- struct{}{}

		case <-t.stopChan:
			t.t.Stop()
			t.t = nil
			log.L.Debug("gameTimer loop finished")
			return
		}
	}
}

func (t *gameTimer) Set(d time.Duration) {
	t.t.Reset(d)
}

func (t *gameTimer) Stop() {
	if t.stopChan == nil {
		return
	}
	close(t.stopChan)
	t.stopChan = nil
}
