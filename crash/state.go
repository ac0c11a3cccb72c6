package crash

import (
	"sync"
	"time"

	g_error "github.com/LeaguesOfHoleHoleShoes/CrashHole/crash/common/g-error"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/util"
)

const (
	StatusWaiting = "waiting"
	StatusRunning = "running"
	StatusCrashed = "crashed"

	PhaseBetting   = "BETTING"
	PhaseRunning   = "RUNNING"
	PhaseCompleted = "COMPLETED"
)

// 最近爆点历史的长度
const crashHistoryLen = 10

type playerState struct {
	username          string
	betAmount         float64
	autoCashoutAt     float64
	hasCashedOut      bool
	cashoutMultiplier float64
	lastActivityTs    time.Time
}

/*

一轮的内存状态

只有game和ledger会改它，其他组件只能拿Scene快照。
players只通过ledger一条路径写入，这是整个设计里最容易出并发bug的地方，所有读写都要过锁

*/
type RoundState struct {
	mu sync.RWMutex

	status string
	phase  string

	roundID            string
	serverSeedHash     string
	nextServerSeedHash string

	multiplier float64
	crashPoint float64

	players map[string]*playerState

	nextGameCountdown int
	lastCrashPoints   []float64
}

func NewRoundState() *RoundState {
	return &RoundState{
		status:     StatusWaiting,
		phase:      PhaseBetting,
		multiplier: 1.00,
		players:    map[string]*playerState{},
	}
}

// 开始新一轮的投注阶段，清空上一轮的玩家和爆点
func (s *RoundState) ResetForBetting(roundID string, seedHash string, nextSeedHash string, countdown int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusWaiting
	s.phase = PhaseBetting
	s.roundID = roundID
	s.serverSeedHash = seedHash
	s.nextServerSeedHash = nextSeedHash
	s.multiplier = 1.00
	s.crashPoint = 0
	s.players = map[string]*playerState{}
	s.nextGameCountdown = countdown
}

func (s *RoundState) SetRecentCrashPoints(cps []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(cps) > crashHistoryLen {
		cps = cps[:crashHistoryLen]
	}
	s.lastCrashPoints = cps
}

func (s *RoundState) DecCountdown() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextGameCountdown--
	return s.nextGameCountdown
}

// 爆点在开跑前算好，整轮不再重算
func (s *RoundState) StartRunning(crashPoint float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusRunning
	s.phase = PhaseRunning
	s.multiplier = 1.00
	s.crashPoint = crashPoint
}

// 按增长系数推进倍数，四舍五入到分且单调不减，返回是否到达爆点
func (s *RoundState) AdvanceMultiplier(factor float64) (m float64, crashed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return s.multiplier, false
	}
	m = util.Round2Near(s.multiplier * factor)
	if m < s.multiplier {
		m = s.multiplier
	}
	if m >= s.crashPoint {
		// 到达爆点：同一临界区里把倍数钉在爆点并翻状态，
		// 这之后任何提现走相位检查必然失败，不存在按超出爆点的倍数入账的窗口
		s.multiplier = s.crashPoint
		s.status = StatusCrashed
		return s.crashPoint, true
	}
	s.multiplier = m
	return m, false
}

// 结束本轮，最终倍数钉在爆点上
func (s *RoundState) EndCrashed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusCrashed
	s.phase = PhaseCompleted
	s.multiplier = s.crashPoint
	return s.crashPoint
}

// 新爆点插到最前，只留最近的10个
func (s *RoundState) PushCrashPoint(cp float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCrashPoints = append([]float64{cp}, s.lastCrashPoints...)
	if len(s.lastCrashPoints) > crashHistoryLen {
		s.lastCrashPoints = s.lastCrashPoints[:crashHistoryLen]
	}
}

func (s *RoundState) RoundID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roundID
}

// 提现时的权威倍数，永远从这里读，绝不信客户端上报的值
func (s *RoundState) Multiplier() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.multiplier
}

func (s *RoundState) InBettingPhase() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == StatusWaiting && s.phase == PhaseBetting
}

func (s *RoundState) InRunningPhase() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == StatusRunning && s.phase == PhaseRunning
}

func (s *RoundState) HasPlayer(uID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.players[uID]
	return ok
}

// 余额扣减成功之后才能进players，顺序由ledger保证
func (s *RoundState) AddPlayer(uID string, username string, amount float64, autoCashoutAt float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[uID]; ok {
		return g_error.ErrDuplicateBet
	}
	s.players[uID] = &playerState{
		username:       username,
		betAmount:      amount,
		autoCashoutAt:  autoCashoutAt,
		lastActivityTs: time.Now(),
	}
	return nil
}

func (s *RoundState) PlayerBet(uID string) (amount float64, cashedOut bool, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.players[uID]
	if !ok {
		return 0, false, false
	}
	return p.betAmount, p.hasCashedOut, true
}

func (s *RoundState) MarkCashedOut(uID string, multiplier float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[uID]
	if !ok {
		return
	}
	p.hasCashedOut = true
	p.cashoutMultiplier = multiplier
	p.lastActivityTs = time.Now()
}

// 到达自动提现阈值且还没提的玩家
func (s *RoundState) AutoCashoutDue(multiplier float64) (uIDs []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, p := range s.players {
		if !p.hasCashedOut && p.autoCashoutAt > 1 && p.autoCashoutAt <= multiplier {
			uIDs = append(uIDs, id)
		}
	}
	return
}

type PlayerScene struct {
	ID                string  `json:"id"`
	Username          string  `json:"username"`
	BetAmount         float64 `json:"betAmount"`
	HasCashedOut      bool    `json:"hasCashedOut"`
	CashoutMultiplier float64 `json:"cashoutMultiplier"`
}

// 广播给客户端的快照，字段名是对外协议的一部分。不带seed等秘密
type GameScene struct {
	Type               string        `json:"type"`
	Status             string        `json:"status"`
	Phase              string        `json:"phase"`
	Multiplier         float64       `json:"multiplier"`
	RoundID            string        `json:"roundId"`
	ServerSeedHash     string        `json:"serverSeedHash"`
	NextServerSeedHash string        `json:"nextServerSeedHash"`
	Players            []PlayerScene `json:"players"`
	NextGameCountdown  int           `json:"nextGameCountdown"`
	LastCrashPoints    []float64     `json:"lastCrashPoints"`
}

// 一致性快照：要么看到完整的玩家条目，要么看不到
func (s *RoundState) Scene() *GameScene {
	s.mu.RLock()
	defer s.mu.RUnlock()
	players := make([]PlayerScene, 0, len(s.players))
	for id, p := range s.players {
		players = append(players, PlayerScene{
			ID:                id,
			Username:          p.username,
			BetAmount:         p.betAmount,
			HasCashedOut:      p.hasCashedOut,
			CashoutMultiplier: p.cashoutMultiplier,
		})
	}
	cps := make([]float64, len(s.lastCrashPoints))
	copy(cps, s.lastCrashPoints)
	return &GameScene{
		Type:               "gameState",
		Status:             s.status,
		Phase:              s.phase,
		Multiplier:         s.multiplier,
		RoundID:            s.roundID,
		ServerSeedHash:     s.serverSeedHash,
		NextServerSeedHash: s.nextServerSeedHash,
		Players:            players,
		NextGameCountdown:  s.nextGameCountdown,
		LastCrashPoints:    cps,
	}
}
