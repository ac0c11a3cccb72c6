package crash

import (
	"sync"
	"time"

	"go.uber.org/zap"

	g_error "github.com/LeaguesOfHoleHoleShoes/CrashHole/crash/common/g-error"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/crash/model"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/log"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/util"
)

// 对客户端的统一操作结果，内部错误细节不下发
type OpResult struct {
	Success    bool    `json:"success"`
	Message    string  `json:"message"`
	RoundID    string  `json:"roundId,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
	Multiplier float64 `json:"multiplier,omitempty"`
	Winnings   float64 `json:"winnings,omitempty"`
	Balance    float64 `json:"balance"`
}

func failResult(msg string) OpResult {
	return OpResult{Success: false, Message: msg}
}

const serverErrMsg = "server error processing request"

func NewLedger(db Database, state *RoundState, bc sceneBroadcaster) *Ledger {
	return &Ledger{db: db, state: state, bc: bc}
}

/*

资金账本，整个系统里唯一动余额和注单的组件

mu把"查重 - 扣款 - 记注单 - 进players"整段串行化，
players只从这里写入，因此同一用户并发下注最多成功一次。
余额扣减本身还要靠存储层的条件更新兜底

*/
type Ledger struct {
	mu sync.Mutex

	db    Database
	state *RoundState
	bc    sceneBroadcaster
}

func (l *Ledger) PlaceBet(userID string, amount float64, autoCashoutAt float64, username string) OpResult {
	if userID == "" || amount <= 0 {
		return failResult(g_error.ErrInvalidAmount.Error())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.InBettingPhase() {
		return failResult(g_error.ErrNotBettingPhase.Error())
	}
	if l.state.HasPlayer(userID) {
		log.L.Warn("duplicate bet attempt", zap.String("uid", userID))
		return failResult(g_error.ErrDuplicateBet.Error())
	}

	u, err := l.db.GetUser(userID)
	if err != nil {
		log.L.Error("get user failed", zap.String("uid", userID), zap.Error(err))
		return failResult(serverErrMsg)
	}
	if u == nil {
		return failResult(g_error.ErrUserNotFound.Error())
	}
	if username == "" {
		username = u.Username
	}

	// 原子条件扣款，失败则没有任何副作用
	balance, err := l.db.DecBalance(userID, amount)
	if err != nil {
		if err == g_error.ErrInsufficientBalance {
			return failResult(err.Error())
		}
		log.L.Error("dec balance failed", zap.String("uid", userID), zap.Error(err))
		return failResult(serverErrMsg)
	}

	roundID := l.state.RoundID()
	if err = l.db.CreateBet(model.Bet{
		RoundID: roundID, UserID: userID,
		Amount: amount, AutoCashoutAt: autoCashoutAt,
		Timestamp: time.Now(),
	}); err != nil {
		// 注单没落库则把钱退回去，玩家不能以任何方式进入本轮
		log.L.Error("create bet failed, refund", zap.String("uid", userID), zap.Error(err))
		if _, rErr := l.db.IncBalance(userID, amount); rErr != nil {
			log.L.Error("refund after failed bet failed", zap.String("uid", userID), zap.Error(rErr))
		}
		return failResult(serverErrMsg)
	}

	if err = l.db.CreateTransaction(model.Transaction{
		UserID: userID, Type: model.TxTypeBet, Amount: amount,
		RoundID: roundID, Timestamp: time.Now(),
	}); err != nil {
		// 流水丢了不影响注单本身
		log.L.Error("create bet transaction failed", zap.String("uid", userID), zap.Error(err))
	}

	// 扣款落定之后才进players，不会出现"进了轮却没扣钱"的玩家
	if err = l.state.AddPlayer(userID, username, amount, autoCashoutAt); err != nil {
		return failResult(err.Error())
	}

	l.bc.BroadcastScene(l.state.Scene())

	return OpResult{
		Success: true, Message: "bet placed successfully",
		RoundID: roundID, Amount: amount, Balance: balance,
	}
}

func (l *Ledger) CashOut(userID string) OpResult {
	if userID == "" {
		return failResult(g_error.ErrNoBetInRound.Error())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.state.InRunningPhase() {
		return failResult(g_error.ErrNotRunningPhase.Error())
	}
	amount, cashedOut, ok := l.state.PlayerBet(userID)
	if !ok {
		return failResult(g_error.ErrNoBetInRound.Error())
	}
	// 重放提现必须是no-op，不能二次入账
	if cashedOut {
		return failResult(g_error.ErrAlreadyCashedOut.Error())
	}

	// 赔率取处理瞬间的服务器倍数
	multiplier := l.state.Multiplier()
	winnings := util.Round2(amount * multiplier)

	balance, err := l.db.IncBalance(userID, winnings)
	if err != nil {
		log.L.Error("credit winnings failed", zap.String("uid", userID), zap.Error(err))
		return failResult(serverErrMsg)
	}

	roundID := l.state.RoundID()
	if err = l.db.SettleBet(roundID, userID, multiplier); err != nil {
		log.L.Error("settle bet failed", zap.String("uid", userID), zap.String("round id", roundID), zap.Error(err))
	}
	if err = l.db.CreateTransaction(model.Transaction{
		UserID: userID, Type: model.TxTypeCashout, Amount: winnings,
		Multiplier: multiplier, RoundID: roundID, Timestamp: time.Now(),
	}); err != nil {
		log.L.Error("create cashout transaction failed", zap.String("uid", userID), zap.Error(err))
	}

	l.state.MarkCashedOut(userID, multiplier)

	l.bc.BroadcastScene(l.state.Scene())

	return OpResult{
		Success: true, Message: "cashout successful",
		RoundID: roundID, Multiplier: multiplier, Winnings: winnings, Balance: balance,
	}
}

// 充值，和轮次无关
func (l *Ledger) Deposit(userID string, amount float64) OpResult {
	if userID == "" || amount <= 0 {
		return failResult(g_error.ErrInvalidAmount.Error())
	}

	u, err := l.db.GetUser(userID)
	if err != nil {
		log.L.Error("get user failed", zap.String("uid", userID), zap.Error(err))
		return failResult(serverErrMsg)
	}
	if u == nil {
		return failResult(g_error.ErrUserNotFound.Error())
	}

	balance, err := l.db.IncBalance(userID, amount)
	if err != nil {
		log.L.Error("deposit failed", zap.String("uid", userID), zap.Error(err))
		return failResult(serverErrMsg)
	}
	if err = l.db.CreateTransaction(model.Transaction{
		UserID: userID, Type: model.TxTypeDeposit, Amount: amount, Timestamp: time.Now(),
	}); err != nil {
		log.L.Error("create deposit transaction failed", zap.String("uid", userID), zap.Error(err))
	}

	return OpResult{Success: true, Message: "deposit successful", Amount: amount, Balance: balance}
}
