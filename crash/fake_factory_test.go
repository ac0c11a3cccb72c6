package crash

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	g_error "github.com/LeaguesOfHoleHoleShoes/CrashHole/crash/common/g-error"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/crash/model"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	scenes []*GameScene
}

func (b *fakeBroadcaster) BroadcastScene(s *GameScene) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scenes = append(b.scenes, s)
}

func (b *fakeBroadcaster) sceneCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.scenes)
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		rounds: map[string]*model.Round{},
		bets:   map[string]*model.Bet{},
		users:  map[string]*model.User{},
	}
}

// 内存版Database，语义对齐mongo实现：条件扣款原子、重复注单报错
type fakeDB struct {
	mu sync.Mutex

	rounds map[string]*model.Round
	bets   map[string]*model.Bet
	users  map[string]*model.User
	txs    []model.Transaction

	failCreateBet bool
}

func betKey(roundID, userID string) string { return roundID + "/" + userID }

func (db *fakeDB) SaveRound(r model.Round) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.rounds[r.RoundID]; ok {
		return errors.New("duplicate round id")
	}
	cp := r
	db.rounds[r.RoundID] = &cp
	return nil
}

func (db *fakeDB) GetRound(roundID string) (*model.Round, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.rounds[roundID]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (db *fakeDB) LatestRound() (*model.Round, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var latest *model.Round
	for _, r := range db.rounds {
		if latest == nil || r.Timestamp.After(latest.Timestamp) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (db *fakeDB) RevealRound(roundID string, crashPoint float64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.rounds[roundID]
	if !ok {
		return errors.New("round not found")
	}
	r.CrashPoint = crashPoint
	r.Revealed = true
	return nil
}

func (db *fakeDB) SetRoundRTP(roundID string, rtp float64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	r, ok := db.rounds[roundID]
	if !ok {
		return errors.New("round not found")
	}
	r.RTP = rtp
	return nil
}

func (db *fakeDB) RecentCrashPoints(limit int) ([]float64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var revealed []*model.Round
	for _, r := range db.rounds {
		if r.Revealed {
			revealed = append(revealed, r)
		}
	}
	var cps []float64
	for len(revealed) > 0 && len(cps) < limit {
		latest := 0
		for i, r := range revealed {
			if r.Timestamp.After(revealed[latest].Timestamp) {
				latest = i
			}
		}
		cps = append(cps, revealed[latest].CrashPoint)
		revealed = append(revealed[:latest], revealed[latest+1:]...)
	}
	return cps, nil
}

func (db *fakeDB) CreateBet(b model.Bet) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.failCreateBet {
		return errors.New("bet insert failed")
	}
	k := betKey(b.RoundID, b.UserID)
	if _, ok := db.bets[k]; ok {
		return errors.New("duplicate bet")
	}
	cp := b
	db.bets[k] = &cp
	return nil
}

func (db *fakeDB) SettleBet(roundID string, userID string, multiplier float64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	b, ok := db.bets[betKey(roundID, userID)]
	if !ok {
		return errors.New("bet not found")
	}
	b.CashoutMultiplier = multiplier
	b.HasCashedOut = true
	return nil
}

func (db *fakeDB) GetBet(roundID string, userID string) (*model.Bet, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	b, ok := db.bets[betKey(roundID, userID)]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

func (db *fakeDB) GetUser(userID string) (*model.User, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[userID]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (db *fakeDB) DecBalance(userID string, amount float64) (float64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[userID]
	if !ok || u.Balance < amount {
		return 0, g_error.ErrInsufficientBalance
	}
	u.Balance -= amount
	return u.Balance, nil
}

func (db *fakeDB) IncBalance(userID string, amount float64) (float64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	u, ok := db.users[userID]
	if !ok {
		return 0, g_error.ErrUserNotFound
	}
	u.Balance += amount
	return u.Balance, nil
}

func (db *fakeDB) CreateTransaction(tx model.Transaction) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.txs = append(db.txs, tx)
	return nil
}

func (db *fakeDB) balanceOf(userID string) float64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.users[userID].Balance
}

func (db *fakeDB) roundCount() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.rounds)
}

func (db *fakeDB) txCountOf(txType string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, tx := range db.txs {
		if tx.Type == txType {
			n++
		}
	}
	return n
}

func newFakeDBWithUser(userID string, balance float64) *fakeDB {
	db := newFakeDB()
	db.users[userID] = &model.User{ID: userID, Username: "u_" + userID, Balance: balance, CreatedAt: time.Now()}
	return db
}
