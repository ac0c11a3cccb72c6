package crash

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundState_ResetForBetting(t *testing.T) {
	s := NewRoundState()
	assert.NoError(t, s.AddPlayer("u1", "a", 10, 0))

	s.ResetForBetting("r1", "hash1", "hash2", 10)
	assert.Equal(t, "r1", s.RoundID())
	assert.True(t, s.InBettingPhase())
	assert.False(t, s.HasPlayer("u1"))
	assert.Equal(t, 1.00, s.Multiplier())

	sc := s.Scene()
	assert.Equal(t, "gameState", sc.Type)
	assert.Equal(t, "hash1", sc.ServerSeedHash)
	assert.Equal(t, "hash2", sc.NextServerSeedHash)
	assert.Equal(t, 10, sc.NextGameCountdown)
}

func TestRoundState_AdvanceMultiplier(t *testing.T) {
	s := NewRoundState()
	s.ResetForBetting("r1", "h", "nh", 10)

	// 没开跑时推不动
	m, crashed := s.AdvanceMultiplier(1.5)
	assert.Equal(t, 1.00, m)
	assert.False(t, crashed)

	s.StartRunning(10)
	assert.True(t, s.InRunningPhase())

	// 增长太小被取整吃掉时倍数不能回退
	m, crashed = s.AdvanceMultiplier(1.0001)
	assert.Equal(t, 1.00, m)
	assert.False(t, crashed)

	m, crashed = s.AdvanceMultiplier(1.015)
	assert.Equal(t, 1.01, m)
	assert.False(t, crashed)

	m, crashed = s.AdvanceMultiplier(20)
	assert.True(t, crashed)
	// 判爆和钉倍数在同一临界区完成，倍数绝不会越过爆点
	assert.Equal(t, 10.0, m)
	assert.Equal(t, 10.0, s.Multiplier())
	assert.False(t, s.InRunningPhase())

	cp := s.EndCrashed()
	assert.Equal(t, 10.0, cp)
	// 对外展示的最终倍数钉在爆点
	assert.Equal(t, 10.0, s.Multiplier())
	assert.False(t, s.InRunningPhase())
	assert.Equal(t, PhaseCompleted, s.Scene().Phase)
}

// 四舍五入推进：半分以上进位，小步长增长不会被取整吃掉
func TestRoundState_AdvanceMultiplierRoundsNearest(t *testing.T) {
	s := NewRoundState()
	s.ResetForBetting("r1", "h", "nh", 10)
	s.StartRunning(10)

	m, crashed := s.AdvanceMultiplier(1.0075)
	assert.Equal(t, 1.01, m)
	assert.False(t, crashed)
}

func TestRoundState_CrashClampsMultiplier(t *testing.T) {
	s := NewRoundState()
	s.ResetForBetting("r1", "h", "nh", 10)
	s.StartRunning(2.50)

	m, crashed := s.AdvanceMultiplier(2.6)
	assert.True(t, crashed)
	assert.Equal(t, 2.50, m)
	assert.Equal(t, 2.50, s.Multiplier())
	assert.False(t, s.InRunningPhase())

	// 爆过之后再推不动
	m, crashed = s.AdvanceMultiplier(2)
	assert.False(t, crashed)
	assert.Equal(t, 2.50, m)
}

func TestRoundState_AddPlayer(t *testing.T) {
	s := NewRoundState()
	s.ResetForBetting("r1", "h", "nh", 10)

	assert.NoError(t, s.AddPlayer("u1", "alice", 100, 0))
	assert.Error(t, s.AddPlayer("u1", "alice", 50, 0))
	assert.True(t, s.HasPlayer("u1"))

	amount, cashedOut, ok := s.PlayerBet("u1")
	assert.True(t, ok)
	assert.False(t, cashedOut)
	assert.Equal(t, 100.0, amount)

	_, _, ok = s.PlayerBet("nobody")
	assert.False(t, ok)

	s.MarkCashedOut("u1", 2.1)
	_, cashedOut, _ = s.PlayerBet("u1")
	assert.True(t, cashedOut)

	sc := s.Scene()
	assert.Len(t, sc.Players, 1)
	assert.Equal(t, "u1", sc.Players[0].ID)
	assert.Equal(t, 2.1, sc.Players[0].CashoutMultiplier)
}

func TestRoundState_AutoCashoutDue(t *testing.T) {
	s := NewRoundState()
	s.ResetForBetting("r1", "h", "nh", 10)
	assert.NoError(t, s.AddPlayer("u1", "a", 10, 0))
	assert.NoError(t, s.AddPlayer("u2", "b", 10, 1.5))
	assert.NoError(t, s.AddPlayer("u3", "c", 10, 3))

	assert.Empty(t, s.AutoCashoutDue(1.2))
	assert.Equal(t, []string{"u2"}, s.AutoCashoutDue(1.5))

	s.MarkCashedOut("u2", 1.5)
	due := s.AutoCashoutDue(5)
	assert.Equal(t, []string{"u3"}, due)
}

func TestRoundState_CrashHistory(t *testing.T) {
	s := NewRoundState()
	for i := 0; i < 15; i++ {
		s.PushCrashPoint(float64(i))
	}
	sc := s.Scene()
	assert.Len(t, sc.LastCrashPoints, crashHistoryLen)
	// 新的在最前
	assert.Equal(t, 14.0, sc.LastCrashPoints[0])
	assert.Equal(t, 5.0, sc.LastCrashPoints[crashHistoryLen-1])

	s.SetRecentCrashPoints([]float64{2.5, 1.1})
	assert.Equal(t, []float64{2.5, 1.1}, s.Scene().LastCrashPoints)
}

func TestRoundState_SceneIsSnapshot(t *testing.T) {
	s := NewRoundState()
	s.ResetForBetting("r1", "h", "nh", 10)
	assert.NoError(t, s.AddPlayer("u1", "a", 10, 0))

	sc := s.Scene()
	assert.NoError(t, s.AddPlayer("u2", "b", 20, 0))
	s.PushCrashPoint(3.3)

	assert.Len(t, sc.Players, 1)
	assert.Empty(t, sc.LastCrashPoints)
}

func TestRoundState_ConcurrentAccess(t *testing.T) {
	s := NewRoundState()
	s.ResetForBetting("r1", "h", "nh", 10)
	s.StartRunning(1000)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			s.AdvanceMultiplier(1.001)
			_ = s.AddPlayer(fmt.Sprintf("u%v", i), "x", 1, 0)
		}
		close(done)
	}()
	for i := 0; i < 200; i++ {
		_ = s.Scene()
		_ = s.Multiplier()
	}
	<-done
}
