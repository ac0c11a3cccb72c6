package fairness

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"go.uber.org/zap"

	"github.com/LeaguesOfHoleHoleShoes/CrashHole/log"
)

const (
	seedLen = 32

	// 赔率下限。公式上保证最低可见倍数，也避免除法爆炸
	baseMultiplier = 0.99

	// 验证时允许的浮点误差
	verifyTolerance = 0.001
)

// 生成本轮的server seed，32字节随机数的hex
func GenSeed() string {
	b := make([]byte, seedLen)
	if _, err := rand.Read(b); err != nil {
		// 没有熵就没法保证公平，直接挂掉
		panic("read rand bytes failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// seed的承诺hash，开奖前公开
func Hash(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

/*

根据seed和round id确定性地推出爆点

HMAC-SHA256(key: serverSeed, msg: roundID)，取前32位作为n，x = n / 2^32，
爆点 = max(0.99, floor(100 / (1 - x + houseEdge)) / 100)

任何内部出错都返回1.00，绝不让一个未定义的爆点进入轮次

*/
func GenCrash(serverSeed string, roundID string, rtp float64) float64 {
	if serverSeed == "" || roundID == "" || rtp <= 0 || rtp >= 1 {
		log.L.Error("gen crash with invalid input", zap.String("round id", roundID), zap.Float64("rtp", rtp))
		return 1.00
	}

	mac := hmac.New(sha256.New, []byte(serverSeed))
	if _, err := mac.Write([]byte(roundID)); err != nil {
		log.L.Error("gen crash hmac failed", zap.Error(err))
		return 1.00
	}
	digest := mac.Sum(nil)

	n := binary.BigEndian.Uint32(digest[:4])
	x := float64(n) / math.Pow(2, 32)

	houseEdge := 1 - rtp
	cp := math.Max(baseMultiplier, math.Floor(100/(1-x+houseEdge))/100)
	if math.IsNaN(cp) || math.IsInf(cp, 0) {
		log.L.Error("gen crash got invalid result", zap.String("round id", roundID), zap.Float64("x", x))
		return 1.00
	}
	return cp
}

// 用seed重算爆点并与记录值比对
func VerifyCrash(serverSeed string, roundID string, crashPoint float64, rtp float64) bool {
	return math.Abs(GenCrash(serverSeed, roundID, rtp)-crashPoint) < verifyTolerance
}

// 自动提现策略下的实际rtp
func EffectiveRTP(targetRTP float64, autoCashoutAt float64) float64 {
	if autoCashoutAt <= 1 {
		return targetRTP
	}
	// 到达该倍数的概率乘以该倍数即期望，再乘目标rtp
	return (1 / autoCashoutAt) * autoCashoutAt * targetRTP
}

// 开奖后给客户端的完整证明材料
type Proof struct {
	RoundID        string  `json:"round_id"`
	ServerSeed     string  `json:"server_seed"`
	ServerSeedHash string  `json:"server_seed_hash"`
	CrashPoint     float64 `json:"crash_point"`
	RTP            float64 `json:"rtp"`
}

func GenerateProof(serverSeed string, roundID string, crashPoint float64, rtp float64) Proof {
	return Proof{
		RoundID:        roundID,
		ServerSeed:     serverSeed,
		ServerSeedHash: Hash(serverSeed),
		CrashPoint:     crashPoint,
		RTP:            rtp,
	}
}
