package model

import "time"

const (
	TxTypeBet     = "bet"
	TxTypeCashout = "cashout"
	TxTypeDeposit = "deposit"
)

// 资金流水，下注、提现、充值各记一笔
type Transaction struct {
	UserID     string    `json:"user_id"`
	Type       string    `json:"type"`
	Amount     float64   `json:"amount"`
	Multiplier float64   `json:"multiplier"`
	RoundID    string    `json:"round_id"`
	Timestamp  time.Time `json:"timestamp"`
}
