package model

import "time"

// 一个用户在一轮中的注单，(round_id, user_id)唯一
type Bet struct {
	RoundID           string    `json:"round_id"`
	UserID            string    `json:"user_id"`
	Amount            float64   `json:"amount"`
	AutoCashoutAt     float64   `json:"auto_cashout_at"`
	CashoutMultiplier float64   `json:"cashout_multiplier"`
	HasCashedOut      bool      `json:"has_cashed_out"`
	Timestamp         time.Time `json:"timestamp"`
}
