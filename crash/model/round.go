package model

import "time"

// 一轮游戏的落库记录。serverSeed在开奖（revealed=true）前绝不能下发
type Round struct {
	RoundID        string    `json:"round_id"`
	ServerSeed     string    `json:"-"`
	ServerSeedHash string    `json:"server_seed_hash"`
	CrashPoint     float64   `json:"crash_point"`
	RTP            float64   `json:"rtp"`
	Revealed       bool      `json:"revealed"`
	Timestamp      time.Time `json:"timestamp"`
}
