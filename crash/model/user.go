package model

import "time"

type User struct {
	ID        string    `bson:"_id" json:"id"`
	Username  string    `json:"username"`
	Balance   float64   `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}
