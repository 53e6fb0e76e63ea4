package models

import "time"

// GameRecord is the archived form of a finished game.
type GameRecord struct {
	GameID     int64      `json:"game_id" bson:"game_id"`
	BoardSize  int        `json:"board_size" bson:"board_size"`
	Status     GameStatus `json:"status" bson:"status"`
	HostID     int64      `json:"host_id" bson:"host_id"`
	GuestID    int64      `json:"guest_id" bson:"guest_id"`
	HostName   string     `json:"host_name" bson:"host_name"`
	GuestName  string     `json:"guest_name" bson:"guest_name"`
	WinnerID   int64      `json:"winner_id,omitempty" bson:"winner_id,omitempty"`
	Moves      []*Move    `json:"moves" bson:"moves"`
	Board      [][]string `json:"board" bson:"board"`
	FinishedAt time.Time  `json:"finished_at" bson:"finished_at"`
	ExpiresAt  time.Time  `json:"-" bson:"expires_at"`
}
