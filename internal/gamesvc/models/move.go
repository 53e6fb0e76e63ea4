package models

import "time"

// Move is one row of the append-only move log. PositionX is the column and
// PositionY the row.
type Move struct {
	ID         int64     `json:"id" bson:"id"`
	GameID     int64     `json:"game_id" bson:"game_id"`
	UserID     int64     `json:"user_id" bson:"user_id"`
	PositionX  int       `json:"position_x" bson:"position_x"`
	PositionY  int       `json:"position_y" bson:"position_y"`
	MoveNumber int       `json:"move_number" bson:"move_number"`
	Piece      string    `json:"piece" bson:"piece"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}

func (m *Move) Row() int {
	return m.PositionY
}

func (m *Move) Col() int {
	return m.PositionX
}
