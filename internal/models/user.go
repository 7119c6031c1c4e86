package models

import (
	"time"

	"github.com/google/uuid"
)

// User is a wallet that has signed in at least once.
type User struct {
	ID           uuid.UUID `json:"id"`
	Address      string    `json:"address"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}
