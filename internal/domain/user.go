package domain

import "time"

// User is the per-chat-participant record. Counters grow monotonically
// within a window and are zeroed exactly once per UTC calendar day or month
// crossing. Memory holds the latest compressed conversation digest and may
// be empty.
type User struct {
	UserID            string
	DailyTokensUsed   int64
	MonthlyTokensUsed int64
	DailyResetAt      time.Time
	MonthlyResetAt    time.Time
	Memory            string
}

// Message is a single persisted conversation turn. Messages are append-only
// and ordered per user by CreatedAt.
type Message struct {
	UserID    string
	Role      string
	Content   string
	CreatedAt time.Time
}
