package model

// KarmaAward はaward_karmaプロシージャへの入力。
type KarmaAward struct {
	UserID          string
	Points          int
	Reason          string
	TransactionType string // 省略時は "manual"
	JobID           *string
	MissionID       *string
}

// DefaultUserLevel はレベル計算結果が得られない場合のレベル。
const DefaultUserLevel = 1
