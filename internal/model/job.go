package model

import "time"

// JobType はジョブ種別。
type JobType string

const (
	// JobTypeGoodDeeds は善行（無償の手助け）を表す。
	JobTypeGoodDeeds JobType = "good_deeds"
	// JobTypeKeinBock は有償の代行依頼を表す。
	JobTypeKeinBock JobType = "kein_bock"
)

// Job は掲載されたお手伝い依頼を表す。
type Job struct {
	ID                string
	CreatorID         string
	Title             string
	Description       string
	Category          string
	JobType           JobType
	Budget            *float64
	KarmaReward       *int
	Location          string
	Latitude          *float64
	Longitude         *float64
	Status            string
	AssignedTo        *string
	EstimatedDuration *int // 分
	DueDate           *string
	Requirements      []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
