package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	"gorm.io/gorm"

	"github.com/felixmachan/stravaFetch/internal/activity"
)

// Athlete represents an athlete in the database
type Athlete struct {
	gorm.Model
	LastActivityID    int64
	StravaAthleteID   int64 `gorm:"uniqueIndex"`
	StravaAthleteName string
	Profile           pgtype.JSONB `gorm:"type:jsonb;default:'{}'"`
	Goal              pgtype.JSONB `gorm:"type:jsonb;default:'{}'"`
}

// Settings decodes the stored profile and goal. Empty columns decode to
// zero values.
func (a *Athlete) Settings() (activity.Profile, activity.Goal, error) {
	var p activity.Profile
	var g activity.Goal
	if a.Profile.Status == pgtype.Present && len(a.Profile.Bytes) > 0 {
		if err := json.Unmarshal(a.Profile.Bytes, &p); err != nil {
			return p, g, fmt.Errorf("decoding profile: %w", err)
		}
	}
	if a.Goal.Status == pgtype.Present && len(a.Goal.Bytes) > 0 {
		if err := json.Unmarshal(a.Goal.Bytes, &g); err != nil {
			return p, g, fmt.Errorf("decoding goal: %w", err)
		}
	}
	p.UserID = int64(a.ID)
	return p, g, nil
}

// AIInteraction is one append-only record per coaching pipeline run,
// including cache hits and fallbacks.
type AIInteraction struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	CreatedAt     time.Time `gorm:"index"`
	UserID        int64     `gorm:"index"`
	Mode          string    `gorm:"index"`
	Model         string
	Source        string
	Status        string
	CacheKey      string
	CacheHit      bool
	PromptSystem  string
	PromptUser    string
	ResponseText  string
	ErrorMessage  string
	TokensInput   int
	TokensOutput  int
	ContextHash   string
	RequestParams pgtype.JSONB `gorm:"type:jsonb;default:'{}'"`
}

// BeforeCreate assigns an id when the caller did not.
func (i *AIInteraction) BeforeCreate(*gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// PersonalRecord is one of an athlete's three fastest times for an effort.
// The rows for an effort are replaced as a set whenever a new activity
// reports it.
type PersonalRecord struct {
	ID               uint      `gorm:"primaryKey"`
	CreatedAt        time.Time
	AthleteID        uint   `gorm:"index:idx_record_effort"`
	EffortKey        string `gorm:"index:idx_record_effort;size:96"`
	EffortLabel      string `gorm:"size:128"`
	DistanceM        float64
	Rank             int
	ElapsedTimeS     int64
	AchievedAt       time.Time
	StravaActivityID int64
	ActivityName     string
}

// JSONB wraps v for a jsonb column. A nil v stores an empty object.
func JSONB(v any) (pgtype.JSONB, error) {
	var j pgtype.JSONB
	if v == nil {
		v = map[string]any{}
	}
	if err := j.Set(v); err != nil {
		return j, fmt.Errorf("encoding jsonb: %w", err)
	}
	return j, nil
}
