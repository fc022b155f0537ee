package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/model"
	"github.com/felixmachan/stravaFetch/internal/records"
)

// testDB is returned by InitDB when set, for unit tests.
var testDB *gorm.DB

// SetTestDB sets the test database instance for unit tests
func SetTestDB(db *gorm.DB) {
	testDB = db
}

// InitDB initializes the database connection and performs schema migration
func InitDB(dsn string) (*gorm.DB, error) {
	if testDB != nil {
		return testDB, nil
	}
	if dsn == "" {
		return nil, errors.New("database URL is not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&model.Athlete{}, &model.AIInteraction{}, &model.PersonalRecord{}); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// InteractionLog appends AIInteraction records. It exposes no update or
// delete.
type InteractionLog struct {
	db *gorm.DB
}

func NewInteractionLog(db *gorm.DB) *InteractionLog {
	return &InteractionLog{db: db}
}

// Append writes one record.
func (l *InteractionLog) Append(ctx context.Context, i *model.AIInteraction) error {
	if err := l.db.WithContext(ctx).Create(i).Error; err != nil {
		return fmt.Errorf("writing ai interaction: %w", err)
	}
	return nil
}

// ForUser returns a user's most recent records, newest first.
func (l *InteractionLog) ForUser(ctx context.Context, userID int64, limit int) ([]model.AIInteraction, error) {
	var out []model.AIInteraction
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("listing ai interactions: %w", err)
	}
	return out, nil
}

// UsageSummary totals token usage per mode for a user.
type UsageSummary struct {
	Mode         string `json:"mode"`
	Calls        int    `json:"calls"`
	CacheHits    int    `json:"cache_hits"`
	TokensInput  int    `json:"tokens_input"`
	TokensOutput int    `json:"tokens_output"`
}

// Usage aggregates a user's token usage per mode.
func (l *InteractionLog) Usage(ctx context.Context, userID int64) ([]UsageSummary, error) {
	var out []UsageSummary
	err := l.db.WithContext(ctx).Model(&model.AIInteraction{}).
		Select("mode, count(*) as calls, sum(case when cache_hit then 1 else 0 end) as cache_hits, " +
			"sum(tokens_input) as tokens_input, sum(tokens_output) as tokens_output").
		Where("user_id = ?", userID).
		Group("mode").
		Order("mode").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("summarising ai usage: %w", err)
	}
	return out, nil
}

// Athletes reads and updates athlete rows.
type Athletes struct {
	db *gorm.DB
}

func NewAthletes(db *gorm.DB) *Athletes {
	return &Athletes{db: db}
}

// ByStravaID returns the athlete with the given provider id, creating an
// empty row on first sight.
func (a *Athletes) ByStravaID(ctx context.Context, stravaID int64) (*model.Athlete, error) {
	empty, err := model.JSONB(nil)
	if err != nil {
		return nil, err
	}
	var athlete model.Athlete
	err = a.db.WithContext(ctx).
		Where(model.Athlete{StravaAthleteID: stravaID}).
		Attrs(model.Athlete{Profile: empty, Goal: empty}).
		FirstOrCreate(&athlete).Error
	if err != nil {
		return nil, fmt.Errorf("loading athlete %d: %w", stravaID, err)
	}
	return &athlete, nil
}

// SetLastActivity records the last processed activity id.
func (a *Athletes) SetLastActivity(ctx context.Context, athlete *model.Athlete, activityID int64) error {
	err := a.db.WithContext(ctx).Model(athlete).Update("last_activity_id", activityID).Error
	if err != nil {
		return fmt.Errorf("updating last activity for athlete %d: %w", athlete.StravaAthleteID, err)
	}
	return nil
}

// Records stores personal records.
type Records struct {
	db *gorm.DB
}

func NewRecords(db *gorm.DB) *Records {
	return &Records{db: db}
}

// Update folds act's best efforts into the athlete's records. Only the
// efforts act reports are rewritten.
func (r *Records) Update(ctx context.Context, athleteID uint, act activity.Activity, now time.Time) error {
	keys := records.Keys(act.BestEfforts)
	if len(keys) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []model.PersonalRecord
		if err := tx.Where("athlete_id = ? AND effort_key IN ?", athleteID, keys).Find(&rows).Error; err != nil {
			return err
		}
		existing := make([]records.Entry, 0, len(rows))
		for _, row := range rows {
			existing = append(existing, toEntry(row))
		}
		merged := records.Merge(existing, act, now)

		if err := tx.Where("athlete_id = ? AND effort_key IN ?", athleteID, keys).Delete(&model.PersonalRecord{}).Error; err != nil {
			return err
		}
		var out []model.PersonalRecord
		for _, key := range keys {
			for _, e := range merged[key] {
				out = append(out, model.PersonalRecord{
					AthleteID:        athleteID,
					EffortKey:        e.Key,
					EffortLabel:      e.Label,
					DistanceM:        e.DistanceM,
					Rank:             e.Rank,
					ElapsedTimeS:     e.ElapsedTimeS,
					AchievedAt:       e.AchievedAt,
					StravaActivityID: e.ActivityID,
					ActivityName:     e.ActivityName,
				})
			}
		}
		if len(out) == 0 {
			return nil
		}
		return tx.Create(&out).Error
	})
	if err != nil {
		return fmt.Errorf("updating personal records for athlete %d: %w", athleteID, err)
	}
	return nil
}

// Snapshot returns the athlete's records grouped by effort.
func (r *Records) Snapshot(ctx context.Context, athleteID uint) ([]records.Group, error) {
	var rows []model.PersonalRecord
	err := r.db.WithContext(ctx).
		Where("athlete_id = ?", athleteID).
		Order("effort_label, rank").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("listing personal records: %w", err)
	}
	entries := make([]records.Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, toEntry(row))
	}
	return records.Snapshot(entries), nil
}

func toEntry(row model.PersonalRecord) records.Entry {
	return records.Entry{
		Key:          row.EffortKey,
		Label:        row.EffortLabel,
		DistanceM:    row.DistanceM,
		Rank:         row.Rank,
		ElapsedTimeS: row.ElapsedTimeS,
		AchievedAt:   row.AchievedAt,
		ActivityID:   row.StravaActivityID,
		ActivityName: row.ActivityName,
	}
}
