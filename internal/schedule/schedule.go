// Package schedule reads planned sessions from an iCal feed and matches them
// against completed activities.
package schedule

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/apognu/gocal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/weekly"
)

// Session statuses.
const (
	StatusPlanned = "planned"
	StatusDone    = "done"
	StatusMissed  = "missed"
)

type Event struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
}

// Session is one planned day entry.
type Session struct {
	Date   string `json:"date"`
	Sport  string `json:"sport"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// WeekPlan is the planned week used as the source of truth for dates and
// sessions in coaching prompts.
type WeekPlan struct {
	WeekStart             string    `json:"week_start"`
	WeekEnd               string    `json:"week_end"`
	HasPlan               bool      `json:"has_plan"`
	PlannedSessionCount   int       `json:"planned_session_count"`
	CompletedSessionCount int       `json:"completed_session_count"`
	Days                  []Session `json:"days"`
}

// Dates returns the set of dates that carry a session.
func (p WeekPlan) Dates() map[string]bool {
	out := make(map[string]bool, len(p.Days))
	for _, d := range p.Days {
		out[d.Date] = true
	}
	return out
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Service struct {
	Client HTTPClient
	URL    string
}

func NewService(client HTTPClient, url string) *Service {
	if client == nil {
		client = http.DefaultClient
	}
	return &Service{Client: client, URL: url}
}

// Events returns the feed's events overlapping [from, to].
func (s *Service) Events(ctx context.Context, from, to time.Time) ([]Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching calendar: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching calendar: unexpected status %d", resp.StatusCode)
	}

	c := gocal.NewParser(resp.Body)
	c.Start, c.End = &from, &to
	if err := c.Parse(); err != nil {
		return nil, fmt.Errorf("parsing calendar: %w", err)
	}

	events := make([]Event, 0, len(c.Events))
	for _, e := range c.Events {
		if e.Start == nil {
			continue
		}
		ev := Event{Summary: e.Summary, Description: e.Description, Start: *e.Start}
		if e.End != nil {
			ev.End = *e.End
		}
		events = append(events, ev)
	}
	return events, nil
}

// Week returns the plan for the week containing now. A service without a
// feed URL returns an empty plan.
func (s *Service) Week(ctx context.Context, now time.Time, done []activity.Activity) (WeekPlan, error) {
	start := weekly.WeekStart(now)
	if s == nil || s.URL == "" {
		return Plan(nil, start, now, done), nil
	}
	events, err := s.Events(ctx, start, start.AddDate(0, 0, 7).Add(-time.Second))
	if err != nil {
		return Plan(nil, start, now, done), err
	}
	return Plan(events, start, now, done), nil
}

// Plan builds the week starting at weekStart. A session is done when an
// activity of the same sport falls on its date; each activity completes at
// most one session. Unmatched sessions before today are missed.
func Plan(events []Event, weekStart, now time.Time, done []activity.Activity) WeekPlan {
	end := weekStart.AddDate(0, 0, 6)
	p := WeekPlan{
		WeekStart: weekStart.Format(time.DateOnly),
		WeekEnd:   end.Format(time.DateOnly),
		Days:      []Session{},
	}
	today := now.Format(time.DateOnly)

	sort.SliceStable(events, func(i, j int) bool { return events[i].Start.Before(events[j].Start) })

	used := make(map[int]bool)
	for _, e := range events {
		date := e.Start.Format(time.DateOnly)
		if date < p.WeekStart || date > p.WeekEnd {
			continue
		}
		sport, title := ParseSummary(e.Summary)
		sess := Session{Date: date, Sport: sport, Title: title, Status: StatusPlanned}
		for i, a := range done {
			if used[i] || a.LocalStart().Format(time.DateOnly) != date {
				continue
			}
			if sport != "" && a.Sport() != sport {
				continue
			}
			used[i] = true
			sess.Status = StatusDone
			break
		}
		if sess.Status == StatusPlanned && date < today {
			sess.Status = StatusMissed
		}
		switch sess.Status {
		case StatusPlanned:
			p.PlannedSessionCount++
		case StatusDone:
			p.CompletedSessionCount++
		}
		p.Days = append(p.Days, sess)
	}
	p.HasPlan = len(p.Days) > 0
	return p
}

// ParseSummary splits a "Sport - Workout" summary. The sport is reduced to
// its family (run, ride, swim) and is empty when unrecognised.
func ParseSummary(summary string) (sport, name string) {
	summary = strings.TrimSpace(summary)
	head, rest, found := strings.Cut(summary, " - ")
	if !found {
		return sportFamily(summary), cases.Title(language.English).String(summary)
	}
	if fam := sportFamily(head); fam != "" {
		return fam, strings.TrimSpace(rest)
	}
	return sportFamily(summary), summary
}

func sportFamily(s string) string {
	probe := activity.Activity{SportType: s}
	if sport := probe.Sport(); sport != "" {
		return sport
	}
	switch l := strings.ToLower(s); {
	case strings.Contains(l, "bike"), strings.Contains(l, "cycl"):
		return activity.SportRide
	}
	return ""
}
