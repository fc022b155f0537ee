// Package strava fetches activities and their streams from the Strava API and
// maps them onto the core activity types.
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/felixmachan/stravaFetch/internal/activity"
	"github.com/felixmachan/stravaFetch/internal/client"
	"github.com/felixmachan/stravaFetch/internal/derive"
)

// StreamKeys are the channels requested from the streams endpoint.
var StreamKeys = []string{
	"time", "latlng", "distance", "altitude", "velocity_smooth",
	"heartrate", "cadence", "watts", "temp", "moving", "grade_smooth",
}

// Activity holds only the data we want from the Strava API for an activity.
type Activity struct {
	ID                 int64           `json:"id"`
	Athlete            athleteRef      `json:"athlete"`
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Type               string          `json:"type"`
	SportType          string          `json:"sport_type"`
	StartDate          time.Time       `json:"start_date"`
	StartDateLocal     time.Time       `json:"start_date_local"`
	Distance           float64         `json:"distance"`
	MovingTime         int64           `json:"moving_time"`
	ElapsedTime        int64           `json:"elapsed_time"`
	TotalElevationGain *float64        `json:"total_elevation_gain"`
	AverageHeartrate   *float64        `json:"average_heartrate"`
	MaxHeartrate       *float64        `json:"max_heartrate"`
	AverageWatts       *float64        `json:"average_watts"`
	AverageCadence     *float64        `json:"average_cadence"`
	SufferScore        *float64        `json:"suffer_score"`
	SplitsMetric       []Split         `json:"splits_metric"`
	BestEfforts        []BestEffort    `json:"best_efforts"`
	Raw                json.RawMessage `json:"-"`
}

type athleteRef struct {
	ID int64 `json:"id"`
}

// Split is one entry of splits_metric.
type Split struct {
	Split            int      `json:"split"`
	Distance         float64  `json:"distance"`
	ElapsedTime      float64  `json:"elapsed_time"`
	MovingTime       float64  `json:"moving_time"`
	AverageHeartrate *float64 `json:"average_heartrate"`
}

// BestEffort is one entry of best_efforts. pr_rank is null outside the top
// three.
type BestEffort struct {
	Name        string  `json:"name"`
	Distance    float64 `json:"distance"`
	ElapsedTime int64   `json:"elapsed_time"`
	MovingTime  int64   `json:"moving_time"`
	PRRank      *int    `json:"pr_rank"`
}

// UnmarshalJSON keeps the full payload alongside the typed fields.
func (a *Activity) UnmarshalJSON(b []byte) error {
	type plain Activity
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*a = Activity(p)
	a.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// UpdatableActivity is the body of an activity update.
type UpdatableActivity struct {
	Description string `json:"description,omitempty"`
	Name        string `json:"name,omitempty"`
}

type WebhookPayload struct {
	AspectType     string  `json:"aspect_type"`
	EventTime      int64   `json:"event_time"`
	ObjectID       int64   `json:"object_id"`
	ObjectType     string  `json:"object_type"`
	OwnerID        int64   `json:"owner_id"`
	SubscriptionID int64   `json:"subscription_id"`
	Updates        updates `json:"updates"`
}

type updates struct {
	Authorized string `json:"authorized,omitempty"`
	Private    string `json:"private,omitempty"`
	Title      string `json:"title,omitempty"`
	Type       string `json:"type,omitempty"`
}

// NewClient returns an API client authenticated with an access token that
// has already been obtained and refreshed elsewhere.
func NewClient(ctx context.Context, baseURL, accessToken string) (*client.Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing strava base URL: %w", err)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	return client.NewClient(u, oauth2.NewClient(ctx, ts)), nil
}

func GetActivity(ctx context.Context, c *client.Client, id int64) (*Activity, error) {
	var a Activity
	req, err := c.NewRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v3/activities/%d", id), nil)
	if err != nil {
		return nil, fmt.Errorf("creating get activity request: %w", err)
	}

	resp, err := c.Do(req, &a)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("getting activity %d: %w", id, err)
	}

	return &a, nil
}

// ListActivities returns the authenticated athlete's activities that started
// after the given time, following pagination.
func ListActivities(ctx context.Context, c *client.Client, after time.Time) ([]Activity, error) {
	const perPage = 100
	var out []Activity
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("after", fmt.Sprint(after.Unix()))
		q.Set("page", fmt.Sprint(page))
		q.Set("per_page", fmt.Sprint(perPage))

		req, err := c.NewRequest(ctx, http.MethodGet, "/api/v3/athlete/activities?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("creating list activities request: %w", err)
		}
		var batch []Activity
		resp, err := c.Do(req, &batch)
		if resp != nil {
			defer resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("listing activities page %d: %w", page, err)
		}
		out = append(out, batch...)
		if len(batch) < perPage {
			return out, nil
		}
	}
}

// Stream is one channel of a key_by_type streams response.
type Stream struct {
	Data json.RawMessage `json:"data"`
}

// GetStreams fetches the activity's streams keyed by type. Channels the
// provider did not record are left nil.
func GetStreams(ctx context.Context, c *client.Client, id int64) (*activity.StreamSet, error) {
	q := url.Values{}
	q.Set("keys", strings.Join(StreamKeys, ","))
	q.Set("key_by_type", "true")

	req, err := c.NewRequest(ctx, http.MethodGet, fmt.Sprintf("/api/v3/activities/%d/streams?%s", id, q.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("creating get streams request: %w", err)
	}

	raw := map[string]Stream{}
	resp, err := c.Do(req, &raw)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("getting streams for activity %d: %w", id, err)
	}

	return ToStreamSet(raw), nil
}

// ToStreamSet decodes the key_by_type response. A channel whose data does
// not decode is treated as absent.
func ToStreamSet(raw map[string]Stream) *activity.StreamSet {
	var s activity.StreamSet
	scalar := func(key string) []float64 {
		st, ok := raw[key]
		if !ok {
			return nil
		}
		var out []float64
		if err := json.Unmarshal(st.Data, &out); err != nil {
			return nil
		}
		return out
	}
	s.Time = scalar(activity.ChannelTime)
	s.Distance = scalar(activity.ChannelDistance)
	s.Heartrate = scalar(activity.ChannelHeartrate)
	s.Altitude = scalar(activity.ChannelAltitude)
	s.Watts = scalar(activity.ChannelWatts)
	s.Cadence = scalar(activity.ChannelCadence)
	if st, ok := raw[activity.ChannelLatLng]; ok {
		var ll [][2]float64
		if err := json.Unmarshal(st.Data, &ll); err == nil {
			s.LatLng = ll
		}
	}
	return &s
}

// ToActivity maps the API payload onto the core record.
func (a *Activity) ToActivity() activity.Activity {
	sport := a.SportType
	if sport == "" {
		sport = a.Type
	}
	out := activity.Activity{
		ID:             a.ID,
		ProviderID:     a.ID,
		AthleteID:      a.Athlete.ID,
		Name:           a.Name,
		SportType:      sport,
		StartDate:      a.StartDate.UTC(),
		StartDateLocal: a.StartDateLocal,
		DistanceM:      a.Distance,
		MovingTimeS:    a.MovingTime,
		ElapsedTimeS:   a.ElapsedTime,
		AvgHR:          a.AverageHeartrate,
		MaxHR:          a.MaxHeartrate,
		AvgWatts:       a.AverageWatts,
		AvgCadence:     a.AverageCadence,
		SufferScore:    a.SufferScore,
		ElevationGainM: a.TotalElevationGain,
		Raw:            a.Raw,
	}
	for _, e := range a.BestEfforts {
		be := activity.BestEffort{Name: e.Name, DistanceM: e.Distance, ElapsedTimeS: e.ElapsedTime}
		if e.PRRank != nil {
			be.PRRank = *e.PRRank
		}
		out.BestEfforts = append(out.BestEfforts, be)
	}
	for _, s := range a.SplitsMetric {
		out.ProviderSplits = append(out.ProviderSplits, activity.Split{
			Index:       s.Split,
			DistanceM:   s.Distance,
			ElapsedTime: s.ElapsedTime,
			AvgHR:       s.AverageHeartrate,
		})
	}
	return out
}

type athleteZones struct {
	HeartRate struct {
		CustomZones bool             `json:"custom_zones"`
		Zones       []derive.RawZone `json:"zones"`
	} `json:"heart_rate"`
}

// GetZones returns the authenticated athlete's heart-rate zones. An athlete
// without zones gets nil, leaving the caller to use the defaults.
func GetZones(ctx context.Context, c *client.Client) ([]activity.HRZone, error) {
	var z athleteZones
	req, err := c.NewRequest(ctx, http.MethodGet, "/api/v3/athlete/zones", nil)
	if err != nil {
		return nil, fmt.Errorf("creating get zones request: %w", err)
	}

	resp, err := c.Do(req, &z)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("getting athlete zones: %w", err)
	}

	return derive.NormalizeZones(z.HeartRate.Zones), nil
}

func UpdateActivity(ctx context.Context, c *client.Client, id int64, ua *UpdatableActivity) (*Activity, error) {
	var a Activity
	req, err := c.NewRequest(ctx, http.MethodPut, fmt.Sprintf("/api/v3/activities/%d", id), ua)
	if err != nil {
		return nil, fmt.Errorf("creating update activity request: %w", err)
	}

	resp, err := c.Do(req, &a)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("updating activity %d: %w", id, err)
	}

	return &a, nil
}

// Source lists the authenticated athlete's activities with a fixed access
// token.
type Source struct {
	BaseURL     string
	AccessToken string
}

// Since returns activities started after the given time. The athlete is the
// token's owner, so athleteID is not sent.
func (s Source) Since(ctx context.Context, _ int64, after time.Time) ([]activity.Activity, error) {
	c, err := NewClient(ctx, s.BaseURL, s.AccessToken)
	if err != nil {
		return nil, err
	}
	list, err := ListActivities(ctx, c, after)
	if err != nil {
		return nil, err
	}
	out := make([]activity.Activity, 0, len(list))
	for i := range list {
		out = append(out, list[i].ToActivity())
	}
	return out, nil
}
