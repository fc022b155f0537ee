package fitimport

import (
	"bytes"
	"encoding/binary"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/tormoder/fit"
)

var start = time.Date(2024, 5, 21, 6, 0, 0, 0, time.UTC)

func buildTestFIT(t *testing.T, withSession bool) []byte {
	t.Helper()

	header := fit.NewHeader(fit.V20, true)
	file, err := fit.NewFile(fit.FileTypeActivity, header)
	if err != nil {
		t.Fatalf("new fit file: %v", err)
	}
	act, err := file.Activity()
	if err != nil {
		t.Fatalf("activity accessor: %v", err)
	}

	samples := []struct {
		offset   time.Duration
		hr       uint8
		power    uint16
		distance uint32 // centimetres
	}{
		{0, 130, 200, 0},
		{10 * time.Second, math.MaxUint8, 210, 3000},
		{20 * time.Second, 140, 220, 6000},
	}
	// Written out of order to check sorting.
	for _, i := range []int{2, 0, 1} {
		s := samples[i]
		rec := fit.NewRecordMsg()
		rec.Timestamp = start.Add(s.offset)
		rec.HeartRate = s.hr
		rec.Power = s.power
		rec.Distance = s.distance
		act.Records = append(act.Records, rec)
	}

	if withSession {
		session := fit.NewSessionMsg()
		session.Timestamp = start.Add(20 * time.Second)
		session.StartTime = start
		session.Sport = fit.SportRunning
		session.TotalElapsedTime = 25000
		session.TotalTimerTime = 20000
		session.TotalDistance = 6000
		session.AvgHeartRate = 136
		session.MaxHeartRate = 141
		act.Sessions = append(act.Sessions, session)
	}

	var buf bytes.Buffer
	if err := fit.Encode(&buf, file, binary.LittleEndian); err != nil {
		t.Fatalf("encode fit: %v", err)
	}
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	a, set, err := Decode(bytes.NewReader(buildTestFIT(t, true)))
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(set.Time, []float64{0, 10, 20}) {
		t.Errorf("time = %v", set.Time)
	}
	if !reflect.DeepEqual(set.Distance, []float64{0, 30, 60}) {
		t.Errorf("distance = %v", set.Distance)
	}
	if !reflect.DeepEqual(set.Watts, []float64{200, 210, 220}) {
		t.Errorf("watts = %v", set.Watts)
	}
	if len(set.Heartrate) != 3 || set.Heartrate[0] != 130 || !math.IsNaN(set.Heartrate[1]) || set.Heartrate[2] != 140 {
		t.Errorf("heartrate = %v", set.Heartrate)
	}
	if set.Altitude != nil || set.Cadence != nil || set.LatLng != nil {
		t.Errorf("expected absent channels, got altitude=%v cadence=%v latlng=%v", set.Altitude, set.Cadence, set.LatLng)
	}

	if a.SportType != "Run" || !a.StartDate.Equal(start) {
		t.Errorf("activity = %+v", a)
	}
	if a.ElapsedTimeS != 25 || a.MovingTimeS != 20 || a.DistanceM != 60 {
		t.Errorf("totals = %d/%d/%v", a.ElapsedTimeS, a.MovingTimeS, a.DistanceM)
	}
	if a.AvgHR == nil || *a.AvgHR != 136 || a.MaxHR == nil || *a.MaxHR != 141 {
		t.Errorf("heart rate summary = %v/%v", a.AvgHR, a.MaxHR)
	}
	if a.ID != start.Unix() || a.Name != "Run 2024-05-21" {
		t.Errorf("id/name = %d %q", a.ID, a.Name)
	}
}

func TestDecodeWithoutSession(t *testing.T) {
	a, _, err := Decode(bytes.NewReader(buildTestFIT(t, false)))
	if err != nil {
		t.Fatal(err)
	}
	if a.SportType != "" || a.Name != "Activity 2024-05-21" {
		t.Errorf("activity = %+v", a)
	}
	if a.ElapsedTimeS != 20 || a.DistanceM != 60 {
		t.Errorf("totals = %d/%v", a.ElapsedTimeS, a.DistanceM)
	}
	if a.AvgHR == nil || *a.AvgHR != 135 || a.MaxHR == nil || *a.MaxHR != 140 {
		t.Errorf("heart rate summary = %v/%v", a.AvgHR, a.MaxHR)
	}
	if a.AvgWatts == nil || *a.AvgWatts != 210 {
		t.Errorf("avg watts = %v", a.AvgWatts)
	}
}

func TestDecodeJunk(t *testing.T) {
	if _, _, err := Decode(bytes.NewReader([]byte("MOCK_FIT_FILE"))); err == nil {
		t.Error("expected error for junk input")
	}
}

func TestDecodeFileMissing(t *testing.T) {
	if _, _, err := DecodeFile("testdata/does-not-exist.fit"); err == nil {
		t.Error("expected error for missing file")
	}
}
