package logsource_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DbSessionProfiler/internal/logsource"
	"DbSessionProfiler/internal/session"
	"DbSessionProfiler/internal/testutil"
)

func TestRawRecordValidate(t *testing.T) {
	valid := testutil.TimingRaw("t1", "s1", "SELECT 1", 0, 10)
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(r *logsource.RawRecord)
	}{
		{"未知类型", func(r *logsource.RawRecord) { r.Type = "metric" }},
		{"缺少sessionId", func(r *logsource.RawRecord) { r.SessionID = "" }},
		{"缺少startedAt", func(r *logsource.RawRecord) { r.StartedAt = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := testutil.TimingRaw("t1", "s1", "SELECT 1", 0, 10)
			tt.mutate(raw)
			assert.Error(t, raw.Validate())
		})
	}
}

func TestRawRecordWireFormat(t *testing.T) {
	raw := testutil.TimingRaw("t1", "s1", "SELECT 1", 0, 25)
	raw.CorrelationID = "rpc-1"
	raw.Tags = []string{"orders"}

	payload, err := json.Marshal(raw)
	require.NoError(t, err)

	// 线格式键为小驼峰，时长以毫秒计
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "timing", decoded["type"])
	assert.Equal(t, "s1", decoded["sessionId"])
	assert.Equal(t, "rpc-1", decoded["correlationId"])
	assert.Equal(t, float64(25), decoded["duration"])
	assert.Contains(t, decoded, "startedAt")
}

func TestToTimingRecordStripsReservedKeys(t *testing.T) {
	raw := testutil.TimingRaw("t1", "s1", "SELECT 1", 0, 25)
	raw.Data = map[string]string{
		"__started_ticks": "637000000",
		"rowCount":        "3",
	}

	reserved := map[string]struct{}{"__started_ticks": {}, "__stopped_ticks": {}}
	rec := raw.ToTimingRecord(reserved)

	assert.Equal(t, "3", rec.Data["rowCount"])
	assert.NotContains(t, rec.Data, "__started_ticks")
	require.NotNil(t, rec.StoppedAt)
	assert.Equal(t, 25*time.Millisecond, rec.Duration())
}

func TestToTimingRecordOpenWhenDurationMissing(t *testing.T) {
	raw := testutil.OpenTimingRaw("t1", "s1", "SELECT * FROM orders", 0)
	rec := raw.ToTimingRecord(nil)

	assert.True(t, rec.IsOpen())
	assert.Equal(t, time.Duration(0), rec.Duration())
}

func TestNewTimingRawRoundTrip(t *testing.T) {
	stopped := testutil.BaseTime.Add(40 * time.Millisecond)
	rec := &session.TimingRecord{
		ID:        "t1",
		SessionID: "s1",
		Name:      "SELECT 1",
		StartedAt: testutil.BaseTime,
		StoppedAt: &stopped,
		Tags:      session.NewTagSet("orders"),
		Data:      map[string]string{"rowCount": "3"},
	}

	raw := logsource.NewTimingRaw(rec)
	require.NotNil(t, raw.DurationMs)
	assert.Equal(t, int64(40), *raw.DurationMs)
	assert.Equal(t, []string{"orders"}, raw.Tags)

	back := raw.ToTimingRecord(nil)
	assert.Equal(t, rec.ID, back.ID)
	assert.Equal(t, rec.Duration(), back.Duration())
	assert.Equal(t, "3", back.Data["rowCount"])
}

func TestNewSessionRaw(t *testing.T) {
	meta := session.SessionMeta{
		ID:            "s1",
		CorrelationID: "req-1",
		Name:          "GET /orders",
		StartedAt:     testutil.BaseTime,
		Duration:      300 * time.Millisecond,
	}

	raw := logsource.NewSessionRaw(meta)
	assert.Equal(t, logsource.RecordTypeSession, raw.Type)
	assert.Equal(t, "s1", raw.SessionID)
	require.NotNil(t, raw.DurationMs)
	assert.Equal(t, int64(300), *raw.DurationMs)

	assert.Equal(t, meta, raw.ToSessionMeta())
}
