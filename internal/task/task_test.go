package task

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, Status("queued").Valid())
}

func TestDecodeServerMessage(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"type":"progress","progressPercent":42,"currentStageLabel":"clause extraction"}`))
	require.NoError(t, err)

	snap := msg.Snapshot("t1")
	assert.Equal(t, "t1", snap.ID)
	assert.Equal(t, StatusProcessing, snap.Status)
	assert.Equal(t, 42.0, snap.ProgressPercent)
	assert.Equal(t, "clause extraction", snap.Stage())
}

func TestDecodeServerMessageRejectsMalformed(t *testing.T) {
	frames := []string{
		`not json`,
		`{}`,
		`{"type":"explode"}`,
		`{"type":"progress","status":"queued"}`,
	}
	for _, f := range frames {
		_, err := DecodeServerMessage([]byte(f))
		assert.Error(t, err, f)
	}
}

func TestSnapshotTerminalFrames(t *testing.T) {
	msg, err := DecodeServerMessage([]byte(`{"type":"completed","result":{"riskCount":3},"progressPercent":97}`))
	require.NoError(t, err)
	snap := msg.Snapshot("t1")
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 100.0, snap.ProgressPercent)
	assert.JSONEq(t, `{"riskCount":3}`, string(snap.Result))

	msg, err = DecodeServerMessage([]byte(`{"type":"failed","errorMessage":"OCR failed"}`))
	require.NoError(t, err)
	snap = msg.Snapshot("t1")
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, "task t1 failed: OCR failed", FailureOf(snap).Error())
}

func TestDecodeTaskNormalizes(t *testing.T) {
	snap, err := DecodeTask("t9", []byte(`{"status":"processing","progressPercent":140,"result":{"x":1},"errorMessage":"stale"}`))
	require.NoError(t, err)
	assert.Equal(t, "t9", snap.ID)
	assert.Equal(t, 100.0, snap.ProgressPercent)
	assert.Nil(t, snap.Result)
	assert.Empty(t, snap.ErrorMessage)
	assert.Nil(t, snap.CurrentStageLabel)

	_, err = DecodeTask("t9", []byte(`{"status":"exploded"}`))
	assert.Error(t, err)
}

func TestFailureMessages(t *testing.T) {
	assert.Equal(t, "task t2 was cancelled", (&Failure{TaskID: "t2", Status: StatusCancelled}).Error())
	assert.Equal(t, "task t2 failed", (&Failure{TaskID: "t2", Status: StatusFailed}).Error())
}

func TestFrameForRoundTrips(t *testing.T) {
	stage := "summary"
	snaps := []Task{
		{ID: "t1", Status: StatusProcessing, ProgressPercent: 55, CurrentStageLabel: &stage},
		{ID: "t1", Status: StatusCompleted, ProgressPercent: 100, Result: []byte(`{"ok":true}`)},
		{ID: "t1", Status: StatusFailed, ErrorMessage: "timeout"},
		{ID: "t1", Status: StatusCancelled},
	}
	for _, snap := range snaps {
		data, err := json.Marshal(FrameFor(snap))
		require.NoError(t, err)
		msg, err := DecodeServerMessage(data)
		require.NoError(t, err)
		assert.Equal(t, snap, msg.Snapshot("t1"), string(data))
	}
}
