package model

import (
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteConfig_SessionRecordingFalse(t *testing.T) {
	var rc RemoteConfig
	require.NoError(t, json.Unmarshal([]byte(`{"sessionRecording": false, "featureFlags": {"beta": true}}`), &rc))

	assert.Nil(t, rc.SessionRecording)
	assert.Equal(t, true, rc.FeatureFlags["beta"])
}

func TestRemoteConfig_FullSessionRecording(t *testing.T) {
	body := `{
		"sessionRecording": {
			"endpoint": "/s/",
			"sampleRate": 0.25,
			"urlTriggers": [{"url": "/checkout", "matching": "regex"}],
			"urlBlocklist": [{"url": "/admin", "matching": "regex"}],
			"linkedFlag": {"flag": "replay", "variant": "on"},
			"eventTriggers": ["purchase"],
			"triggerMatchType": "all"
		}
	}`

	var rc RemoteConfig
	require.NoError(t, json.Unmarshal([]byte(body), &rc))
	require.NotNil(t, rc.SessionRecording)

	sr := rc.SessionRecording
	assert.Equal(t, "/s/", sr.Endpoint)
	require.NotNil(t, sr.SampleRate)
	assert.InDelta(t, 0.25, *sr.SampleRate, 1e-9)
	assert.Equal(t, []URLTrigger{{URL: "/checkout", Matching: "regex"}}, sr.URLTriggers)
	assert.Equal(t, []URLTrigger{{URL: "/admin", Matching: "regex"}}, sr.URLBlocklist)
	assert.Equal(t, &LinkedFlag{Flag: "replay", Variant: "on"}, sr.LinkedFlag)
	assert.Equal(t, []string{"purchase"}, sr.EventTriggers)
	assert.Equal(t, TriggerMatchAll, sr.TriggerMatchType)
}

func TestLinkedFlag_StringForm(t *testing.T) {
	var sr SessionRecordingConfig
	require.NoError(t, json.Unmarshal([]byte(`{"linkedFlag": "replay-enabled"}`), &sr))

	require.NotNil(t, sr.LinkedFlag)
	assert.Equal(t, "replay-enabled", sr.LinkedFlag.Flag)
	assert.Empty(t, sr.LinkedFlag.Variant)
}
