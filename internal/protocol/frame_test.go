package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLayouts(t *testing.T) {
	tests := []struct {
		name    string
		version Version
		id      TalkID
		want    string
	}{
		{
			name:    "v0 with uuid",
			version: V0,
			id:      TalkID{UUID: "abc"},
			want:    `{"type":"requestSync","data":{"session":"s1"},"uuid":"abc"}`,
		},
		{
			name:    "v0 without correlation",
			version: V0,
			want:    `{"type":"requestSync","data":{"session":"s1"}}`,
		},
		{
			name:    "v1 with talk",
			version: V1,
			id:      TalkID{Seq: -3},
			want:    `{"type":"requestSync","packet":{"session":"s1"},"talk":-3}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.version, Message{Kind: KindRequestSync, Payload: RequestSync{Session: "s1"}}, tt.id)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestEncodeNilPayload(t *testing.T) {
	data, err := Encode(V1, Message{Kind: KindKeepAlive}, TalkID{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"keepAlive","packet":{}}`, string(data))
}

func TestDecodeAcceptsBothLayouts(t *testing.T) {
	v0, err := Decode([]byte(`{"type":"endSession","data":{"session":"s1"},"uuid":"u-1"}`))
	require.NoError(t, err)
	assert.Equal(t, KindEndSession, v0.Kind())
	assert.Equal(t, TalkID{UUID: "u-1"}, v0.TalkID())

	v1, err := Decode([]byte(`{"type":"endSession","packet":{"session":"s2"},"talk":7}`))
	require.NoError(t, err)
	assert.Equal(t, TalkID{Seq: 7}, v1.TalkID())

	var p EndSession
	require.NoError(t, v1.Unmarshal(&p))
	assert.Equal(t, "s2", p.Session)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"data":{}}`, `[]`} {
		_, err := Decode([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestUnmarshalMissingPayload(t *testing.T) {
	f, err := Decode([]byte(`{"type":"keepAlive"}`))
	require.NoError(t, err)
	var p KeepAlive
	assert.NoError(t, f.Unmarshal(&p))
}

func TestFrameErr(t *testing.T) {
	f, err := Decode([]byte(`{"type":"error","packet":{"errorLevel":"SEVERE","errorMessage":"nope"}}`))
	require.NoError(t, err)

	level, ok := LevelOf(f.Err())
	require.True(t, ok)
	assert.Equal(t, LevelSevere, level)

	okFrame, err := Decode([]byte(`{"type":"ok","packet":{"message":"fine"}}`))
	require.NoError(t, err)
	assert.NoError(t, okFrame.Err())
}

func TestInvalidPacketFrame(t *testing.T) {
	var v map[string]any
	require.NoError(t, json.Unmarshal(InvalidPacket, &v))
	assert.Equal(t, "error", v["type"])
	assert.Equal(t, "Invalid packet", v["data"].(map[string]any)["error_message"])
}

func TestVersionOf(t *testing.T) {
	assert.Equal(t, V0, VersionOf(0))
	assert.Equal(t, V1, VersionOf(1))
	assert.Equal(t, V1, VersionOf(4))
	assert.True(t, KindSyncData.Known())
	assert.False(t, Kind("teleport").Known())
}
