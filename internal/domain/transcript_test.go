package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTranscript() Transcript {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return Transcript{
		{Role: RoleSystem, Content: "route: general", Timestamp: ts},
		{Role: RoleHuman, Content: "hi", Timestamp: ts.Add(time.Second)},
		{Role: RoleAI, Content: "hello", Timestamp: ts.Add(2 * time.Second)},
	}
}

func TestTranscriptRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		in      Transcript
		wantErr error
	}{
		{name: "empty", in: Transcript{}},
		{name: "populated", in: sampleTranscript()},
		{name: "unicode", in: Transcript{
			{Role: RoleHuman, Content: "¿qué tal? 👋\n\"quoted\"", Timestamp: time.Date(2023, 1, 2, 3, 4, 5, 6, time.UTC)},
		}},
		{name: "invalid utf-8", in: Transcript{
			{Role: RoleHuman, Content: "hi\xff\xfe", Timestamp: time.Date(2023, 1, 2, 3, 4, 5, 6, time.UTC)},
		}, wantErr: ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeTranscript(tt.in)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, data)
				return
			}
			require.NoError(t, err)

			got, err := DecodeTranscript(data)
			require.NoError(t, err)
			assert.Equal(t, tt.in, got)
		})
	}
}

func TestEncodeTranscriptNormalizesTimestamps(t *testing.T) {
	zone := time.FixedZone("UTC-5", -5*60*60)
	local := time.Now().In(zone)
	in := Transcript{{Role: RoleHuman, Content: "hi", Timestamp: local}}

	data, err := EncodeTranscript(in)
	require.NoError(t, err)
	got, err := DecodeTranscript(data)
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.True(t, got[0].Timestamp.Equal(local))
	assert.Equal(t, time.UTC, got[0].Timestamp.Location())
	assert.Equal(t, local.UTC().Round(0), got[0].Timestamp)
	assert.Equal(t, zone, in[0].Timestamp.Location(), "input must not be modified")
}

func TestEncodeNilTranscriptDecodesEmpty(t *testing.T) {
	data, err := EncodeTranscript(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"messages":[]}`, string(data))

	got, err := DecodeTranscript(data)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeTranscriptErrors(t *testing.T) {
	t.Run("empty payload", func(t *testing.T) {
		got, err := DecodeTranscript(nil)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := DecodeTranscript([]byte("b'\\x80\\x04'"))
		assert.Error(t, err)
	})

	t.Run("future version", func(t *testing.T) {
		_, err := DecodeTranscript([]byte(`{"version":2,"messages":[]}`))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnsupportedTranscriptVersion))
	})
}

func TestTranscriptWindow(t *testing.T) {
	tr := Transcript{
		{Role: RoleHuman, Content: "one"},
		{Role: RoleAI, Content: "1"},
		{Role: RoleHuman, Content: "two"},
		{Role: RoleAI, Content: "2"},
		{Role: RoleSystem, Content: "route"},
		{Role: RoleHuman, Content: "three"},
		{Role: RoleAI, Content: "3"},
	}

	tests := []struct {
		name  string
		n     int
		first string
		size  int
	}{
		{name: "unlimited", n: 0, first: "one", size: 7},
		{name: "last turn", n: 1, first: "three", size: 2},
		{name: "last two turns", n: 2, first: "two", size: 5},
		{name: "more than available", n: 10, first: "one", size: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.Window(tt.n)
			require.Len(t, got, tt.size)
			assert.Equal(t, tt.first, got[0].Content)
		})
	}
}

func TestTranscriptCloneIsIndependent(t *testing.T) {
	tr := sampleTranscript()
	clone := tr.Clone()
	clone[0].Content = "changed"

	assert.Equal(t, "route: general", tr[0].Content)
	assert.Equal(t, 1, tr.HumanTurns())
	assert.NotNil(t, Transcript(nil).Clone())
}

func TestChatHistoryTranscript(t *testing.T) {
	data, err := EncodeTranscript(sampleTranscript())
	require.NoError(t, err)

	h := &ChatHistory{UserID: "alice", History: string(data)}
	got, err := h.Transcript()
	require.NoError(t, err)
	assert.Equal(t, sampleTranscript(), got)
}
