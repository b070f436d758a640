package conference

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHiddenIdentity(t *testing.T) {
	assert.Equal(t, "worker-abc123", hiddenIdentity("abc123"))
}

func TestBuildTokenProducesJWT(t *testing.T) {
	token, err := buildToken("api-key", "api-secret-at-least-32-bytes-long!!", "room-1", "worker-1", time.Hour)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	// JWTs are three dot-separated base64 segments.
	parts := 0
	for _, c := range token {
		if c == '.' {
			parts++
		}
	}
	assert.Equal(t, 2, parts)
}

func TestNewSessionStartsDisconnected(t *testing.T) {
	s := New(Options{WorkerID: "w1"})
	assert.False(t, s.IsConnected())
	assert.Equal(t, 0, s.ParticipantCount())
}
