package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Secret:    []byte(strings.Repeat("s", minSecretBytes)),
		Issuer:    "quad-test",
		AccessTTL: 15 * time.Minute,
		ClockSkew: 30 * time.Second,
	}
}

func TestHS256Manager_IssueVerify_RoundTrip(t *testing.T) {
	t.Parallel()

	m, err := NewHS256Manager(testConfig())
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	token, exp, err := m.Issue("acct-42", now)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.Equal(t, now.Add(15*time.Minute), exp)

	claims, err := m.Verify(token, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "acct-42", claims.AccountID)
	assert.Equal(t, "quad-test", claims.Issuer)
	assert.Equal(t, exp, claims.ExpiresAt)
}

func TestHS256Manager_Verify_Rejections(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	m, err := NewHS256Manager(cfg)
	require.NoError(t, err)

	now := time.Now().UTC()
	token, _, err := m.Issue("acct-42", now)
	require.NoError(t, err)

	t.Run("expired", func(t *testing.T) {
		t.Parallel()
		_, err := m.Verify(token, now.Add(cfg.AccessTTL+cfg.ClockSkew+time.Minute))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("within clock skew", func(t *testing.T) {
		t.Parallel()
		_, err := m.Verify(token, now.Add(cfg.AccessTTL+cfg.ClockSkew-time.Second))
		assert.NoError(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		other := testConfig()
		other.Secret = []byte(strings.Repeat("x", minSecretBytes))
		m2, err := NewHS256Manager(other)
		require.NoError(t, err)

		_, err = m2.Verify(token, now)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		t.Parallel()
		other := testConfig()
		other.Issuer = "someone-else"
		m2, err := NewHS256Manager(other)
		require.NoError(t, err)

		_, err = m2.Verify(token, now)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		_, err := m.Verify("not.a.jwt", now)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("empty subject refused at issue", func(t *testing.T) {
		t.Parallel()
		_, _, err := m.Issue("", now)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestNewHS256Manager_ConfigValidation(t *testing.T) {
	t.Parallel()

	short := testConfig()
	short.Secret = []byte("too-short")
	_, err := NewHS256Manager(short)
	assert.ErrorIs(t, err, ErrConfig)

	noIssuer := testConfig()
	noIssuer.Issuer = ""
	_, err = NewHS256Manager(noIssuer)
	assert.ErrorIs(t, err, ErrConfig)

	noTTL := testConfig()
	noTTL.AccessTTL = 0
	_, err = NewHS256Manager(noTTL)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Run("ephemeral secret when unset", func(t *testing.T) {
		t.Setenv("QUAD_AUTH_SECRET", "")

		cfg, err := LoadConfigFromEnv()
		require.NoError(t, err)
		assert.True(t, cfg.Ephemeral)
		assert.GreaterOrEqual(t, len(cfg.Secret), minSecretBytes)
		assert.Equal(t, "quad", cfg.Issuer)
		assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	})

	t.Run("short secret is a hard error", func(t *testing.T) {
		t.Setenv("QUAD_AUTH_SECRET", "short")

		_, err := LoadConfigFromEnv()
		assert.ErrorIs(t, err, ErrConfig)
	})

	t.Run("explicit secret", func(t *testing.T) {
		secret := strings.Repeat("k", minSecretBytes)
		t.Setenv("QUAD_AUTH_SECRET", secret)
		t.Setenv("QUAD_AUTH_ISSUER", "campus")
		t.Setenv("QUAD_AUTH_ACCESS_TTL", "1h")

		cfg, err := LoadConfigFromEnv()
		require.NoError(t, err)
		assert.False(t, cfg.Ephemeral)
		assert.Equal(t, []byte(secret), cfg.Secret)
		assert.Equal(t, "campus", cfg.Issuer)
		assert.Equal(t, time.Hour, cfg.AccessTTL)
	})
}
