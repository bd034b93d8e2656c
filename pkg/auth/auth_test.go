package auth

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/magpie/pkg/config"
	"github.com/cuemby/magpie/pkg/coord"
	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/types"
)

func newTestManager(t *testing.T, mutate func(*config.Config)) (*Manager, *coord.Coord) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := coord.NewFromClient(client)
	t.Cleanup(func() { c.Close() })

	cfg := config.Default()
	cfg.EnableJWTAuth = true
	cfg.SecretKey = "test-secret"
	cfg.APIKeyIssuePassword = "hunter2"
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg, c), c
}

func TestIssueAndVerify(t *testing.T) {
	m, c := newTestManager(t, nil)
	ctx := context.Background()

	rec, err := m.IssueKey(ctx, "hunter2", "alice", "ci pipeline")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.KeyID)
	assert.NotEmpty(t, rec.Token)
	assert.Equal(t, "alice", rec.UserID)
	assert.True(t, rec.Active)
	assert.Nil(t, rec.LastUsed)

	claims, err := m.VerifyToken(ctx, rec.Token)
	require.NoError(t, err)
	assert.Equal(t, rec.KeyID, claims.APIKeyID)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "api_key", claims.TokenType)

	// Verification stamps last-used on the stored record
	var stored types.APIKeyRecord
	require.NoError(t, c.GetJSON(ctx, coord.APIKeyKey(rec.KeyID), &stored))
	assert.NotNil(t, stored.LastUsed)
}

func TestIssueDefaults(t *testing.T) {
	m, _ := newTestManager(t, nil)

	rec, err := m.IssueKey(context.Background(), "hunter2", "", "")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", rec.UserID)
	assert.Equal(t, "API Key", rec.Description)
}

func TestIssueWrongPassword(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.IssueKey(context.Background(), "wrong", "", "")
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeInvalidPassword, errdefs.CodeOf(err))
	assert.Equal(t, 401, errdefs.HTTPStatus(err))
}

func TestIssueWhenAuthDisabled(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *config.Config) {
		cfg.EnableJWTAuth = false
	})

	_, err := m.IssueKey(context.Background(), "hunter2", "", "")
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeAuthDisabled, errdefs.CodeOf(err))
	assert.Equal(t, 403, errdefs.HTTPStatus(err))
}

func TestIssueWithoutIssuePassword(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *config.Config) {
		cfg.APIKeyIssuePassword = ""
	})

	_, err := m.IssueKey(context.Background(), "anything", "", "")
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeIssuanceDisabled, errdefs.CodeOf(err))
	assert.Equal(t, 403, errdefs.HTTPStatus(err))
}

func TestVerifyRevokedToken(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	rec, err := m.IssueKey(ctx, "hunter2", "", "")
	require.NoError(t, err)

	require.NoError(t, m.RevokeKey(ctx, rec.KeyID))

	_, err = m.VerifyToken(ctx, rec.Token)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeInvalidToken, errdefs.CodeOf(err))
	assert.True(t, errdefs.IsKind(err, errdefs.KindAuth))
}

func TestVerifyExpiredToken(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *config.Config) {
		cfg.JWTExpirationDays = -1
	})
	ctx := context.Background()

	token, err := m.CreateToken("key-1", "", "")
	require.NoError(t, err)

	_, err = m.VerifyToken(ctx, token)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeTokenExpired, errdefs.CodeOf(err))
	assert.Equal(t, 401, errdefs.HTTPStatus(err))
}

func TestVerifyGarbageToken(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.VerifyToken(context.Background(), "not-a-token")
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeInvalidToken, errdefs.CodeOf(err))
}

func TestVerifyWrongSecret(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	rec, err := m.IssueKey(ctx, "hunter2", "", "")
	require.NoError(t, err)

	other, _ := newTestManager(t, func(cfg *config.Config) {
		cfg.SecretKey = "different-secret"
	})
	_, err = other.VerifyToken(ctx, rec.Token)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeInvalidToken, errdefs.CodeOf(err))
}

func TestVerifyInactiveKey(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	rec, err := m.IssueKey(ctx, "hunter2", "", "")
	require.NoError(t, err)

	inactive := false
	require.NoError(t, m.UpdateKey(ctx, rec.KeyID, nil, &inactive))

	_, err = m.VerifyToken(ctx, rec.Token)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeInvalidToken, errdefs.CodeOf(err))
}

func TestRevokeMissingKey(t *testing.T) {
	m, _ := newTestManager(t, nil)

	err := m.RevokeKey(context.Background(), "no-such-key")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestListKeysRedactsTokens(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.IssueKey(ctx, "hunter2", "alice", "first")
	require.NoError(t, err)
	_, err = m.IssueKey(ctx, "hunter2", "bob", "second")
	require.NoError(t, err)

	all, err := m.ListKeys(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, rec := range all {
		assert.Empty(t, rec.Token)
	}

	mine, err := m.ListKeys(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "alice", mine[0].UserID)
}

func TestUpdateKey(t *testing.T) {
	m, c := newTestManager(t, nil)
	ctx := context.Background()

	rec, err := m.IssueKey(ctx, "hunter2", "", "old description")
	require.NoError(t, err)

	desc := "new description"
	require.NoError(t, m.UpdateKey(ctx, rec.KeyID, &desc, nil))

	var stored types.APIKeyRecord
	require.NoError(t, c.GetJSON(ctx, coord.APIKeyKey(rec.KeyID), &stored))
	assert.Equal(t, "new description", stored.Description)
	assert.True(t, stored.Active)
	assert.NotNil(t, stored.UpdatedAt)
}

func TestUpdateMissingKey(t *testing.T) {
	m, _ := newTestManager(t, nil)

	desc := "whatever"
	err := m.UpdateKey(context.Background(), "no-such-key", &desc, nil)
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNotFound))
}

func TestParseBearer(t *testing.T) {
	token, err := ParseBearer("Bearer abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	token, err = ParseBearer("bearer abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", token)

	_, err = ParseBearer("")
	assert.Error(t, err)

	_, err = ParseBearer("abc123")
	assert.Error(t, err)

	_, err = ParseBearer("Basic abc123")
	assert.Error(t, err)

	_, err = ParseBearer("Bearer a b")
	assert.Error(t, err)
}

func TestStatus(t *testing.T) {
	m, _ := newTestManager(t, nil)

	st := m.Status()
	assert.True(t, st.JWTEnabled)
	assert.True(t, st.IssuanceEnabled)
	assert.Equal(t, "HS256", st.Algorithm)
	assert.Equal(t, 30, st.ExpirationDays)
}
