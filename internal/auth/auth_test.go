package auth_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cstp-run/blackbox/internal/auth"
)

func TestHashAndVerifySecret(t *testing.T) {
	hash, err := auth.HashSecret("test-secret-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifySecret("test-secret-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifySecret("wrong-secret", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestTableAuthenticateAcceptsRegisteredAgent(t *testing.T) {
	table := auth.NewTable()
	require.NoError(t, table.Register("agent-1", "s3cret"))

	agentID, err := table.Authenticate("agent-1:s3cret")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", agentID)
}

func TestTableAuthenticateRejectsWrongSecret(t *testing.T) {
	table := auth.NewTable()
	require.NoError(t, table.Register("agent-1", "s3cret"))

	_, err := table.Authenticate("agent-1:wrong")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestTableAuthenticateRejectsUnknownAgent(t *testing.T) {
	table := auth.NewTable()
	_, err := table.Authenticate("ghost:s3cret")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestTableAuthenticateRejectsMalformedToken(t *testing.T) {
	table := auth.NewTable()
	_, err := table.Authenticate("no-colon-here")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestTableRemoveRevokesCredential(t *testing.T) {
	table := auth.NewTable()
	require.NoError(t, table.Register("agent-1", "s3cret"))
	table.Remove("agent-1")

	_, err := table.Authenticate("agent-1:s3cret")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestSessionTokenIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueSessionToken("agent-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateSessionToken(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-1", claims.AgentID)
}

func TestSessionTokenRejectsExpired(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", -time.Hour)
	require.NoError(t, err)

	token, _, err := mgr.IssueSessionToken("agent-1")
	require.NoError(t, err)

	_, err = mgr.ValidateSessionToken(token)
	require.Error(t, err)
}
