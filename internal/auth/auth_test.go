package auth_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"projectflow/internal/auth"
	"projectflow/internal/config"
)

func TestPolicyRequire(t *testing.T) {
	policy := auth.Policy{Roles: config.Default().Auth.Roles}
	viewer := auth.Principal{ActorID: "v", Roles: []string{"viewer"}}
	require.NoError(t, policy.Require(viewer, auth.PermRecordsRead))

	err := policy.Require(viewer, auth.PermBatchRun)
	var fe auth.ForbiddenError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, auth.PermBatchRun, fe.Permission)

	direct := auth.Principal{ActorID: "svc", Permissions: []string{auth.PermIntakeSubmit}}
	require.NoError(t, policy.Require(direct, auth.PermIntakeSubmit))
	require.Equal(t, []string{"batch.run", "intake.submit", "records.read", "records.status.write", "records.write"},
		policy.Effective(auth.Principal{Roles: []string{"admin", "viewer"}}))
}

func TestIssueAndParseToken(t *testing.T) {
	a := auth.Authenticator{JWTSecret: "s3cret"}
	tok, err := auth.IssueToken("s3cret", "ana@district.org", []string{"coordinator"}, time.Hour, time.Now())
	require.NoError(t, err)

	p, err := a.ParseJWT(tok)
	require.NoError(t, err)
	require.Equal(t, "ana@district.org", p.ActorID)
	require.Equal(t, []string{"coordinator"}, p.Roles)
	require.Equal(t, "jwt", p.Source)

	_, err = auth.Authenticator{JWTSecret: "other"}.ParseJWT(tok)
	require.Error(t, err)

	expired, err := auth.IssueToken("s3cret", "ana@district.org", nil, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = a.ParseJWT(expired)
	require.Error(t, err)
}
