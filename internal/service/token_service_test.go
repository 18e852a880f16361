package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/drivingschool-api/internal/models"
	appErrors "github.com/noah-isme/drivingschool-api/pkg/errors"
)

func TestTokenServiceRoundTrip(t *testing.T) {
	svc := NewTokenService("secret", "school")
	token, err := svc.Issue("stu-1", models.RoleStudent, time.Hour)
	require.NoError(t, err)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "stu-1", claims.UserID)
	assert.Equal(t, models.RoleStudent, claims.Role)
}

func TestTokenServiceRejectsBadTokens(t *testing.T) {
	svc := NewTokenService("secret", "school")

	expired, err := svc.Issue("stu-1", models.RoleStudent, -time.Minute)
	require.NoError(t, err)
	_, err = svc.ValidateToken(expired)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	foreign, err := NewTokenService("other", "school").Issue("stu-1", models.RoleStudent, time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(foreign)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))

	wrongIssuer, err := NewTokenService("secret", "elsewhere").Issue("stu-1", models.RoleStudent, time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(wrongIssuer)
	assert.Error(t, err)

	unknownRole, err := svc.Issue("stu-1", models.UserRole("INSTRUCTOR"), time.Hour)
	require.NoError(t, err)
	_, err = svc.ValidateToken(unknownRole)
	assert.Error(t, err)

	noneAlg := jwt.NewWithClaims(jwt.SigningMethodNone, &models.JWTClaims{UserID: "stu-1", Role: models.RoleAdmin})
	raw, err := noneAlg.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.ValidateToken(raw)
	assert.Error(t, err)
}
