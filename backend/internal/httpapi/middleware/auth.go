// Package middleware authenticates requests to the collaboration API.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const verifyTimeout = 1200 * time.Millisecond

type verifyErrResp struct {
	Error string `json:"error"`
}

// VerifyClaims is the body returned by the auth service's verify endpoint.
type VerifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"`
}

// Claims matches the access tokens signed by the auth service.
type Claims struct {
	UserID   uint64 `json:"sub"`
	Username string `json:"username"`
	Type     string `json:"typ"`
	jwt.RegisteredClaims
}

var errNotAccessToken = errors.New("access token required")

// Verifier turns a bearer token into the authenticated user.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID, username string, err error)
}

// UpstreamError means the auth service could not be asked. It maps to 502.
type UpstreamError struct{ Reason string }

func (e *UpstreamError) Error() string { return "auth upstream: " + e.Reason }

// JWTVerifier checks HS256 tokens locally with the shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (string, string, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", "", err
	}
	if !parsed.Valid {
		return "", "", jwt.ErrTokenInvalidClaims
	}
	if claims.Type != "" && claims.Type != "access" {
		return "", "", errNotAccessToken
	}
	return strconv.FormatUint(claims.UserID, 10), claims.Username, nil
}

// RemoteVerifier asks the auth service's /v1/auth/verify endpoint.
type RemoteVerifier struct {
	client    *http.Client
	verifyURL string
}

// NewRemoteVerifier takes the auth service base URL without a path.
func NewRemoteVerifier(authBaseURL string) *RemoteVerifier {
	return &RemoteVerifier{
		client:    &http.Client{},
		verifyURL: strings.TrimRight(authBaseURL, "/") + "/v1/auth/verify",
	}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", "", &UpstreamError{Reason: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return "", "", &UpstreamError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return "", "", errors.New(e.Error)
	default:
		return "", "", &UpstreamError{Reason: fmt.Sprintf("verify returned %d", resp.StatusCode)}
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return "", "", &UpstreamError{Reason: "invalid verify response"}
	}
	if claims.Type != "" && claims.Type != "access" {
		return "", "", errNotAccessToken
	}
	return strconv.FormatUint(claims.UserID, 10), claims.Username, nil
}

// AuthMiddleware reads the token from the Authorization header, or from
// ?token= for websocket clients that cannot set headers, and stores userId
// and username in the gin context.
func AuthMiddleware(v Verifier, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		userID, username, err := v.Verify(c.Request.Context(), tokenString)
		if err != nil {
			var upstream *UpstreamError
			if errors.As(err, &upstream) {
				log.Warn().Err(err).Msg("auth verify")
				c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
					"code":    "AUTH_UPSTREAM_ERROR",
					"message": "auth-service verify failed",
				})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": err.Error(),
			})
			return
		}

		c.Set("userId", userID)
		c.Set("username", username)
		c.Next()
	}
}

func extractBearer(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
