// Package handler exposes metavault over API Gateway proxy events.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned by GetUserID when no valid session is present.
var ErrUnauthenticated = errors.New("unauthenticated")

const sessionCookie = "session_token"

// header looks up a request header case-insensitively.
func header(req events.APIGatewayProxyRequest, name string) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// GetUserID extracts the session user from the Authorization header or the
// session cookie.
func GetUserID(req events.APIGatewayProxyRequest, jwtSecret string) (string, error) {
	tokenString, ok := strings.CutPrefix(header(req, "Authorization"), "Bearer ")
	if !ok || tokenString == "" {
		tokenString = ""
		for part := range strings.SplitSeq(header(req, "Cookie"), ";") {
			if v, found := strings.CutPrefix(strings.TrimSpace(part), sessionCookie+"="); found {
				tokenString = v
				break
			}
		}
	}
	if tokenString == "" {
		return "", fmt.Errorf("%w: no session token", ErrUnauthenticated)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// SignSessionToken issues a session token for userID valid for ttl.
func SignSessionToken(userID, jwtSecret string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString([]byte(jwtSecret))
}

// sourceIP is the client address as seen by API Gateway. Forwarding headers
// are client controlled and ignored.
func sourceIP(req events.APIGatewayProxyRequest) string {
	return req.RequestContext.Identity.SourceIP
}

func jsonResponse(status int, v any) (events.APIGatewayProxyResponse, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("encoding response: %w", err)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}, nil
}

func textResponse(status int, msg string) (events.APIGatewayProxyResponse, error) {
	return events.APIGatewayProxyResponse{StatusCode: status, Body: msg}, nil
}

func unauthorized() (events.APIGatewayProxyResponse, error) {
	return textResponse(http.StatusUnauthorized, "Unauthorized")
}
