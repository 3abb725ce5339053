package peertransport

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	gcodes "google.golang.org/grpc/codes"
)

// claims is the minimal bearer-token payload peers exchange: every RPC
// carries a token signed with the cluster's token-signing secret,
// scoped to the caller's peer identity.
type claims struct {
	jwt.RegisteredClaims
	PeerID string `json:"peer_id"`
}

// IssueToken signs a short-lived bearer token asserting peerID, for
// attachment to outbound peer RPCs.
func IssueToken(secret []byte, peerID string, ttl time.Duration) (string, error) {
	now := time.Now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		PeerID: peerID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(secret)
}

// VerifyToken validates a bearer token and returns the asserting
// peer's identity.
func VerifyToken(secret []byte, raw string) (string, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse bearer token: %w", err)
	}
	return c.PeerID, nil
}

// perRPCToken implements credentials.PerRPCCredentials, attaching a
// freshly issued bearer token to every outbound RPC.
type perRPCToken struct {
	secret       []byte
	peerID       string
	ttl          time.Duration
	requireTLS   bool
}

// NewPerRPCToken builds per-RPC credentials that sign a fresh bearer
// token for each call. requireTLS should be true in production; it is
// exposed so integration tests can run over plaintext local sockets.
func NewPerRPCToken(secret []byte, peerID string, ttl time.Duration, requireTLS bool) credentials.PerRPCCredentials {
	return &perRPCToken{secret: secret, peerID: peerID, ttl: ttl, requireTLS: requireTLS}
}

func (p *perRPCToken) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	token, err := IssueToken(p.secret, p.peerID, p.ttl)
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": "Bearer " + token}, nil
}

func (p *perRPCToken) RequireTransportSecurity() bool { return p.requireTLS }

// authenticate extracts and verifies the bearer token from an inbound
// server-side context, returning the caller's peer identity.
func authenticate(ctx context.Context, secret []byte) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", status.Error(gcodes.Unauthenticated, "missing rpc metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", status.Error(gcodes.Unauthenticated, "missing bearer token")
	}
	const prefix = "Bearer "
	raw := values[0]
	if len(raw) <= len(prefix) || raw[:len(prefix)] != prefix {
		return "", status.Error(gcodes.Unauthenticated, "malformed authorization header")
	}
	peerID, err := VerifyToken(secret, raw[len(prefix):])
	if err != nil {
		return "", status.Error(gcodes.Unauthenticated, "invalid bearer token")
	}
	return peerID, nil
}
