package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PlanSigner issues and verifies the short-lived reference tied to a plan.
// The ref is an HS256 token over the plan digest: the server keeps no plan
// state between preflight and commit, so the signature is what proves the
// submitted plan is the one preflight produced, and the expiry is what forces
// a re-preflight after the registry has had time to drift.
type PlanSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewPlanSigner(secret []byte, ttl time.Duration) *PlanSigner {
	return &PlanSigner{secret: secret, ttl: ttl, now: time.Now}
}

type planClaims struct {
	SourceFileID string `json:"sfid"`
	PlanDigest   string `json:"dig"`
	jwt.RegisteredClaims
}

// Sign issues a ref for the plan. Call after the plan is fully assembled;
// any later mutation invalidates the ref.
func (s *PlanSigner) Sign(plan *ImportPlan) (string, error) {
	now := s.now()
	claims := planClaims{
		SourceFileID: plan.SourceFileID,
		PlanDigest:   PlanDigest(plan),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign plan ref: %w", err)
	}
	return signed, nil
}

// Verify checks the ref against the submitted plan. Failures come back as
// *PlanRefError so handlers can map them to a client error.
func (s *PlanSigner) Verify(ref string, plan *ImportPlan) error {
	var claims planClaims
	token, err := jwt.ParseWithClaims(ref, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return &PlanRefError{Reason: err.Error()}
	}
	if !token.Valid {
		return &PlanRefError{Reason: "token is not valid"}
	}
	if claims.SourceFileID != plan.SourceFileID {
		return &PlanRefError{Reason: "ref was issued for a different source file"}
	}
	if claims.PlanDigest != PlanDigest(plan) {
		return &PlanRefError{Reason: "plan does not match the ref digest"}
	}
	return nil
}

// PlanDigest hashes the decision-relevant content of a plan: per row, its
// index, fingerprint, and resolved target. Cosmetic fields (warnings, counts,
// display forms) stay out so re-serialization cannot change the digest.
func PlanDigest(plan *ImportPlan) string {
	var b strings.Builder
	b.WriteString(plan.SourceFileID)
	for _, d := range plan.Rows {
		fmt.Fprintf(&b, "\x1e%d\x1f%s\x1f%s\x1f%s\x1f%t",
			d.RowIndex, d.Fingerprint, d.Resolution.Kind, d.Resolution.PatientID, d.AlreadySeen)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
