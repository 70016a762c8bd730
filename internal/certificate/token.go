package certificate

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// URLClaims are the JWT claims embedded in a certificate URL.
type URLClaims struct {
	jwt.RegisteredClaims
	ServiceAgreementID string `json:"agr"`
}

// URLSigner builds and verifies permanent certificate URLs. The token grants
// read access to exactly one certificate and does not expire.
type URLSigner struct {
	baseURL string
	secret  []byte
	issuer  string
}

// NewURLSigner creates a URLSigner. baseURL is the public origin of the API.
func NewURLSigner(baseURL string, secret []byte) (*URLSigner, error) {
	if len(secret) < 16 {
		return nil, errors.New("certificate url secret must be at least 16 bytes")
	}
	return &URLSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		issuer:  "evident",
	}, nil
}

// URL returns <base>/api/v1/certificates/<id>?token=<jwt>.
func (s *URLSigner) URL(agreementID, certID uuid.UUID) (string, error) {
	claims := URLClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   s.issuer,
			Subject:  certID.String(),
			IssuedAt: jwt.NewNumericDate(time.Now().UTC()),
		},
		ServiceAgreementID: agreementID.String(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign certificate url: %w", err)
	}
	return fmt.Sprintf("%s/api/v1/certificates/%s?token=%s", s.baseURL, certID, url.QueryEscape(signed)), nil
}

// Verify validates a URL token and returns the agreement and certificate it grants.
func (s *URLSigner) Verify(tokenStr string) (agreementID, certID uuid.UUID, err error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&URLClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("verify certificate token: %w", err)
	}
	claims, ok := token.Claims.(*URLClaims)
	if !ok || !token.Valid {
		return uuid.Nil, uuid.Nil, errors.New("invalid certificate token claims")
	}
	if agreementID, err = uuid.Parse(claims.ServiceAgreementID); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("certificate token agreement: %w", err)
	}
	if certID, err = uuid.Parse(claims.Subject); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("certificate token subject: %w", err)
	}
	return agreementID, certID, nil
}
