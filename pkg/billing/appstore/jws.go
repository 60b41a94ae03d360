package appstore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/gosubs/pkg/billing"
)

// jwsVerifier checks App Store JWS payloads: ES256 signed by the leaf of the x5c header chain,
// which must chain up to one of the configured roots.
type jwsVerifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

func newJWSVerifier(rootCerts [][]byte, now func() time.Time) (*jwsVerifier, error) {
	v := &jwsVerifier{now: now}
	if len(rootCerts) == 0 {
		return v, nil
	}

	v.roots = x509.NewCertPool()
	for i, raw := range rootCerts {
		der := raw
		if block, _ := pem.Decode(raw); block != nil {
			der = block.Bytes
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse root certificate %d: %w", i, err)
		}
		v.roots.AddCert(cert)
	}
	return v, nil
}

// Verify parses signed into claims. Errors wrap billing.ErrInvalidWebhookSignature unless no
// roots are configured.
func (v *jwsVerifier) Verify(signed string, claims jwt.Claims) error {
	if v.roots == nil {
		return fmt.Errorf("%w: no App Store root certificates configured", billing.ErrProviderNotConfigured)
	}
	_, err := jwt.ParseWithClaims(signed, claims, v.keyFunc, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
	if err != nil {
		return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}
	return nil
}

func (v *jwsVerifier) keyFunc(token *jwt.Token) (interface{}, error) {
	chain, err := certificateChain(token.Header["x5c"])
	if err != nil {
		return nil, err
	}

	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	leaf := chain[0]
	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("untrusted certificate chain: %w", err)
	}

	pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("leaf certificate key is %T, want ECDSA", leaf.PublicKey)
	}
	return pub, nil
}

func certificateChain(header interface{}) ([]*x509.Certificate, error) {
	entries, ok := header.([]interface{})
	if !ok || len(entries) == 0 {
		return nil, errors.New("missing x5c header")
	}

	chain := make([]*x509.Certificate, 0, len(entries))
	for i, e := range entries {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("x5c entry %d is not a string", i)
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("x5c entry %d: %w", i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c entry %d: %w", i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
