package appstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testBundleID = "com.example.subs"

// testPKI is a root CA and a leaf signing certificate standing in for Apple's chain.
type testPKI struct {
	rootPEM []byte
	rootDER []byte
	leafDER []byte
	leafKey *ecdsa.PrivateKey
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test Signing Leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)

	return &testPKI{
		rootPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER}),
		rootDER: rootDER,
		leafDER: leafDER,
		leafKey: leafKey,
	}
}

// sign produces a JWS over claims with the leaf and root in the x5c header.
func (k *testPKI) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["x5c"] = []string{
		base64.StdEncoding.EncodeToString(k.leafDER),
		base64.StdEncoding.EncodeToString(k.rootDER),
	}
	signed, err := token.SignedString(k.leafKey)
	require.NoError(t, err)
	return signed
}

type txFields struct {
	transactionID string
	originalID    string
	purchase      time.Time
	expires       time.Time
	offer         string
	userToken     string
	revoked       bool
}

func (k *testPKI) signTransaction(t *testing.T, f txFields) string {
	claims := jwt.MapClaims{
		"transactionId":         f.transactionID,
		"originalTransactionId": f.originalID,
		"bundleId":              testBundleID,
		"productId":             "premium_monthly",
		"purchaseDate":          f.purchase.UnixMilli(),
		"originalPurchaseDate":  f.purchase.UnixMilli(),
		"expiresDate":           f.expires.UnixMilli(),
		"price":                 9990,
		"currency":              "USD",
		"environment":           "Sandbox",
	}
	if f.offer != "" {
		claims["offerDiscountType"] = f.offer
	}
	if f.userToken != "" {
		claims["appAccountToken"] = f.userToken
	}
	if f.revoked {
		claims["revocationDate"] = f.expires.UnixMilli()
	}
	return k.sign(t, claims)
}

func (k *testPKI) signRenewal(t *testing.T, originalID string, autoRenew int) string {
	return k.sign(t, jwt.MapClaims{
		"originalTransactionId": originalID,
		"autoRenewStatus":       autoRenew,
		"autoRenewProductId":    "premium_monthly",
	})
}

// notificationBody builds a webhook request body around a signed notification.
func (k *testPKI) notificationBody(t *testing.T, uuid, notificationType, subtype string, signedAt time.Time,
	signedTx, signedRenewal string) []byte {
	t.Helper()
	data := map[string]interface{}{
		"bundleId":    testBundleID,
		"environment": "Sandbox",
		"status":      1,
	}
	if signedTx != "" {
		data["signedTransactionInfo"] = signedTx
	}
	if signedRenewal != "" {
		data["signedRenewalInfo"] = signedRenewal
	}
	claims := jwt.MapClaims{
		"notificationType": notificationType,
		"notificationUUID": uuid,
		"version":          "2.0",
		"signedDate":       signedAt.UnixMilli(),
		"data":             data,
	}
	if subtype != "" {
		claims["subtype"] = subtype
	}
	body, err := json.Marshal(map[string]string{"signedPayload": k.sign(t, claims)})
	require.NoError(t, err)
	return body
}
