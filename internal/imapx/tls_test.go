package imapx

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailscout/internal/model"
)

func selfSignedCert(t *testing.T) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "imap.example.com"},
		DNSNames:     []string{"imap.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestFingerprintRoundTrip(t *testing.T) {
	cert := selfSignedCert(t)

	pin := Fingerprint(cert)
	assert.True(t, strings.Contains(pin, "/"))
	assert.True(t, matchesFingerprint(cert, pin))
}

func TestMatchesFingerprintForms(t *testing.T) {
	cert := selfSignedCert(t)

	sum := sha1.Sum(cert.Raw)
	keySum := sha1.Sum(cert.RawSubjectPublicKeyInfo)
	certHex := hex.EncodeToString(sum[:])
	keyHex := hex.EncodeToString(keySum[:])

	// Bare certificate digest, case-insensitive.
	assert.True(t, matchesFingerprint(cert, certHex))
	assert.True(t, matchesFingerprint(cert, strings.ToUpper(certHex)))

	// A renewed certificate pin still matches via the key half.
	assert.True(t, matchesFingerprint(cert, "0000/"+keyHex))

	assert.False(t, matchesFingerprint(cert, "0000"))
	assert.False(t, matchesFingerprint(cert, "0000/ffff"))
}

func TestTLSConfigDefaultValidation(t *testing.T) {
	cfg := tlsConfig(&model.Account{Host: "imap.example.com"})

	assert.Equal(t, "imap.example.com", cfg.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.VerifyPeerCertificate)
}

func TestTLSConfigInsecure(t *testing.T) {
	cfg := tlsConfig(&model.Account{Host: "imap.example.com", Insecure: true})

	assert.True(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.VerifyPeerCertificate)
}

func TestTLSConfigPinnedVerification(t *testing.T) {
	cert := selfSignedCert(t)

	cfg := tlsConfig(&model.Account{
		Host:        "imap.example.com",
		Fingerprint: Fingerprint(cert),
	})
	require.True(t, cfg.InsecureSkipVerify)
	require.NotNil(t, cfg.VerifyPeerCertificate)

	assert.NoError(t, cfg.VerifyPeerCertificate([][]byte{cert.Raw}, nil))

	other := selfSignedCert(t)
	err := cfg.VerifyPeerCertificate([][]byte{other.Raw}, nil)
	require.Error(t, err)

	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindTrust, ce.Kind)
	assert.NotNil(t, ce.Certificate)

	err = cfg.VerifyPeerCertificate(nil, nil)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindTrust, ce.Kind)
}

func TestTrustErrorCarriesCertificate(t *testing.T) {
	cert := selfSignedCert(t)

	err := trustError(x509.UnknownAuthorityError{Cert: cert})
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindTrust, ce.Kind)
	assert.Same(t, cert, ce.Certificate)

	assert.NoError(t, trustError(nil))
}
