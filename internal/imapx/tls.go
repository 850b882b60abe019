package imapx

import (
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"

	"mailscout/internal/model"
)

// tlsConfig builds the TLS configuration for an account. Trust is one
// of three modes: a pinned certificate fingerprint, standard chain and
// hostname validation, or trust-everything when the account is marked
// insecure. ServerName is always the configured host so SNI stays
// correct regardless of which resolved address is dialed.
func tlsConfig(account *model.Account) *tls.Config {
	cfg := &tls.Config{
		ServerName: account.Host,
		MinVersion: tls.VersionTLS12,
	}

	switch {
	case account.Fingerprint != "":
		// Pinned trust replaces chain validation entirely.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return &Error{Kind: KindTrust, Message: "server presented no certificate"}
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return Errorf(KindTrust, err, "parsing server certificate")
			}
			if matchesFingerprint(cert, account.Fingerprint) {
				return nil
			}
			return &Error{
				Kind:        KindTrust,
				Message:     fmt.Sprintf("certificate does not match pinned fingerprint %s", account.Fingerprint),
				Certificate: cert,
			}
		}

	case account.Insecure:
		cfg.InsecureSkipVerify = true
	}

	return cfg
}

// matchesFingerprint checks a certificate against a pin of the form
// "sha1" (hex digest of the whole certificate) or "sha1/keyid" where
// keyid is the hex SHA-1 of the subject public key info. The key form
// survives certificate renewal as long as the key is reused.
func matchesFingerprint(cert *x509.Certificate, pin string) bool {
	fingerprint, keyID, hasKey := strings.Cut(pin, "/")

	got := sha1.Sum(cert.Raw)
	if strings.EqualFold(hex.EncodeToString(got[:]), fingerprint) {
		return true
	}
	if hasKey {
		gotKey := sha1.Sum(cert.RawSubjectPublicKeyInfo)
		if strings.EqualFold(hex.EncodeToString(gotKey[:]), keyID) {
			return true
		}
	}
	return false
}

// Fingerprint renders the pin of a certificate in the "sha1/keyid"
// form, suitable for storing after a user accepts an untrusted server.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	keySum := sha1.Sum(cert.RawSubjectPublicKeyInfo)
	return hex.EncodeToString(sum[:]) + "/" + hex.EncodeToString(keySum[:])
}

// trustError wraps a TLS verification failure, attaching the offending
// certificate when the underlying error carries one.
func trustError(err error) error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: KindTrust, Message: "server not trusted", cause: err}
	if authErr, ok := err.(x509.UnknownAuthorityError); ok {
		e.Certificate = authErr.Cert
	}
	if hostErr, ok := err.(x509.HostnameError); ok {
		e.Certificate = hostErr.Certificate
	}
	return e
}
