// Package credentials issues and caches the credential artifacts applications
// fetch: CA certificates, the governance document, signed permission
// documents and key pairs.
package credentials

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/permitd/permitd/pkg/storage"
)

// Secret kinds in the domain_secrets table. The *_key rows hold private key
// material and are never served.
const (
	secretIdentityCA       = "identity_ca"
	secretIdentityCAKey    = "identity_ca_key"
	secretPermissionsCA    = "permissions_ca"
	secretPermissionsCAKey = "permissions_ca_key"
	secretGovernance       = "governance"
)

const caValidity = 10 * 365 * 24 * time.Hour

// Authority holds the domain's two certificate authorities and signs on
// their behalf. Key material lives in the store; the authority loads it on
// demand so multiple instances share one domain identity.
type Authority struct {
	db *sql.DB
}

// EnsureAuthority loads the domain CA material, creating it on first boot.
func EnsureAuthority(ctx context.Context, db *sql.DB) (*Authority, error) {
	a := &Authority{db: db}
	if err := a.ensureCA(ctx, secretIdentityCA, secretIdentityCAKey, "permitd identity CA"); err != nil {
		return nil, err
	}
	if err := a.ensureCA(ctx, secretPermissionsCA, secretPermissionsCAKey, "permitd permissions CA"); err != nil {
		return nil, err
	}
	if err := a.ensureGovernance(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (a *Authority) getSecret(ctx context.Context, kind string) ([]byte, string, error) {
	var pemBytes []byte
	var hash string
	err := a.db.QueryRowContext(ctx,
		`SELECT pem, content_hash FROM domain_secrets WHERE kind = $1`, kind).
		Scan(&pemBytes, &hash)
	if err == sql.ErrNoRows {
		return nil, "", err
	}
	if err != nil {
		return nil, "", storage.ClassifyErr(fmt.Errorf("failed to load domain secret %s: %w", kind, err))
	}
	return pemBytes, hash, nil
}

func (a *Authority) putSecret(ctx context.Context, kind string, pemBytes []byte) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO domain_secrets (kind, pem, content_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (kind) DO NOTHING
	`, kind, pemBytes, contentHash(pemBytes))
	if err != nil {
		return storage.ClassifyErr(fmt.Errorf("failed to store domain secret %s: %w", kind, err))
	}
	return nil
}

func (a *Authority) ensureCA(ctx context.Context, certKind, keyKind, commonName string) error {
	if _, _, err := a.getSecret(ctx, certKind); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate CA serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"permitd"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to self-sign CA certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	// ON CONFLICT DO NOTHING makes concurrent first boots converge on
	// whichever instance won the insert.
	if err := a.putSecret(ctx, keyKind, keyPEM); err != nil {
		return err
	}
	return a.putSecret(ctx, certKind, certPEM)
}

func (a *Authority) loadCA(ctx context.Context, certKind, keyKind string) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	certPEM, _, err := a.getSecret(ctx, certKind)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, _, err := a.getSecret(ctx, keyKind)
	if err != nil {
		return nil, nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("malformed CA certificate for %s", certKind)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("malformed CA key for %s", keyKind)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	return cert, key, nil
}

// IdentityCAPEM returns the identity CA certificate and its content hash.
func (a *Authority) IdentityCAPEM(ctx context.Context) ([]byte, string, error) {
	return a.getSecret(ctx, secretIdentityCA)
}

// PermissionsCAPEM returns the permissions CA certificate and its content hash.
func (a *Authority) PermissionsCAPEM(ctx context.Context) ([]byte, string, error) {
	return a.getSecret(ctx, secretPermissionsCA)
}

// GovernanceDocument returns the signed domain governance document and its
// content hash.
func (a *Authority) GovernanceDocument(ctx context.Context) ([]byte, string, error) {
	return a.getSecret(ctx, secretGovernance)
}

// SignDocument signs payload with the permissions CA key and returns the
// document with a detached signature block appended.
func (a *Authority) SignDocument(ctx context.Context, payload []byte) ([]byte, error) {
	_, key, err := a.loadCA(ctx, secretPermissionsCA, secretPermissionsCAKey)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign document: %w", err)
	}

	sigPEM := pem.EncodeToMemory(&pem.Block{Type: "SIGNATURE", Bytes: sig})
	return append(append([]byte{}, payload...), sigPEM...), nil
}

// IssueCertificate signs a leaf certificate for an application's public key
// with the identity CA.
func (a *Authority) IssueCertificate(ctx context.Context, subject string, pub *ecdsa.PublicKey) ([]byte, error) {
	caCert, caKey, err := a.loadCA(ctx, secretIdentityCA, secretIdentityCAKey)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: subject, Organization: []string{"permitd"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, caCert, pub, caKey)
	if err != nil {
		return nil, fmt.Errorf("failed to issue certificate: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func (a *Authority) ensureGovernance(ctx context.Context) error {
	if _, _, err := a.getSecret(ctx, secretGovernance); err == nil {
		return nil
	} else if err != sql.ErrNoRows {
		return err
	}

	doc := []byte(governanceXML)
	signed, err := a.SignDocument(ctx, doc)
	if err != nil {
		return err
	}
	return a.putSecret(ctx, secretGovernance, signed)
}

// governanceXML is the domain-wide protection policy. It is static per
// domain and signed once at bootstrap.
const governanceXML = `<?xml version="1.0" encoding="UTF-8"?>
<dds>
  <domain_access_rules>
    <domain_rule>
      <domains>
        <id_range><min>0</min><max>230</max></id_range>
      </domains>
      <allow_unauthenticated_participants>false</allow_unauthenticated_participants>
      <enable_join_access_control>true</enable_join_access_control>
      <discovery_protection_kind>SIGN</discovery_protection_kind>
      <liveliness_protection_kind>SIGN</liveliness_protection_kind>
      <rtps_protection_kind>SIGN</rtps_protection_kind>
      <topic_access_rules>
        <topic_rule>
          <topic_expression>*</topic_expression>
          <enable_discovery_protection>true</enable_discovery_protection>
          <enable_read_access_control>true</enable_read_access_control>
          <enable_write_access_control>true</enable_write_access_control>
          <metadata_protection_kind>SIGN</metadata_protection_kind>
          <data_protection_kind>NONE</data_protection_kind>
        </topic_rule>
      </topic_access_rules>
    </domain_rule>
  </domain_access_rules>
</dds>
`
