package credentials

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/permitd/permitd/pkg/authz"
	"github.com/permitd/permitd/pkg/codes"
	"github.com/permitd/permitd/pkg/roles"
	"github.com/permitd/permitd/pkg/storage"
	"golang.org/x/crypto/bcrypt"
)

// ArtifactKind identifies one cacheable credential artifact.
type ArtifactKind string

const (
	ArtifactIdentityCA      ArtifactKind = "identity_ca"
	ArtifactPermissionsCA   ArtifactKind = "permissions_ca"
	ArtifactGovernance      ArtifactKind = "governance"
	ArtifactPermissionsXML  ArtifactKind = "permissions_xml"
	ArtifactPermissionsJSON ArtifactKind = "permissions_json"
)

// nonceRe is the only accepted nonce shape. Checked before any signing work.
var nonceRe = regexp.MustCompile(`^[A-Za-z0-9]*$`)

// etagRe matches the hex content hashes used as cache validators.
var etagRe = regexp.MustCompile(`^[a-f0-9]{64}$`)

// ValidateNonce rejects nonces containing anything beyond letters and digits.
func ValidateNonce(nonce string) error {
	if !nonceRe.MatchString(nonce) {
		return codes.Validation(codes.InvalidNonceFormat, "nonce may contain only letters and digits")
	}
	return nil
}

// NormalizeETag strips the quoting from an If-None-Match value. An empty
// value means no validator; anything else must be a content hash.
func NormalizeETag(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	if !etagRe.MatchString(raw) {
		return "", codes.Validation(codes.InvalidETagFormat, "cache validator is not a content hash")
	}
	return raw, nil
}

// Artifact is one issuance result plus its cache validator.
type Artifact struct {
	Kind        ArtifactKind
	Payload     []byte
	ETag        string
	NotModified bool
}

// Service issues credential artifacts for applications.
type Service struct {
	db           *sql.DB
	engine       *authz.Engine
	authority    *Authority
	bindTokenTTL time.Duration
}

// NewService creates the issuance service.
func NewService(db *sql.DB, engine *authz.Engine, authority *Authority, bindTokenTTL time.Duration) *Service {
	return &Service{db: db, engine: engine, authority: authority, bindTokenTTL: bindTokenTTL}
}

func (s *Service) appGroup(ctx context.Context, applicationID int64) (int64, error) {
	var groupID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT group_id FROM applications WHERE id = $1`, applicationID).Scan(&groupID)
	if err == sql.ErrNoRows {
		return 0, codes.NotFound(codes.ApplicationNotFound, "application not found")
	}
	if err != nil {
		return 0, storage.ClassifyErr(fmt.Errorf("failed to resolve application group: %w", err))
	}
	return groupID, nil
}

func (s *Service) authorizeIssue(ctx context.Context, caller roles.Caller, applicationID int64) error {
	groupID, err := s.appGroup(ctx, applicationID)
	if err != nil {
		if codes.IsKind(err, codes.KindNotFound) && !caller.GlobalAdmin {
			return codes.Unauthorizedf()
		}
		return err
	}
	return s.engine.Authorize(ctx, caller, authz.Operation{Action: authz.ActionCredentialIssue, GroupID: groupID})
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateBindToken issues a fresh bind token for an application and returns
// the plaintext exactly once. Any previously issued token is invalidated.
func (s *Service) GenerateBindToken(ctx context.Context, caller roles.Caller, applicationID int64) (string, error) {
	if err := s.authorizeIssue(ctx, caller, applicationID); err != nil {
		return "", err
	}

	token, err := randomToken()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(token))

	res, err := s.db.ExecContext(ctx, `
		UPDATE applications
		SET bind_token_hash = $1, bind_token_expires_at = $2, updated_at = NOW()
		WHERE id = $3
	`, hex.EncodeToString(sum[:]), time.Now().Add(s.bindTokenTTL), applicationID)
	if err != nil {
		return "", storage.ClassifyErr(fmt.Errorf("failed to store bind token: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", codes.NotFound(codes.ApplicationNotFound, "application not found")
	}
	return token, nil
}

// GeneratePassphrase issues a fresh login passphrase, returning the plaintext
// exactly once. The session epoch is bumped so outstanding sessions die.
func (s *Service) GeneratePassphrase(ctx context.Context, caller roles.Caller, applicationID int64) (string, error) {
	if err := s.authorizeIssue(ctx, caller, applicationID); err != nil {
		return "", err
	}

	passphrase, err := randomToken()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(passphrase), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash passphrase: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE applications
		SET passphrase_hash = $1, session_epoch = session_epoch + 1, updated_at = NOW()
		WHERE id = $2
	`, string(hash), applicationID)
	if err != nil {
		return "", storage.ClassifyErr(fmt.Errorf("failed to store passphrase: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", codes.NotFound(codes.ApplicationNotFound, "application not found")
	}
	return passphrase, nil
}

// VerifyPassphrase checks an application's passphrase and returns its group
// and current session epoch on success. Failures are uniformly reported.
func (s *Service) VerifyPassphrase(ctx context.Context, applicationID int64, passphrase string) (groupID, epoch int64, err error) {
	var hash sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT passphrase_hash, group_id, session_epoch FROM applications WHERE id = $1
	`, applicationID).Scan(&hash, &groupID, &epoch)
	if err == sql.ErrNoRows {
		return 0, 0, codes.Credential(codes.InvalidCredentials)
	}
	if err != nil {
		return 0, 0, storage.ClassifyErr(fmt.Errorf("failed to load passphrase hash: %w", err))
	}
	if !hash.Valid {
		return 0, 0, codes.Credential(codes.InvalidCredentials)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash.String), []byte(passphrase)) != nil {
		return 0, 0, codes.Credential(codes.InvalidCredentials)
	}
	return groupID, epoch, nil
}

// SessionEpoch returns an application's current session epoch.
func (s *Service) SessionEpoch(ctx context.Context, applicationID int64) (int64, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx,
		`SELECT session_epoch FROM applications WHERE id = $1`, applicationID).Scan(&epoch)
	if err == sql.ErrNoRows {
		return 0, codes.NotFound(codes.ApplicationNotFound, "application not found")
	}
	if err != nil {
		return 0, storage.ClassifyErr(fmt.Errorf("failed to load session epoch: %w", err))
	}
	return epoch, nil
}

// FetchArtifact serves one cacheable artifact for an application. A request
// validator equal to the artifact's current content hash short-circuits to
// NotModified; otherwise the artifact is (re)generated and its validator
// persisted. Validators are independent per kind: permission changes move
// only the permission-document hashes.
func (s *Service) FetchArtifact(ctx context.Context, caller roles.Caller, applicationID int64, kind ArtifactKind, nonce, requestETag string) (*Artifact, error) {
	op := authz.Operation{Action: authz.ActionArtifactFetch, ApplicationID: applicationID}
	if caller.Kind != roles.CallerApplication {
		groupID, err := s.appGroup(ctx, applicationID)
		if err != nil {
			if codes.IsKind(err, codes.KindNotFound) && !caller.GlobalAdmin {
				return nil, codes.Unauthorizedf()
			}
			return nil, err
		}
		op.GroupID = groupID
	}
	if err := s.engine.Authorize(ctx, caller, op); err != nil {
		return nil, err
	}

	// Format checks come before any crypto or store writes.
	if err := ValidateNonce(nonce); err != nil {
		return nil, err
	}
	etag, err := NormalizeETag(requestETag)
	if err != nil {
		return nil, err
	}

	switch kind {
	case ArtifactIdentityCA:
		payload, hash, err := s.authority.IdentityCAPEM(ctx)
		return conditional(kind, payload, hash, etag), err
	case ArtifactPermissionsCA:
		payload, hash, err := s.authority.PermissionsCAPEM(ctx)
		return conditional(kind, payload, hash, etag), err
	case ArtifactGovernance:
		payload, hash, err := s.authority.GovernanceDocument(ctx)
		return conditional(kind, payload, hash, etag), err
	case ArtifactPermissionsXML:
		return s.permissionsArtifact(ctx, applicationID, kind, nonce, etag)
	case ArtifactPermissionsJSON:
		return s.permissionsArtifact(ctx, applicationID, kind, "", etag)
	default:
		return nil, codes.NotFound(codes.PermissionNotFound, "unknown artifact kind")
	}
}

func conditional(kind ArtifactKind, payload []byte, hash, requestETag string) *Artifact {
	if hash != "" && hash == requestETag {
		return &Artifact{Kind: kind, ETag: hash, NotModified: true}
	}
	return &Artifact{Kind: kind, Payload: payload, ETag: hash}
}

// permissionsArtifact serves the per-application permission document. The
// cached row is the validator: as long as it still carries the current
// document (grant mutations delete it, a new nonce changes the document) the
// stored payload and hash are served, so the ETag only moves when the
// content does. Signing happens only on a rebuild.
func (s *Service) permissionsArtifact(ctx context.Context, applicationID int64, kind ArtifactKind, nonce, requestETag string) (*Artifact, error) {
	doc, err := s.buildPermissionsDocument(ctx, applicationID, nonce)
	if err != nil {
		return nil, err
	}

	var unsigned []byte
	switch kind {
	case ArtifactPermissionsXML:
		unsigned, err = doc.renderXML()
	case ArtifactPermissionsJSON:
		unsigned, err = doc.renderJSON()
	}
	if err != nil {
		return nil, err
	}

	cachedPayload, cachedHash, err := s.cachedArtifact(ctx, applicationID, kind)
	if err != nil {
		return nil, err
	}
	if cachedHash != "" && cacheCarries(kind, cachedPayload, unsigned) {
		return conditional(kind, cachedPayload, cachedHash, requestETag), nil
	}

	payload := unsigned
	if kind == ArtifactPermissionsXML {
		payload, err = s.authority.SignDocument(ctx, unsigned)
		if err != nil {
			return nil, err
		}
	}
	hash := contentHash(payload)

	err = storage.WithinTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO application_artifacts (application_id, kind, content_hash, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (application_id, kind)
			DO UPDATE SET content_hash = EXCLUDED.content_hash, payload = EXCLUDED.payload, updated_at = NOW()
		`, applicationID, string(kind), hash, payload)
		if err != nil {
			return storage.ClassifyErr(fmt.Errorf("failed to cache artifact: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conditional(kind, payload, hash, requestETag), nil
}

func (s *Service) cachedArtifact(ctx context.Context, applicationID int64, kind ArtifactKind) ([]byte, string, error) {
	var payload []byte
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, content_hash FROM application_artifacts
		WHERE application_id = $1 AND kind = $2
	`, applicationID, string(kind)).Scan(&payload, &hash)
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", storage.ClassifyErr(fmt.Errorf("failed to load cached artifact: %w", err))
	}
	return payload, hash, nil
}

// cacheCarries reports whether the cached payload still embeds the current
// document. Signed payloads are the document with a signature block appended,
// so the document is a strict prefix; unsigned payloads match exactly.
func cacheCarries(kind ArtifactKind, cached, doc []byte) bool {
	if kind == ArtifactPermissionsXML {
		return len(cached) > len(doc) && bytes.HasPrefix(cached, doc)
	}
	return bytes.Equal(cached, doc)
}

// KeyPair is a freshly issued application credential. It is never cached:
// every request yields new key material.
type KeyPair struct {
	PrivateKeyPEM  []byte
	CertificatePEM []byte
}

// GenerateKeyPair issues a fresh P-256 key pair and an identity-CA-signed
// certificate for the application. The nonce participates in the subject so
// clients can tie the credential to their request.
func (s *Service) GenerateKeyPair(ctx context.Context, caller roles.Caller, applicationID int64, nonce string) (*KeyPair, error) {
	op := authz.Operation{Action: authz.ActionArtifactFetch, ApplicationID: applicationID}
	if caller.Kind != roles.CallerApplication {
		groupID, err := s.appGroup(ctx, applicationID)
		if err != nil {
			if codes.IsKind(err, codes.KindNotFound) && !caller.GlobalAdmin {
				return nil, codes.Unauthorizedf()
			}
			return nil, err
		}
		op.GroupID = groupID
	}
	if err := s.engine.Authorize(ctx, caller, op); err != nil {
		return nil, err
	}
	if err := ValidateNonce(nonce); err != nil {
		return nil, err
	}

	groupID, err := s.appGroup(ctx, applicationID)
	if err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	subject := fmt.Sprintf("permitd:app:%d:group:%d", applicationID, groupID)
	if nonce != "" {
		subject += ":nonce:" + nonce
	}
	certPEM, err := s.authority.IssueCertificate(ctx, subject, &key.PublicKey)
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &KeyPair{PrivateKeyPEM: keyPEM, CertificatePEM: certPEM}, nil
}
