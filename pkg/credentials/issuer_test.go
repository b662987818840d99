package credentials

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/permitd/permitd/pkg/authz"
	"github.com/permitd/permitd/pkg/codes"
	"github.com/permitd/permitd/pkg/roles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db, authz.NewEngine(), &Authority{db: db}, 24*time.Hour), mock
}

func appAdmin(groupID int64) roles.Caller {
	return roles.Caller{
		Kind:   roles.CallerUser,
		UserID: 2,
		Memberships: []roles.Membership{
			{GroupID: groupID, UserID: 2, Flags: roles.Flags{ApplicationAdmin: true}},
		},
	}
}

func appCaller(id int64) roles.Caller {
	return roles.Caller{Kind: roles.CallerApplication, ApplicationID: id, ApplicationGroupID: 10}
}

// makeTestCA builds a throwaway CA so authority calls can run against mocked
// secret rows.
func makeTestCA(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func secretRow(pemBytes []byte) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"pem", "content_hash"}).
		AddRow(pemBytes, contentHash(pemBytes))
}

func TestValidateNonce(t *testing.T) {
	assert.NoError(t, ValidateNonce(""))
	assert.NoError(t, ValidateNonce("unity"))
	assert.NoError(t, ValidateNonce("Abc123"))

	err := ValidateNonce("uni_ty")
	assert.True(t, codes.HasCode(err, codes.InvalidNonceFormat))
	assert.True(t, codes.HasCode(ValidateNonce("a b"), codes.InvalidNonceFormat))
	assert.True(t, codes.HasCode(ValidateNonce("a-b"), codes.InvalidNonceFormat))
}

func TestNormalizeETag(t *testing.T) {
	hash := contentHash([]byte("payload"))

	got, err := NormalizeETag(`"` + hash + `"`)
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	got, err = NormalizeETag(`W/"` + hash + `"`)
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	got, err = NormalizeETag("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = NormalizeETag("not-a-hash")
	assert.True(t, codes.HasCode(err, codes.InvalidETagFormat))
}

func TestGenerateBindToken(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT group_id").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(10))
	mock.ExpectExec("UPDATE applications").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	token, err := s.GenerateBindToken(context.Background(), appAdmin(10), 42)
	require.NoError(t, err)
	assert.Len(t, token, 64)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerateBindTokenDeniedForPlainMember(t *testing.T) {
	s, mock := newService(t)
	mock.ExpectQuery("SELECT group_id").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(10))

	caller := roles.Caller{
		Kind:   roles.CallerUser,
		UserID: 2,
		Memberships: []roles.Membership{
			{GroupID: 10, UserID: 2},
		},
	}
	_, err := s.GenerateBindToken(context.Background(), caller, 42)
	assert.True(t, codes.IsKind(err, codes.KindAuthorization))
}

func TestGeneratePassphraseBumpsEpoch(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectQuery("SELECT group_id").
		WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(10))
	mock.ExpectExec(`session_epoch = session_epoch \+ 1`).
		WithArgs(sqlmock.AnyArg(), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	passphrase, err := s.GeneratePassphrase(context.Background(), appAdmin(10), 42)
	require.NoError(t, err)
	assert.Len(t, passphrase, 64)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyPassphrase(t *testing.T) {
	ctx := context.Background()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	require.NoError(t, err)

	t.Run("accepts matching passphrase", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT passphrase_hash").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"passphrase_hash", "group_id", "session_epoch"}).
				AddRow(string(hash), 10, 3))

		groupID, epoch, err := s.VerifyPassphrase(ctx, 42, "correct horse")
		require.NoError(t, err)
		assert.Equal(t, int64(10), groupID)
		assert.Equal(t, int64(3), epoch)
	})

	t.Run("rejects wrong passphrase generically", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT passphrase_hash").
			WillReturnRows(sqlmock.NewRows([]string{"passphrase_hash", "group_id", "session_epoch"}).
				AddRow(string(hash), 10, 3))

		_, _, err := s.VerifyPassphrase(ctx, 42, "wrong")
		assert.True(t, codes.HasCode(err, codes.InvalidCredentials))
	})

	t.Run("rejects application without passphrase", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT passphrase_hash").
			WillReturnRows(sqlmock.NewRows([]string{"passphrase_hash", "group_id", "session_epoch"}).
				AddRow(nil, 10, 0))

		_, _, err := s.VerifyPassphrase(ctx, 42, "anything")
		assert.True(t, codes.HasCode(err, codes.InvalidCredentials))
	})

	t.Run("missing application reported identically", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT passphrase_hash").
			WillReturnRows(sqlmock.NewRows([]string{"passphrase_hash", "group_id", "session_epoch"}))

		_, _, err := s.VerifyPassphrase(ctx, 404, "anything")
		assert.True(t, codes.HasCode(err, codes.InvalidCredentials))
	})
}

func TestFetchArtifactRejectsNonceBeforeAnyWork(t *testing.T) {
	s, _ := newService(t)

	// No sqlmock expectations: a malformed nonce must fail before the store
	// or the signer is touched.
	_, err := s.FetchArtifact(context.Background(), appCaller(42), 42, ArtifactPermissionsXML, "uni_ty", "")
	assert.True(t, codes.HasCode(err, codes.InvalidNonceFormat))
}

func TestFetchArtifactIdentityCAConditional(t *testing.T) {
	certPEM, _ := makeTestCA(t, "test identity CA")
	hash := contentHash(certPEM)

	t.Run("match yields not modified with empty body", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT pem, content_hash").
			WithArgs(secretIdentityCA).
			WillReturnRows(secretRow(certPEM))

		art, err := s.FetchArtifact(context.Background(), appCaller(42), 42, ArtifactIdentityCA, "", `"`+hash+`"`)
		require.NoError(t, err)
		assert.True(t, art.NotModified)
		assert.Empty(t, art.Payload)
		assert.Equal(t, hash, art.ETag)
	})

	t.Run("mismatch yields payload and validator", func(t *testing.T) {
		s, mock := newService(t)
		mock.ExpectQuery("SELECT pem, content_hash").
			WithArgs(secretIdentityCA).
			WillReturnRows(secretRow(certPEM))

		art, err := s.FetchArtifact(context.Background(), appCaller(42), 42, ArtifactIdentityCA, "", "")
		require.NoError(t, err)
		assert.False(t, art.NotModified)
		assert.Equal(t, certPEM, art.Payload)
		assert.Equal(t, hash, art.ETag)
	})
}

func TestFetchArtifactDeniedForForeignApplication(t *testing.T) {
	s, _ := newService(t)
	_, err := s.FetchArtifact(context.Background(), appCaller(42), 43, ArtifactIdentityCA, "", "")
	assert.True(t, codes.HasCode(err, codes.Unauthorized))
}

func TestGenerateKeyPairNeverCached(t *testing.T) {
	certPEM, keyPEM := makeTestCA(t, "test identity CA")
	s, mock := newService(t)

	for i := 0; i < 2; i++ {
		mock.ExpectQuery("SELECT group_id").
			WithArgs(int64(42)).
			WillReturnRows(sqlmock.NewRows([]string{"group_id"}).AddRow(10))
		mock.ExpectQuery("SELECT pem, content_hash").
			WithArgs(secretIdentityCA).
			WillReturnRows(secretRow(certPEM))
		mock.ExpectQuery("SELECT pem, content_hash").
			WithArgs(secretIdentityCAKey).
			WillReturnRows(secretRow(keyPEM))
	}

	first, err := s.GenerateKeyPair(context.Background(), appCaller(42), 42, "unity")
	require.NoError(t, err)
	second, err := s.GenerateKeyPair(context.Background(), appCaller(42), 42, "unity")
	require.NoError(t, err)

	assert.NotEqual(t, first.PrivateKeyPEM, second.PrivateKeyPEM)
	assert.NotEqual(t, first.CertificatePEM, second.CertificatePEM)
}

func TestGenerateKeyPairRejectsBadNonce(t *testing.T) {
	s, _ := newService(t)
	_, err := s.GenerateKeyPair(context.Background(), appCaller(42), 42, "uni_ty")
	assert.True(t, codes.HasCode(err, codes.InvalidNonceFormat))
}

// expectPermissionsDoc queues the queries buildPermissionsDocument runs for
// application 42 in group 10, granting READ on the given topics.
func expectPermissionsDoc(mock sqlmock.Sqlmock, topics ...string) {
	mock.ExpectQuery("SELECT a.group_id").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"group_id", "name"}).AddRow(10, "sensors"))
	rows := sqlmock.NewRows([]string{"name", "access", "starts_at", "ends_at"})
	for _, topic := range topics {
		rows.AddRow(topic, "READ", nil, nil)
	}
	mock.ExpectQuery("SELECT t.name").
		WithArgs(int64(42)).
		WillReturnRows(rows)
}

func TestPermissionsDocumentETagStableAcrossFetches(t *testing.T) {
	certPEM, keyPEM := makeTestCA(t, "test permissions CA")
	s, mock := newService(t)
	ctx := context.Background()

	// First fetch finds no cached row, so the document is signed and stored.
	expectPermissionsDoc(mock, "sensor.temperature")
	mock.ExpectQuery("SELECT payload, content_hash").
		WithArgs(int64(42), "permissions_xml").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "content_hash"}))
	mock.ExpectQuery("SELECT pem, content_hash").
		WithArgs(secretPermissionsCA).
		WillReturnRows(secretRow(certPEM))
	mock.ExpectQuery("SELECT pem, content_hash").
		WithArgs(secretPermissionsCAKey).
		WillReturnRows(secretRow(keyPEM))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO application_artifacts").
		WithArgs(int64(42), "permissions_xml", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	first, err := s.FetchArtifact(ctx, appCaller(42), 42, ArtifactPermissionsXML, "unity", "")
	require.NoError(t, err)
	assert.False(t, first.NotModified)
	assert.NotEmpty(t, first.Payload)
	assert.Equal(t, contentHash(first.Payload), first.ETag)

	// Unchanged grants serve the stored row, so presenting the validator from
	// the first fetch yields NotModified. No signer expectations are queued:
	// a re-sign here would fail ExpectationsWereMet.
	expectPermissionsDoc(mock, "sensor.temperature")
	mock.ExpectQuery("SELECT payload, content_hash").
		WithArgs(int64(42), "permissions_xml").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "content_hash"}).
			AddRow(first.Payload, first.ETag))

	second, err := s.FetchArtifact(ctx, appCaller(42), 42, ArtifactPermissionsXML, "unity", `"`+first.ETag+`"`)
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.Equal(t, first.ETag, second.ETag)
	assert.Empty(t, second.Payload)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionsETagMovesOnlyForGrantChanges(t *testing.T) {
	certPEM, keyPEM := makeTestCA(t, "test permissions CA")
	identityPEM, _ := makeTestCA(t, "test identity CA")
	s, mock := newService(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT pem, content_hash").
		WithArgs(secretIdentityCA).
		WillReturnRows(secretRow(identityPEM))
	caBefore, err := s.FetchArtifact(ctx, appCaller(42), 42, ArtifactIdentityCA, "", "")
	require.NoError(t, err)

	expectPermissionsDoc(mock, "sensor.temperature")
	mock.ExpectQuery("SELECT payload, content_hash").
		WithArgs(int64(42), "permissions_xml").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "content_hash"}))
	mock.ExpectQuery("SELECT pem, content_hash").
		WithArgs(secretPermissionsCA).
		WillReturnRows(secretRow(certPEM))
	mock.ExpectQuery("SELECT pem, content_hash").
		WithArgs(secretPermissionsCAKey).
		WillReturnRows(secretRow(keyPEM))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO application_artifacts").
		WithArgs(int64(42), "permissions_xml", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	first, err := s.FetchArtifact(ctx, appCaller(42), 42, ArtifactPermissionsXML, "unity", "")
	require.NoError(t, err)

	// A grant change deletes the cached row; the rebuilt document carries the
	// new topic and a fresh validator, so the old one no longer matches.
	expectPermissionsDoc(mock, "sensor.humidity", "sensor.temperature")
	mock.ExpectQuery("SELECT payload, content_hash").
		WithArgs(int64(42), "permissions_xml").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "content_hash"}))
	mock.ExpectQuery("SELECT pem, content_hash").
		WithArgs(secretPermissionsCA).
		WillReturnRows(secretRow(certPEM))
	mock.ExpectQuery("SELECT pem, content_hash").
		WithArgs(secretPermissionsCAKey).
		WillReturnRows(secretRow(keyPEM))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO application_artifacts").
		WithArgs(int64(42), "permissions_xml", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	rebuilt, err := s.FetchArtifact(ctx, appCaller(42), 42, ArtifactPermissionsXML, "unity", `"`+first.ETag+`"`)
	require.NoError(t, err)
	assert.False(t, rebuilt.NotModified)
	assert.NotEqual(t, first.ETag, rebuilt.ETag)

	// The CA validator is untouched by permission changes.
	mock.ExpectQuery("SELECT pem, content_hash").
		WithArgs(secretIdentityCA).
		WillReturnRows(secretRow(identityPEM))
	caAfter, err := s.FetchArtifact(ctx, appCaller(42), 42, ArtifactIdentityCA, "", "")
	require.NoError(t, err)
	assert.Equal(t, caBefore.ETag, caAfter.ETag)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionsJSONServedFromCache(t *testing.T) {
	s, mock := newService(t)
	ctx := context.Background()

	// The JSON view is unsigned, so the first fetch stores it directly.
	expectPermissionsDoc(mock, "sensor.temperature")
	mock.ExpectQuery("SELECT payload, content_hash").
		WithArgs(int64(42), "permissions_json").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "content_hash"}))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO application_artifacts").
		WithArgs(int64(42), "permissions_json", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	first, err := s.FetchArtifact(ctx, appCaller(42), 42, ArtifactPermissionsJSON, "", "")
	require.NoError(t, err)
	assert.Equal(t, contentHash(first.Payload), first.ETag)

	expectPermissionsDoc(mock, "sensor.temperature")
	mock.ExpectQuery("SELECT payload, content_hash").
		WithArgs(int64(42), "permissions_json").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "content_hash"}).
			AddRow(first.Payload, first.ETag))

	second, err := s.FetchArtifact(ctx, appCaller(42), 42, ArtifactPermissionsJSON, "", `"`+first.ETag+`"`)
	require.NoError(t, err)
	assert.True(t, second.NotModified)
	assert.Equal(t, first.ETag, second.ETag)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignedDocumentVerifies(t *testing.T) {
	certPEM, keyPEM := makeTestCA(t, "test permissions CA")
	s, mock := newService(t)

	mock.ExpectQuery("SELECT pem, content_hash").
		WithArgs(secretPermissionsCA).
		WillReturnRows(secretRow(certPEM))
	mock.ExpectQuery("SELECT pem, content_hash").
		WithArgs(secretPermissionsCAKey).
		WillReturnRows(secretRow(keyPEM))

	payload := []byte("<dds></dds>")
	signed, err := s.authority.SignDocument(context.Background(), payload)
	require.NoError(t, err)

	// Payload first, then a PEM signature block.
	assert.Equal(t, payload, signed[:len(payload)])
	block, _ := pem.Decode(signed[len(payload):])
	require.NotNil(t, block)
	assert.Equal(t, "SIGNATURE", block.Type)

	certBlock, _ := pem.Decode(certPEM)
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	require.NoError(t, err)
	digest := sha256.Sum256(payload)
	pub := cert.PublicKey.(*ecdsa.PublicKey)
	assert.True(t, ecdsa.VerifyASN1(pub, digest[:], block.Bytes))
}
