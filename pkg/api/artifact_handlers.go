package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/permitd/permitd/pkg/credentials"
	"github.com/permitd/permitd/pkg/httputil"
	"github.com/permitd/permitd/pkg/middleware"
	"github.com/permitd/permitd/pkg/roles"
)

// ArtifactHandlers serves credential artifacts to applications. Every
// endpoint honors If-None-Match and answers 304 when the caller already
// holds the current content.
type ArtifactHandlers struct {
	credentials *credentials.Service
}

// NewArtifactHandlers creates a new ArtifactHandlers
func NewArtifactHandlers(credSvc *credentials.Service) *ArtifactHandlers {
	return &ArtifactHandlers{credentials: credSvc}
}

// RegisterRoutes registers artifact routes
func (h *ArtifactHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/applications/identity_ca.pem", h.artifact(credentials.ArtifactIdentityCA, "application/x-pem-file")).Methods("GET")
	router.HandleFunc("/applications/permissions_ca.pem", h.artifact(credentials.ArtifactPermissionsCA, "application/x-pem-file")).Methods("GET")
	router.HandleFunc("/applications/governance.xml.p7s", h.artifact(credentials.ArtifactGovernance, "application/xml")).Methods("GET")
	router.HandleFunc("/applications/permissions.xml.p7s", h.artifact(credentials.ArtifactPermissionsXML, "application/xml")).Methods("GET")
	router.HandleFunc("/applications/permissions.json", h.artifact(credentials.ArtifactPermissionsJSON, "application/json")).Methods("GET")
	router.HandleFunc("/applications/key_pair", h.KeyPair).Methods("GET")
}

// targetApplication resolves which application the artifact is for.
// Application callers always act on themselves. User callers name the
// application with the application_id query parameter.
func targetApplication(w http.ResponseWriter, r *http.Request, caller roles.Caller) (int64, bool) {
	if caller.Kind == roles.CallerApplication {
		return caller.ApplicationID, true
	}
	id, err := httputil.ParseQueryInt64(r, "application_id", 0)
	if err != nil || id == 0 {
		httputil.WriteBadRequest(w, "application_id is required")
		return 0, false
	}
	return id, true
}

func (h *ArtifactHandlers) artifact(kind credentials.ArtifactKind, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller := middleware.CallerFrom(r.Context())
		appID, ok := targetApplication(w, r, caller)
		if !ok {
			return
		}

		nonce := httputil.ParseQueryString(r, "nonce", "")
		etag := r.Header.Get("If-None-Match")

		artifact, err := h.credentials.FetchArtifact(r.Context(), caller, appID, kind, nonce, etag)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}

		w.Header().Set("ETag", `"`+artifact.ETag+`"`)
		if artifact.NotModified {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		w.Write(artifact.Payload)
	}
}

type keyPairResponse struct {
	PrivateKey  string `json:"private_key"`
	Certificate string `json:"certificate"`
}

// KeyPair issues a fresh private key and identity certificate. The response
// is never cached and carries no ETag.
func (h *ArtifactHandlers) KeyPair(w http.ResponseWriter, r *http.Request) {
	caller := middleware.CallerFrom(r.Context())
	appID, ok := targetApplication(w, r, caller)
	if !ok {
		return
	}

	nonce := httputil.ParseQueryString(r, "nonce", "")
	pair, err := h.credentials.GenerateKeyPair(r.Context(), caller, appID, nonce)
	if err != nil {
		httputil.WriteDomainError(w, err)
		return
	}
	httputil.WriteSuccess(w, keyPairResponse{
		PrivateKey:  string(pair.PrivateKeyPEM),
		Certificate: string(pair.CertificatePEM),
	})
}
