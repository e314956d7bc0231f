// Package signuphttp exposes the provisioning workflow over HTTP: a
// signup endpoint that triggers a grant, and a read-only permissions
// endpoint serving the computed least-privilege manifest.
package signuphttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/signup-provisioner/internal/grant"
	"github.com/keithlinneman/signup-provisioner/internal/iam"
	"github.com/keithlinneman/signup-provisioner/internal/log"
)

// GrantHandler runs one grant attempt per request.
type GrantHandler interface {
	Handle(ctx context.Context, req grant.SignupRequest) grant.GrantResult
}

// API implements the signup API endpoints
type API struct {
	grants GrantHandler
	policy iam.PolicyDocument
	logger log.Logger
}

// NewAPI creates a new signup API handler
func NewAPI(grants GrantHandler, policy iam.PolicyDocument, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		grants: grants,
		policy: policy,
		logger: logger,
	}
}

// RegisterRoutes attaches signup endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.Post("/v1/signup", api.HandleSignup)
	r.Get("/v1/permissions", api.HandlePermissions)
}

// SignupBody is the request payload for POST /v1/signup.
type SignupBody struct {
	Principal string `json:"principal"`
	Source    string `json:"source"`
}

// ErrorResponse is returned on malformed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HandleSignup runs the grant workflow for one principal. The response
// body is always the grant result; the status code maps the outcome:
// 200 granted, 400 invalid principal, 502 upstream failure.
func (api *API) HandleSignup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body SignupBody
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		api.logger.Warn(ctx, "rejected malformed signup body", "error", err)
		api.writeJSON(ctx, w, http.StatusBadRequest, ErrorResponse{Error: "malformed request body"})
		return
	}

	res := api.grants.Handle(ctx, grant.SignupRequest{
		Principal:  body.Principal,
		Source:     body.Source,
		ReceivedAt: time.Now().UTC(),
	})

	api.writeJSON(ctx, w, statusFor(res), res)
}

func statusFor(res grant.GrantResult) int {
	if res.Granted() {
		return http.StatusOK
	}
	if res.Reason == grant.ReasonInvalidPrincipal {
		return http.StatusBadRequest
	}
	// identity-store errors and timeouts are upstream failures
	return http.StatusBadGateway
}

// HandlePermissions serves the permission manifest computed at
// composition time, for operators auditing the deployed role.
func (api *API) HandlePermissions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := api.policy.JSON()
	if err != nil {
		api.logger.Error(ctx, err, "failed to encode permission manifest")
		http.Error(w, `{"error":"manifest unavailable"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		api.logger.Warn(ctx, "failed to write permission manifest", "error", err)
	}
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
