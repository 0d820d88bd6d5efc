package agent

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/secretdrop/sirr/sirr"
	"github.com/secretdrop/sirr/sirr/structs"
)

type secretCreateRequest struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	TTLSeconds *uint64 `json:"ttl_seconds"`
	MaxReads   *uint32 `json:"max_reads"`
	Delete     *bool   `json:"delete"`
	WebhookURL string  `json:"webhook_url"`
}

type secretCreateResponse struct {
	Key string `json:"key"`
}

type secretValueResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type secretListResponse struct {
	Secrets []*structs.SecretMeta `json:"secrets"`
}

type secretDeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// SecretsRequest serves the /secrets collection: GET lists metadata, POST
// creates a secret. Both require auth.
func (s *HTTPServer) SecretsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return s.listSecrets(resp, req)
	case http.MethodPost:
		return s.createSecret(resp, req)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func (s *HTTPServer) listSecrets(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if err := s.checkAuth(req); err != nil {
		return nil, err
	}
	metas, err := s.agent.store.ListSecrets()
	if err != nil {
		return nil, err
	}
	if metas == nil {
		metas = []*structs.SecretMeta{}
	}
	s.recordAudit(req, structs.AuditActionList, "", true, fmt.Sprintf("%d secrets", len(metas)))
	return &secretListResponse{Secrets: metas}, nil
}

func (s *HTTPServer) createSecret(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if err := s.checkAuth(req); err != nil {
		return nil, err
	}

	var body secretCreateRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}

	if err := s.licenseGate(req); err != nil {
		s.recordAudit(req, structs.AuditActionCreate, body.Key, false, "license rejection")
		return nil, err
	}

	if body.WebhookURL != "" {
		if err := sirr.ValidateWebhookURL(body.WebhookURL, s.agent.config.WebhookAllowedOrigins); err != nil {
			s.recordAudit(req, structs.AuditActionCreate, body.Key, false, err.Error())
			return nil, CodedError(http.StatusBadRequest, err.Error())
		}
	}

	put := &structs.SecretPutRequest{
		Key:        body.Key,
		Value:      []byte(body.Value),
		TTLSeconds: body.TTLSeconds,
		MaxReads:   body.MaxReads,
		Delete:     true,
		WebhookURL: body.WebhookURL,
	}
	if body.Delete != nil {
		put.Delete = *body.Delete
	}

	if _, err := s.agent.store.PutSecret(put); err != nil {
		if structs.IsValidationError(err) {
			s.recordAudit(req, structs.AuditActionCreate, body.Key, false, err.Error())
		}
		return nil, err
	}

	s.recordAudit(req, structs.AuditActionCreate, body.Key, true, "")
	s.agent.webhooks.Fire(structs.AuditActionCreate, body.Key, "")

	writeJSON(resp, http.StatusCreated, &secretCreateResponse{Key: body.Key})
	return nil, nil
}

// licenseGate enforces the free-tier record cap on create, consulting the
// online validator for licensed instances when one is configured. A falsy
// validator result is treated as a payment-required rejection.
func (s *HTTPServer) licenseGate(req *http.Request) error {
	switch s.agent.license.State {
	case sirr.LicenseFree:
		metas, err := s.agent.store.ListSecrets()
		if err != nil {
			return err
		}
		if len(metas) >= s.agent.config.FreeTierLimit {
			return CodedError(http.StatusPaymentRequired, fmt.Sprintf(
				"free tier limit of %d secrets reached; set SIRR_LICENSE_KEY to continue (get a license at https://secretdrop.app/sirr)",
				s.agent.config.FreeTierLimit))
		}
	case sirr.LicenseLicensed:
		if s.agent.validator == nil {
			return nil
		}
		ok, err := s.agent.validator.Validate(req.Context(), s.agent.config.LicenseKey, s.agent.store.InstanceID())
		if err != nil {
			s.logger.Warn("online license validation failed", "error", err)
		}
		if !ok {
			return CodedError(http.StatusPaymentRequired,
				"license validation failed; check SIRR_LICENSE_KEY (get a license at https://secretdrop.app/sirr)")
		}
	}
	return nil
}

// SecretSpecificRequest routes /secrets/{key}: GET and HEAD are public,
// PATCH and DELETE require auth.
func (s *HTTPServer) SecretSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	key := strings.TrimPrefix(req.URL.Path, "/secrets/")
	if key == "" {
		return nil, CodedError(http.StatusBadRequest, "missing secret key")
	}

	switch req.Method {
	case http.MethodGet:
		return s.getSecret(resp, req, key)
	case http.MethodHead:
		return s.headSecret(resp, req, key)
	case http.MethodPatch:
		return s.patchSecret(resp, req, key)
	case http.MethodDelete:
		return s.deleteSecret(resp, req, key)
	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func (s *HTTPServer) getSecret(resp http.ResponseWriter, req *http.Request, key string) (interface{}, error) {
	result, err := s.agent.store.GetSecret(key)
	if err != nil {
		s.recordAudit(req, structs.AuditActionRead, key, false, "internal error")
		return nil, err
	}

	switch result.Outcome {
	case structs.GetOutcomeNotFound:
		s.recordAudit(req, structs.AuditActionRead, key, false, "not found")
		return nil, CodedError(http.StatusNotFound, "not found or expired")

	case structs.GetOutcomeSealed:
		s.recordAudit(req, structs.AuditActionRead, key, false, "sealed")
		return nil, CodedError(http.StatusGone, "secret is sealed; reads exhausted")

	case structs.GetOutcomeBurned:
		s.recordAudit(req, structs.AuditActionBurned, key, true, "")
		s.agent.webhooks.Fire(structs.AuditActionBurned, key, "")
		if result.WebhookURL != "" {
			s.agent.webhooks.FireForURL(result.WebhookURL, structs.AuditActionBurned, key, "")
		}
		return &secretValueResponse{Key: key, Value: string(result.Value)}, nil

	default:
		s.recordAudit(req, structs.AuditActionRead, key, true, "")
		s.agent.webhooks.Fire(structs.AuditActionRead, key, "")
		if result.WebhookURL != "" {
			s.agent.webhooks.FireForURL(result.WebhookURL, structs.AuditActionRead, key, "")
		}
		return &secretValueResponse{Key: key, Value: string(result.Value)}, nil
	}
}

func (s *HTTPServer) headSecret(resp http.ResponseWriter, req *http.Request, key string) (interface{}, error) {
	meta, sealed, err := s.agent.store.HeadSecret(key)
	if err != nil {
		return nil, err
	}

	remaining := "unlimited"
	if meta.MaxReads != nil {
		n := int64(*meta.MaxReads) - int64(meta.ReadCount)
		if n < 0 {
			n = 0
		}
		remaining = strconv.FormatInt(n, 10)
	}

	h := resp.Header()
	h.Set("X-Sirr-Read-Count", strconv.FormatUint(uint64(meta.ReadCount), 10))
	h.Set("X-Sirr-Reads-Remaining", remaining)
	h.Set("X-Sirr-Delete", strconv.FormatBool(meta.Delete))
	h.Set("X-Sirr-Created-At", strconv.FormatInt(meta.CreatedAt, 10))
	if meta.ExpiresAt != nil {
		h.Set("X-Sirr-Expires-At", strconv.FormatInt(*meta.ExpiresAt, 10))
	}

	if sealed {
		h.Set("X-Sirr-Status", "sealed")
		resp.WriteHeader(http.StatusGone)
	} else {
		h.Set("X-Sirr-Status", "active")
		resp.WriteHeader(http.StatusOK)
	}
	return nil, nil
}

type secretPatchBody struct {
	Value    *string `json:"value"`
	MaxReads *uint32 `json:"max_reads"`

	// TTLSeconds is raw so an explicit null (clear the TTL) can be told
	// apart from an absent field (leave it alone).
	TTLSeconds json.RawMessage `json:"ttl_seconds"`
}

func (s *HTTPServer) patchSecret(resp http.ResponseWriter, req *http.Request, key string) (interface{}, error) {
	if err := s.checkAuth(req); err != nil {
		return nil, err
	}

	var body secretPatchBody
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}

	patch := &structs.SecretPatchRequest{
		MaxReads: body.MaxReads,
	}
	if body.Value != nil {
		patch.Value = []byte(*body.Value)
		patch.HasValue = true
	}
	if len(body.TTLSeconds) > 0 {
		if string(body.TTLSeconds) == "null" {
			patch.ClearTTL = true
		} else {
			var ttl uint64
			if err := json.Unmarshal(body.TTLSeconds, &ttl); err != nil {
				return nil, CodedError(http.StatusBadRequest, "ttl_seconds must be an unsigned integer or null")
			}
			patch.TTLSeconds = &ttl
		}
	}

	meta, err := s.agent.store.PatchSecret(key, patch)
	if err != nil {
		s.recordAudit(req, structs.AuditActionPatch, key, false, "")
		return nil, err
	}

	s.recordAudit(req, structs.AuditActionPatch, key, true, "")
	s.agent.webhooks.Fire(structs.AuditActionPatch, key, "")
	return meta, nil
}

func (s *HTTPServer) deleteSecret(resp http.ResponseWriter, req *http.Request, key string) (interface{}, error) {
	if err := s.checkAuth(req); err != nil {
		return nil, err
	}

	existed, err := s.agent.store.DeleteSecret(key)
	if err != nil {
		return nil, err
	}
	s.recordAudit(req, structs.AuditActionDelete, key, existed, "")
	if !existed {
		return nil, CodedError(http.StatusNotFound, "not found")
	}

	s.agent.webhooks.Fire(structs.AuditActionDelete, key, "")
	return &secretDeleteResponse{Deleted: true}, nil
}

type pruneResponse struct {
	Pruned int `json:"pruned"`
}

// PruneRequest serves POST /prune: sweep every expired or burned record.
func (s *HTTPServer) PruneRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if err := s.checkAuth(req); err != nil {
		return nil, err
	}

	n, err := s.agent.store.Prune()
	if err != nil {
		return nil, err
	}
	s.recordAudit(req, structs.AuditActionPrune, "", true, fmt.Sprintf("%d pruned", n))
	s.agent.webhooks.Fire(structs.AuditActionPrune, "", fmt.Sprintf("%d pruned", n))
	return &pruneResponse{Pruned: n}, nil
}
