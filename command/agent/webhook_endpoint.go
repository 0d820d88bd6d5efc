package agent

import (
	"net/http"
	"strings"
	"time"

	"github.com/secretdrop/sirr/sirr"
	"github.com/secretdrop/sirr/sirr/structs"
)

type webhookCreateRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type webhookListResponse struct {
	Webhooks []*structs.WebhookRegistration `json:"webhooks"`
}

// WebhooksRequest serves the /webhooks collection: GET lists registrations,
// POST registers a new one. Both require auth.
func (s *HTTPServer) WebhooksRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if err := s.checkAuth(req); err != nil {
		return nil, err
	}

	switch req.Method {
	case http.MethodGet:
		regs, err := s.agent.store.ListWebhooks()
		if err != nil {
			return nil, err
		}
		// Signing secrets are only disclosed at registration time.
		redacted := make([]*structs.WebhookRegistration, 0, len(regs))
		for _, reg := range regs {
			r := *reg
			r.Secret = ""
			redacted = append(redacted, &r)
		}
		return &webhookListResponse{Webhooks: redacted}, nil

	case http.MethodPost:
		return s.createWebhook(resp, req)

	default:
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
}

func (s *HTTPServer) createWebhook(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var body webhookCreateRequest
	if err := decodeBody(req, &body); err != nil {
		return nil, err
	}

	if err := sirr.ValidateWebhookURL(body.URL, s.agent.config.WebhookAllowedOrigins); err != nil {
		return nil, CodedError(http.StatusBadRequest, err.Error())
	}

	events := body.Events
	if len(events) == 0 {
		events = []string{structs.WebhookEventWildcard}
	}

	id, err := sirr.GenerateWebhookID()
	if err != nil {
		return nil, err
	}
	secret, err := sirr.GenerateSigningSecret()
	if err != nil {
		return nil, err
	}

	reg := &structs.WebhookRegistration{
		ID:        id,
		URL:       body.URL,
		Secret:    secret,
		Events:    events,
		CreatedAt: time.Now().Unix(),
	}
	if err := s.agent.store.PutWebhook(reg); err != nil {
		return nil, err
	}

	// The signing secret is returned exactly once, at registration.
	writeJSON(resp, http.StatusCreated, reg)
	return nil, nil
}

// WebhookSpecificRequest serves DELETE /webhooks/{id}.
func (s *HTTPServer) WebhookSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if err := s.checkAuth(req); err != nil {
		return nil, err
	}
	if req.Method != http.MethodDelete {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}

	id := strings.TrimPrefix(req.URL.Path, "/webhooks/")
	if id == "" {
		return nil, CodedError(http.StatusBadRequest, "missing webhook id")
	}

	existed, err := s.agent.store.DeleteWebhook(id)
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, CodedError(http.StatusNotFound, "webhook not found")
	}
	return &secretDeleteResponse{Deleted: true}, nil
}
