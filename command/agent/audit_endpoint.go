package agent

import (
	"net/http"
	"strconv"

	"github.com/secretdrop/sirr/sirr/structs"
)

type auditListResponse struct {
	Events []*structs.AuditEvent `json:"events"`
}

// AuditRequest serves GET /audit with the since, until, action, and limit
// query filters. Events come back in insertion order, oldest first.
func (s *HTTPServer) AuditRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	if err := s.checkAuth(req); err != nil {
		return nil, err
	}

	q := &structs.AuditQuery{
		Action:     req.URL.Query().Get("action"),
		RedactKeys: s.agent.config.RedactAuditKeys,
	}

	query := req.URL.Query()
	if raw := query.Get("since"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, CodedError(http.StatusBadRequest, "since must be a Unix timestamp")
		}
		q.Since = &ts
	}
	if raw := query.Get("until"); raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, CodedError(http.StatusBadRequest, "until must be a Unix timestamp")
		}
		q.Until = &ts
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, CodedError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		q.Limit = limit
	}

	events, err := s.agent.store.ListAudit(q)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*structs.AuditEvent{}
	}
	return &auditListResponse{Events: events}, nil
}
