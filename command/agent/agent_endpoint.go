package agent

import (
	"net/http"

	"github.com/secretdrop/sirr/sirr/structs"
)

// healthResponse is the /health body.
type healthResponse struct {
	Status string `json:"status"`
}

// HealthRequest serves GET /health. Always public.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
	}
	return &healthResponse{Status: "ok"}, nil
}

// recordAudit appends an audit event for the request, attributing the caller
// IP. Append failures are logged and swallowed; audit never blocks the data
// path.
func (s *HTTPServer) recordAudit(req *http.Request, action, key string, success bool, detail string) {
	event := &structs.AuditEvent{
		Action:  action,
		Key:     key,
		IP:      s.requestIP(req),
		Success: success,
		Detail:  detail,
	}
	if err := s.agent.store.AppendAudit(event); err != nil {
		s.logger.Warn("failed to record audit event", "action", action, "error", err)
	}
}
