package edge

import "encoding/json"

// Audit event payloads recorded to the tamper-evident log (SPEC_FULL.md §10
// "Edge audit trail"). Each helper is a no-op when e.Audit is nil (audit
// logging is optional — e.g. in tests that only exercise routing).

type auditConnectPayload struct {
	Event      string `json:"event"`
	Host       string `json:"host"`
	PathPrefix string `json:"path_prefix"`
	HTTP2      bool   `json:"http2"`
}

func (e *Edge) auditConnect(host, pathPrefix string, http2 bool) {
	e.appendAudit(auditConnectPayload{Event: "agent_connect", Host: host, PathPrefix: pathPrefix, HTTP2: http2})
}

type auditDisconnectPayload struct {
	Event      string `json:"event"`
	Host       string `json:"host"`
	PathPrefix string `json:"path_prefix"`
	Reason     string `json:"reason"`
}

func (e *Edge) auditDisconnect(host, pathPrefix, reason string) {
	e.appendAudit(auditDisconnectPayload{Event: "agent_disconnect", Host: host, PathPrefix: pathPrefix, Reason: reason})
}

type auditDuplicatePayload struct {
	Event      string `json:"event"`
	Host       string `json:"host"`
	PathPrefix string `json:"path_prefix"`
}

func (e *Edge) auditDuplicateRejected(host, pathPrefix string) {
	e.appendAudit(auditDuplicatePayload{Event: "duplicate_registration", Host: host, PathPrefix: pathPrefix})
}

type auditRequestPayload struct {
	Event    string `json:"event"`
	Host     string `json:"host"`
	Path     string `json:"path"`
	Method   string `json:"method"`
	Status   int    `json:"status"`
	Flavor   string `json:"flavor"`
	Duration string `json:"duration"`
}

func (e *Edge) auditRequestCompleted(rr RequestRecord) {
	e.appendAudit(auditRequestPayload{
		Event:    "request_completed",
		Host:     rr.Host,
		Path:     rr.Path,
		Method:   rr.Method,
		Status:   rr.Status,
		Flavor:   rr.Flavor,
		Duration: rr.Duration.String(),
	})
}

func (e *Edge) appendAudit(payload any) {
	if e.Audit == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		e.Logger.Error("audit: marshal payload failed", "error", err)
		return
	}
	if _, err := e.Audit.Append(raw); err != nil {
		e.Logger.Error("audit: append failed", "error", err)
	}
}
