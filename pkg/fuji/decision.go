package fuji

// GateName identifies the gate in rejection payloads and audit entries.
const GateName = "FUJI_SAFETY_GATE_v2"

// Status is the gate's internal verdict.
type Status string

const (
	StatusAllow            Status = "allow"
	StatusAllowWithWarning Status = "allow_with_warning"
	StatusNeedsHumanReview Status = "needs_human_review"
	StatusDeny             Status = "deny"
)

// External maps the internal status to the externally visible
// decision_status. The mapping is fixed; clients depend on it.
func (s Status) External() string {
	switch s {
	case StatusAllow, StatusAllowWithWarning:
		return "allow"
	case StatusNeedsHumanReview:
		return "hold"
	case StatusDeny:
		return "deny"
	}
	return "deny"
}

// Legacy maps the internal status to the v1 wire value.
func (s Status) Legacy() string {
	switch s {
	case StatusAllow, StatusAllowWithWarning:
		return "allow"
	case StatusNeedsHumanReview:
		return "modify"
	case StatusDeny:
		return "rejected"
	}
	return "rejected"
}

// Decision is the gate's complete verdict for one evaluation.
// RejectionReason is non-nil exactly when Status is deny.
type Decision struct {
	Status          Status     `json:"status"`
	DecisionStatus  string     `json:"decision_status"`
	LegacyStatus    string     `json:"legacy_status"`
	RiskScore       float64    `json:"risk_score"`
	Categories      []string   `json:"categories"`
	Reasons         []string   `json:"reasons"`
	Violations      []string   `json:"violations"`
	Warnings        []string   `json:"warnings"`
	Guidance        string     `json:"guidance,omitempty"`
	Code            *Code      `json:"code,omitempty"`
	RejectionReason *string    `json:"rejection_reason"`
	Assessment      Assessment `json:"assessment"`
	PolicyVersion   string     `json:"policy_version"`
	LatencyMS       int64      `json:"latency_ms"`
	TrustLogID      string     `json:"trust_log_id,omitempty"`
}

// Denied reports whether the verdict blocks the decision.
func (d *Decision) Denied() bool { return d.Status == StatusDeny }

// RejectionError is the error block of a standardized rejection payload.
type RejectionError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Detail   string `json:"detail"`
	Layer    int    `json:"layer"`
	Severity string `json:"severity"`
	Blocking bool   `json:"blocking"`
}

// Rejection is the standardized payload returned for denied decisions and
// recorded in the trust log.
type Rejection struct {
	Status     string         `json:"status"`
	Gate       string         `json:"gate"`
	Error      RejectionError `json:"error"`
	Feedback   Feedback       `json:"feedback"`
	TrustLogID string         `json:"trust_log_id"`
}

// NewRejection builds the REJECTED payload for code c.
func NewRejection(c Code, detail, trustLogID string) Rejection {
	return Rejection{
		Status: "REJECTED",
		Gate:   GateName,
		Error: RejectionError{
			Code:     c.Code,
			Message:  c.Message,
			Detail:   detail,
			Layer:    c.Layer,
			Severity: c.Severity,
			Blocking: c.Blocking,
		},
		Feedback:   c.Feedback,
		TrustLogID: trustLogID,
	}
}

// Rejection returns the standardized payload for a denied decision, or nil
// when the decision is not a deny.
func (d *Decision) Rejection() *Rejection {
	if d.Status != StatusDeny || d.Code == nil {
		return nil
	}
	detail := ""
	if d.RejectionReason != nil {
		detail = *d.RejectionReason
	}
	r := NewRejection(*d.Code, detail, d.TrustLogID)
	return &r
}
