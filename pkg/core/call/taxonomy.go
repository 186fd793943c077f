package call

import (
	"strings"
)

// Priority orders intervention urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// TakeoverReason is a reason code from the fixed takeover taxonomy.
type TakeoverReason string

const (
	ReasonMedicalEmergency  TakeoverReason = "medical_emergency"
	ReasonFireEmergency     TakeoverReason = "fire_emergency"
	ReasonSecurityEmergency TakeoverReason = "security_emergency"
	ReasonAIConfusion       TakeoverReason = "ai_confusion"
	ReasonLegalComplexity   TakeoverReason = "legal_complexity"
	ReasonCallerRequest     TakeoverReason = "caller_request"
	ReasonLanguageBarrier   TakeoverReason = "language_barrier"
	ReasonQualityTraining   TakeoverReason = "quality_training"
	ReasonCustom            TakeoverReason = "custom"
)

var takeoverPriorities = map[TakeoverReason]Priority{
	ReasonMedicalEmergency:  PriorityCritical,
	ReasonFireEmergency:     PriorityCritical,
	ReasonSecurityEmergency: PriorityCritical,
	ReasonAIConfusion:       PriorityHigh,
	ReasonLegalComplexity:   PriorityHigh,
	ReasonCallerRequest:     PriorityMedium,
	ReasonLanguageBarrier:   PriorityMedium,
	ReasonQualityTraining:   PriorityLow,
	ReasonCustom:            PriorityMedium,
}

// Priority returns the urgency attached to the reason code.
func (r TakeoverReason) Priority() Priority {
	if p, ok := takeoverPriorities[r]; ok {
		return p
	}
	return PriorityMedium
}

// Valid reports whether the reason belongs to the taxonomy.
func (r TakeoverReason) Valid() bool {
	_, ok := takeoverPriorities[r]
	return ok
}

// ValidateTakeoverReason checks a reason and its free-text detail.
// The custom reason requires a non-empty detail; fixed reasons do not.
func ValidateTakeoverReason(reason TakeoverReason, detail string) error {
	if !reason.Valid() {
		return errUnknownReason(string(reason))
	}
	if reason == ReasonCustom && strings.TrimSpace(detail) == "" {
		return errCustomDetail
	}
	return nil
}

// EscalationType describes one external-responder escalation path.
type EscalationType struct {
	Code                 string   `json:"code"`
	Label                string   `json:"label"`
	EmergencyLevel       Priority `json:"emergency_level"`
	RequiresConfirmation bool     `json:"requires_confirmation"`
	CreatesIncident      bool     `json:"creates_incident"`
}

var escalationTypes = []EscalationType{
	{Code: "emergency_911", Label: "Contact emergency services", EmergencyLevel: PriorityCritical, RequiresConfirmation: true, CreatesIncident: true},
	{Code: "guard_dispatch", Label: "Dispatch on-site guard", EmergencyLevel: PriorityHigh, RequiresConfirmation: false, CreatesIncident: true},
	{Code: "supervisor_notify", Label: "Notify supervisor", EmergencyLevel: PriorityHigh, RequiresConfirmation: false, CreatesIncident: false},
	{Code: "property_manager", Label: "Contact property manager", EmergencyLevel: PriorityMedium, RequiresConfirmation: false, CreatesIncident: false},
	{Code: "maintenance_urgent", Label: "Urgent maintenance callout", EmergencyLevel: PriorityLow, RequiresConfirmation: false, CreatesIncident: true},
}

// EscalationTypes returns the fixed escalation taxonomy.
func EscalationTypes() []EscalationType {
	out := make([]EscalationType, len(escalationTypes))
	copy(out, escalationTypes)
	return out
}

// LookupEscalationType resolves an escalation code.
func LookupEscalationType(code string) (EscalationType, bool) {
	code = strings.TrimSpace(code)
	for _, t := range escalationTypes {
		if t.Code == code {
			return t, true
		}
	}
	return EscalationType{}, false
}

type taxonomyError string

func (e taxonomyError) Error() string { return string(e) }

func errUnknownReason(code string) error {
	return taxonomyError("unknown takeover reason: " + code)
}

const errCustomDetail = taxonomyError("custom takeover reason requires detail")
