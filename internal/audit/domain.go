package audit

import (
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/treemap/internal/tracking"
)

// Action is the kind of change an audit records.
type Action int

const (
	ActionInsert Action = iota + 1
	ActionDelete
	ActionUpdate
	ActionPendingApprove
	ActionPendingReject
	ActionReviewApprove
	ActionReviewReject
)

var actionNames = map[Action]string{
	ActionInsert:         "Insert",
	ActionDelete:         "Delete",
	ActionUpdate:         "Update",
	ActionPendingApprove: "PendingApprove",
	ActionPendingReject:  "PendingReject",
	ActionReviewApprove:  "ReviewApprove",
	ActionReviewReject:   "ReviewReject",
}

var actionLabels = map[Action]string{
	ActionInsert:         "Create",
	ActionDelete:         "Delete",
	ActionUpdate:         "Update",
	ActionPendingApprove: "Approved Pending Edit",
	ActionPendingReject:  "Reject Pending Edit",
	ActionReviewApprove:  "Approved Edit",
	ActionReviewReject:   "Rejected Edit",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Display is the human label of the action.
func (a Action) Display() string {
	return actionLabels[a]
}

// ParseAction maps an action name back to its value.
func ParseAction(name string) (Action, bool) {
	for a, n := range actionNames {
		if strings.EqualFold(n, name) {
			return a, true
		}
	}
	return 0, false
}

// KnownAction reports whether name is an action name.
func KnownAction(name string) bool {
	_, ok := ParseAction(name)
	return ok
}

// Audit is one immutable ledger entry. Only RefID is ever written after creation.
type Audit struct {
	ID            int64
	Model         string
	ModelID       *int64
	TenantID      *int64
	Field         string
	PreviousValue *string
	CurrentValue  *string
	UserID        int64
	Action        Action
	RequiresAuth  bool
	RefID         *int64
	Created       time.Time
	Updated       time.Time
}

// IsPending reports whether the audit awaits a disposition.
func (a Audit) IsPending() bool {
	return a.RequiresAuth && a.RefID == nil
}

// IsIdentity reports whether the audit represents creation of the whole record.
func (a Audit) IsIdentity() bool {
	return a.Field == tracking.IDField
}

func (a Audit) String() string {
	return fmt.Sprintf("pk=%d - action=%s - %s.%s:(%s) - %s => %s",
		a.ID, a.Action.Display(), a.Model, a.Field, optionalInt(a.ModelID),
		optionalString(a.PreviousValue), optionalString(a.CurrentValue))
}

// ShortDescription is a one-line summary of the audit attributed to username.
func (a Audit) ShortDescription(username string) string {
	model := strings.ToLower(a.Model)
	switch a.Action {
	case ActionInsert:
		return fmt.Sprintf("%s created a %s", username, model)
	case ActionUpdate:
		return fmt.Sprintf("%s updated the %s", username, model)
	case ActionDelete:
		return fmt.Sprintf("%s deleted the %s", username, model)
	case ActionPendingApprove:
		return fmt.Sprintf("%s approved an edit on the %s", username, model)
	case ActionPendingReject:
		return fmt.Sprintf("%s rejected an edit on the %s", username, model)
	case ActionReviewApprove:
		return fmt.Sprintf("%s reviewed an edit on the %s", username, model)
	case ActionReviewReject:
		return fmt.Sprintf("%s reverted an edit on the %s", username, model)
	}
	return ""
}

// Record is the serialized audit consumed by API collaborators. Values stay
// strings; consumers decode them with the registry's field metadata.
type Record struct {
	Model         string  `json:"model"`
	ModelID       *int64  `json:"model_id"`
	InstanceID    *int64  `json:"instance_id"`
	Field         *string `json:"field"`
	PreviousValue *string `json:"previous_value"`
	CurrentValue  *string `json:"current_value"`
	UserID        int64   `json:"user_id"`
	Action        Action  `json:"action"`
	RequiresAuth  bool    `json:"requires_auth"`
	Ref           *int64  `json:"ref"`
	Created       string  `json:"created"`
}

// Record serializes the audit.
func (a Audit) Record() Record {
	var field *string
	if a.Field != "" {
		f := a.Field
		field = &f
	}
	return Record{
		Model:         a.Model,
		ModelID:       a.ModelID,
		InstanceID:    a.TenantID,
		Field:         field,
		PreviousValue: a.PreviousValue,
		CurrentValue:  a.CurrentValue,
		UserID:        a.UserID,
		Action:        a.Action,
		RequiresAuth:  a.RequiresAuth,
		Ref:           a.RefID,
		Created:       a.Created.UTC().Format(time.RFC3339Nano),
	}
}

// Query filters audits. Zero values do not filter.
type Query struct {
	Model        string
	ModelID      *int64
	TenantID     *int64
	Field        *string
	Actions      []Action
	RequiresAuth *bool
	// Pending keeps only requires_auth audits with no ref.
	Pending bool
	// RefAction keeps only audits whose ref has this action.
	RefAction Action
	ExcludeID int64
	UserID    int64
	From      time.Time
	To        time.Time
	// Newest orders by creation time descending instead of ascending.
	Newest bool
	Limit  int
	Offset int
}

// BatchResult reports the dispositions a batch produced before it stopped.
type BatchResult struct {
	Dispositions []Audit
	Failed       *int64
}

func optionalInt(v *int64) string {
	if v == nil {
		return "None"
	}
	return fmt.Sprintf("%d", *v)
}

func optionalString(v *string) string {
	if v == nil {
		return "None"
	}
	return *v
}

func int64Ptr(v int64) *int64 { return &v }

func stringPtr(v string) *string { return &v }

func boolPtr(v bool) *bool { return &v }
