package contracts

// SignalName identifies an externally delivered workflow signal.
type SignalName string

const (
	SignalFileReuploaded       SignalName = "FileReuploaded"
	SignalCorrectionsSubmitted SignalName = "CorrectionsSubmitted"
	SignalSelectionsSubmitted  SignalName = "SelectionsSubmitted"
	SignalApprovalReceived     SignalName = "ApprovalReceived"
)

// KnownSignal reports whether name is part of the closed signal set.
func KnownSignal(name SignalName) bool {
	switch name {
	case SignalFileReuploaded, SignalCorrectionsSubmitted,
		SignalSelectionsSubmitted, SignalApprovalReceived:
		return true
	}
	return false
}

// FileReuploadedPayload replaces a blocked file with a fresh upload.
// Honored only while parsing is blocked awaiting a re-upload.
type FileReuploadedPayload struct {
	NewBlobURI    string `json:"new_blob_uri"`
	CorrelationID string `json:"correlation_id"`
}

// CorrectionsSubmittedPayload carries user field corrections.
// Honored only in awaiting_corrections.
type CorrectionsSubmittedPayload struct {
	Patches     []CorrectionPatch `json:"patches"`
	SubmittedBy string            `json:"submitted_by"`
}

// SelectionsSubmittedPayload carries a customer and/or item selection.
// Honored in awaiting_customer_selection or awaiting_item_selection.
type SelectionsSubmittedPayload struct {
	CustomerID  string         `json:"customer,omitempty"`
	Items       map[int]string `json:"items,omitempty"` // line number → catalog item id
	SubmittedBy string         `json:"submitted_by"`
}

// ApprovalReceivedPayload resolves the awaiting_approval gate.
type ApprovalReceivedPayload struct {
	Approved bool   `json:"approved"`
	By       string `json:"by"`
	Comments string `json:"comments,omitempty"`
}
