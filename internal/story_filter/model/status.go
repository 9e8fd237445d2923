package model

import "time"

// Status is the terminal outcome of one processing attempt.
type Status string

const (
	StatusOK          Status = "ok"
	StatusSkipped     Status = "skipped"
	StatusNonRelevant Status = "non_relevant"
	StatusError       Status = "error"
)

// Skip reasons and decision tags stored in Detail.
const (
	ReasonAlreadyProcessed = "already_in_relevant"
	ReasonNoMediaOrText    = "no_media_or_text"

	DecisionRelevant           = "relevant"
	DecisionModelRejected      = "model_rejected"
	DecisionNoRedeemableSignal = "no_redeemable_signal"

	ErrNoResultFromModel = "no_result_from_model"
)

// Detail is the optional context attached to a status.
type Detail struct {
	Reason   string `bson:"reason,omitempty" json:"reason,omitempty"`
	Decision string `bson:"decision,omitempty" json:"decision,omitempty"`
	RunID    string `bson:"run_id,omitempty" json:"run_id,omitempty"`
	Attempts int    `bson:"attempts,omitempty" json:"attempts,omitempty"`
	Model    string `bson:"model,omitempty" json:"model,omitempty"`
}

// Processing is written to the candidate's "processing" field; last write wins.
type Processing struct {
	Status    Status    `bson:"status" json:"status"`
	LastError *string   `bson:"last_error" json:"last_error"`
	TS        time.Time `bson:"ts" json:"ts"`
	Detail    Detail    `bson:"detail" json:"detail"`
}

// NewProcessing builds an envelope stamped with the current UTC time.
func NewProcessing(status Status, lastError string, detail Detail) Processing {
	p := Processing{Status: status, TS: time.Now().UTC(), Detail: detail}
	if lastError != "" {
		p.LastError = &lastError
	}
	return p
}
