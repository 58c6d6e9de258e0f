package models

import (
	"fmt"
	"time"
)

// SessionState is the position of a user within the purchase funnel.
type SessionState string

const (
	StateInitial         SessionState = "initial"
	StateGuideShown      SessionState = "guide_shown"
	StateWaitingForPhoto SessionState = "waiting_for_photo"
	StateAnalyzing       SessionState = "analyzing"
	StateResultsShown    SessionState = "results_shown"
	StatePaymentPending  SessionState = "payment_pending"
	StateCompleted       SessionState = "completed"
)

// AllStates lists every funnel state in funnel order.
var AllStates = []SessionState{
	StateInitial,
	StateGuideShown,
	StateWaitingForPhoto,
	StateAnalyzing,
	StateResultsShown,
	StatePaymentPending,
	StateCompleted,
}

// Valid reports whether s is a member of the state enum.
func (s SessionState) Valid() bool {
	for _, st := range AllStates {
		if s == st {
			return true
		}
	}
	return false
}

// HasResults reports whether the state is results_shown or later, i.e. a
// state in which an analysis may be attached to the session.
func (s SessionState) HasResults() bool {
	switch s {
	case StateResultsShown, StatePaymentPending, StateCompleted:
		return true
	}
	return false
}

// ConversationSession is the per-user conversation record.
type ConversationSession struct {
	UserID               string          `gorm:"primaryKey;size:128"`
	Platform             string          `gorm:"size:16"`
	ChannelID            string          `gorm:"size:128"`
	DisplayName          string          `gorm:"size:128"`
	State                SessionState    `gorm:"size:32;not null;default:initial;index"`
	MessageCount         int             `gorm:"not null;default:0"`
	Analysis             *AnalysisRecord `gorm:"serializer:json;type:text"`
	AnalysisAttempt      int64           `gorm:"not null;default:0"`
	AnalysisStartedAt    *time.Time
	ActivePaymentOrderID *string `gorm:"size:64"`
	PDFDelivered         bool    `gorm:"not null;default:false"`
	Version              int64   `gorm:"not null;default:0"`
	CreatedAt            time.Time
	LastActive           time.Time `gorm:"index"`
}

// Validate checks the session invariants. Every persisted session must pass.
func (s *ConversationSession) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("models: session user id is required")
	}
	if !s.State.Valid() {
		return fmt.Errorf("models: session %s has invalid state %q", s.UserID, s.State)
	}
	if s.Analysis != nil && !s.State.HasResults() {
		return fmt.Errorf("models: session %s has analysis in state %s", s.UserID, s.State)
	}
	if s.ActivePaymentOrderID != nil && s.State != StatePaymentPending {
		return fmt.Errorf("models: session %s has active order in state %s", s.UserID, s.State)
	}
	return nil
}

// Retainable reports whether the session holds value worth keeping past
// the retention window: an analysis, or a pending or completed payment.
func (s *ConversationSession) Retainable() bool {
	if s.Analysis != nil || s.ActivePaymentOrderID != nil || s.PDFDelivered {
		return true
	}
	return s.State == StatePaymentPending || s.State == StateCompleted
}

// Clone returns a deep copy so callers can mutate without aliasing a
// cached record.
func (s *ConversationSession) Clone() *ConversationSession {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Analysis != nil {
		cp.Analysis = s.Analysis.Clone()
	}
	if s.ActivePaymentOrderID != nil {
		id := *s.ActivePaymentOrderID
		cp.ActivePaymentOrderID = &id
	}
	if s.AnalysisStartedAt != nil {
		t := *s.AnalysisStartedAt
		cp.AnalysisStartedAt = &t
	}
	return &cp
}
