package funnel

import (
	"github.com/zulandar/swatch/internal/models"
	"github.com/zulandar/swatch/internal/telegraph"
)

// InputKind is what drives a transition: an inbound message or the
// outcome of an asynchronous operation.
type InputKind string

const (
	InputText              InputKind = "text"
	InputReply             InputKind = "reply"
	InputImage             InputKind = "image"
	InputAnalysisSucceeded InputKind = "analysis_succeeded"
	InputAnalysisFailed    InputKind = "analysis_failed"
	InputPaymentCompleted  InputKind = "payment_completed"
	InputPaymentFailed     InputKind = "payment_failed"
	InputPaymentPending    InputKind = "payment_pending"
)

// Input is one transition trigger.
type Input struct {
	Kind     InputKind
	Intent   Intent                 // text and reply
	Image    *telegraph.ImageRef    // image
	Analysis *models.AnalysisRecord // analysis_succeeded
	Reason   string                 // analysis_failed, payment_failed
	OrderID  string                 // payment_*
}

// EffectKind names a side effect the engine performs for a Decision.
type EffectKind string

const (
	EffectSend            EffectKind = "send"
	EffectSendPaymentLink EffectKind = "send_payment_link"
	EffectStartAnalysis   EffectKind = "start_analysis"
	EffectStoreAnalysis   EffectKind = "store_analysis"
	EffectClearAnalysis   EffectKind = "clear_analysis"
	EffectCreateOrder     EffectKind = "create_order"
	EffectClearOrder      EffectKind = "clear_order"
	EffectCheckPayment    EffectKind = "check_payment"
	EffectDeliverDocument EffectKind = "deliver_document"
)

// Effect is one side effect. Text and Options apply to the send kinds and
// to document delivery (as the caption).
type Effect struct {
	Kind    EffectKind
	Text    string
	Options []telegraph.Option
}

// Decision is the result of a transition.
type Decision struct {
	Next    models.SessionState
	Effects []Effect
}

// Has reports whether the decision carries an effect of kind k.
func (d Decision) Has(k EffectKind) bool {
	for _, e := range d.Effects {
		if e.Kind == k {
			return true
		}
	}
	return false
}

// NoOp reports whether the decision changes nothing.
func (d Decision) NoOp(from models.SessionState) bool {
	return d.Next == from && len(d.Effects) == 0
}

func send(text string, opts ...telegraph.Option) Effect {
	return Effect{Kind: EffectSend, Text: text, Options: opts}
}

func effect(k EffectKind) Effect { return Effect{Kind: k} }

func to(next models.SessionState, effects ...Effect) Decision {
	return Decision{Next: next, Effects: effects}
}

// Transition maps the current state and an input to the next state and the
// effects to perform. It has no side effects. Every state answers every
// message, so an unrecognized intent never leaves the user without a reply.
func Transition(state models.SessionState, in Input) Decision {
	switch in.Kind {
	case InputImage:
		return onImage(state)
	case InputAnalysisSucceeded, InputAnalysisFailed:
		return onAnalysis(state, in)
	case InputPaymentCompleted, InputPaymentFailed, InputPaymentPending:
		return onPayment(state, in)
	}
	return onMessage(state, in.Intent)
}

func onMessage(state models.SessionState, intent Intent) Decision {
	switch state {
	case models.StateInitial:
		return to(models.StateGuideShown, send(msgWelcome, optReady))

	case models.StateGuideShown:
		if intent == IntentConfirm {
			return to(models.StateWaitingForPhoto, send(msgPhotoInstructions))
		}
		return to(models.StateGuideShown, send(msgWelcome, optReady))

	case models.StateWaitingForPhoto:
		return to(state, send(msgWaitingReminder))

	case models.StateAnalyzing:
		return to(state, send(msgStillAnalyzing))

	case models.StateResultsShown:
		switch intent {
		case IntentBuy:
			return to(models.StatePaymentPending,
				effect(EffectCreateOrder),
				Effect{Kind: EffectSendPaymentLink, Text: msgPaymentLink, Options: []telegraph.Option{optCheckPayment}})
		case IntentRestart:
			return to(models.StateGuideShown,
				effect(EffectClearAnalysis), effect(EffectClearOrder), send(msgWelcome, optReady))
		}
		return to(state, send(msgOptions, optBuy, optRestart))

	case models.StatePaymentPending:
		switch intent {
		case IntentCheckPayment:
			return to(state, effect(EffectCheckPayment))
		case IntentBuy:
			// Re-issues the link; the order manager reuses or replaces the
			// open order according to its policy.
			return to(state,
				effect(EffectCreateOrder),
				Effect{Kind: EffectSendPaymentLink, Text: msgPaymentLink, Options: []telegraph.Option{optCheckPayment}})
		}
		return to(state, Effect{Kind: EffectSendPaymentLink, Text: msgPaymentReminder, Options: []telegraph.Option{optCheckPayment}})

	case models.StateCompleted:
		if intent == IntentRestart {
			return to(models.StateGuideShown, effect(EffectClearAnalysis), send(msgWelcome, optReady))
		}
		return to(state, send(msgCompleted, optRestart))
	}
	return to(state, send(msgTryAgain))
}

func onImage(state models.SessionState) Decision {
	switch state {
	case models.StateWaitingForPhoto:
		return to(models.StateAnalyzing, send(msgAnalyzingAck), effect(EffectStartAnalysis))
	case models.StateAnalyzing:
		return to(state, send(msgImageWhileAnalyzing))
	}
	return to(state, send(msgImageNotExpected))
}

// onAnalysis ignores results that arrive after the session left analyzing.
func onAnalysis(state models.SessionState, in Input) Decision {
	if state != models.StateAnalyzing {
		return to(state)
	}
	if in.Kind == InputAnalysisSucceeded && in.Analysis != nil {
		return to(models.StateResultsShown,
			effect(EffectStoreAnalysis), send(resultsText(in.Analysis), optBuy, optRestart))
	}
	reason := in.Reason
	if reason == "" {
		reason = "something went wrong on my side"
	}
	return to(models.StateWaitingForPhoto, send(msgAnalysisFailed(reason)))
}

// onPayment ignores settlements for sessions no longer waiting on payment.
func onPayment(state models.SessionState, in Input) Decision {
	if state != models.StatePaymentPending {
		return to(state)
	}
	switch in.Kind {
	case InputPaymentCompleted:
		return to(models.StateCompleted,
			Effect{Kind: EffectDeliverDocument, Text: msgDocumentCaption, Options: []telegraph.Option{optRestart}},
			effect(EffectClearOrder))
	case InputPaymentFailed:
		return to(state, effect(EffectClearOrder), send(msgPaymentFailed(in.Reason), optBuy))
	}
	return to(state, Effect{Kind: EffectSendPaymentLink, Text: msgPaymentStillPending, Options: []telegraph.Option{optCheckPayment}})
}
