package funnel

import (
	"strings"
	"unicode"
)

// Intent is the classified purpose of an inbound message.
type Intent string

const (
	IntentStart        Intent = "START"
	IntentConfirm      Intent = "CONFIRM"
	IntentBuy          Intent = "BUY"
	IntentRestart      Intent = "RESTART"
	IntentCheckPayment Intent = "CHECK_PAYMENT"
	IntentUnknown      Intent = "UNKNOWN"
)

// Reply ids carried by quick-reply buttons.
const (
	ReplyStart        = "reply:start"
	ReplyConfirm      = "reply:confirm"
	ReplyBuy          = "reply:buy"
	ReplyRestart      = "reply:restart"
	ReplyCheckPayment = "reply:check_payment"
)

// Classifier maps free text to an Intent.
type Classifier interface {
	Classify(text string) Intent
}

// KeywordClassifier is the deterministic default Classifier.
type KeywordClassifier struct{}

func (KeywordClassifier) Classify(text string) Intent { return ClassifyIntent(text) }

// intentKeywords is checked in order; the first intent with a matching
// word wins. RESTART and CHECK_PAYMENT come first because their phrases
// ("another guide", "payment done") also contain BUY words.
var intentKeywords = []struct {
	intent Intent
	words  []string
}{
	{IntentRestart, []string{"new", "another", "again"}},
	{IntentCheckPayment, []string{"paid", "payment", "done"}},
	{IntentBuy, []string{"pdf", "guide", "buy"}},
	{IntentStart, []string{"start", "begin", "hi", "hello"}},
	{IntentConfirm, []string{"ready", "yes", "continue"}},
}

// ClassifyIntent matches whole words, case-insensitively, so "this" does
// not count as "hi".
func ClassifyIntent(text string) Intent {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	for _, k := range intentKeywords {
		for _, w := range k.words {
			if words[w] {
				return k.intent
			}
		}
	}
	return IntentUnknown
}

// IntentForReply maps a button reply id to its intent.
func IntentForReply(replyID string) Intent {
	switch replyID {
	case ReplyStart:
		return IntentStart
	case ReplyConfirm:
		return IntentConfirm
	case ReplyBuy:
		return IntentBuy
	case ReplyRestart:
		return IntentRestart
	case ReplyCheckPayment:
		return IntentCheckPayment
	}
	return IntentUnknown
}
