package funnel

import (
	"fmt"
	"strings"

	"github.com/zulandar/swatch/internal/models"
	"github.com/zulandar/swatch/internal/telegraph"
)

var (
	optReady        = telegraph.Option{ID: ReplyConfirm, Label: "I'm ready"}
	optBuy          = telegraph.Option{ID: ReplyBuy, Label: "Get my color guide"}
	optRestart      = telegraph.Option{ID: ReplyRestart, Label: "Analyze another photo"}
	optCheckPayment = telegraph.Option{ID: ReplyCheckPayment, Label: "I've paid"}
)

// linkPlaceholder is replaced with the order's checkout url.
const linkPlaceholder = "{link}"

const (
	msgWelcome = "Hi! I'm Swatch, your personal color analyst. Send me a selfie and I'll tell you which colors make you glow.\n\n" +
		"For the best result: face a window, no filters, hair away from your face. Tap \"I'm ready\" when you are."
	msgPhotoInstructions   = "Great! Send me a clear, front-facing photo of your face in natural daylight."
	msgWaitingReminder     = "I'm waiting for your photo. Send a picture and I'll start the analysis."
	msgAnalyzingAck        = "Got it! Analyzing your colors now, this can take up to a minute."
	msgStillAnalyzing      = "Still working on your analysis, hang tight."
	msgImageWhileAnalyzing = "I'm still analyzing your previous photo. I'll send your results shortly."
	msgImageNotExpected    = "Thanks for the photo! I can only analyze one when I ask for it."
	msgOptions             = "What would you like to do next?"
	msgPaymentLink         = "Your full color guide is one step away. Complete your payment here:\n" + linkPlaceholder +
		"\n\nReply \"paid\" once you're done."
	msgPaymentReminder     = "Your payment is still open. Complete it here:\n" + linkPlaceholder + "\n\nReply \"paid\" once you're done."
	msgPaymentStillPending = "I don't see your payment yet. If you just paid, give it a minute and reply \"paid\" again.\n" + linkPlaceholder
	msgNoActiveOrder       = "There's no open payment right now. Reply \"buy\" to get a new payment link."
	msgDocumentCaption     = "Payment received, thank you! Here is your personal color guide."
	msgCompleted           = "Your color guide has been delivered. Want to analyze another photo?"
	msgPaymentVerifyFailed = "I couldn't verify your payment right now. Please try again in a few minutes or contact support."
	msgDocumentFailed      = "Your payment is confirmed, but I couldn't prepare your guide yet. Reply \"paid\" in a few minutes and I'll try again."
	msgTryAgain            = "Sorry, something went wrong on my side. Please try again in a moment."
)

func msgAnalysisFailed(reason string) string {
	return fmt.Sprintf("I couldn't analyze that photo: %s. Please send another one.", reason)
}

func msgPaymentFailed(reason string) string {
	if reason == "" {
		reason = "no reason given"
	}
	return fmt.Sprintf("Your payment didn't go through (%s). Reply \"buy\" to try again.", reason)
}

// resultsText summarizes an analysis for chat.
func resultsText(a *models.AnalysisRecord) string {
	if a == nil {
		return msgOptions
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your season: %s", a.Season)
	if a.Undertone != "" || a.Contrast != "" {
		fmt.Fprintf(&b, " (%s undertone, %s contrast)", a.Undertone, a.Contrast)
	}
	b.WriteString("\n")
	if a.Summary != "" {
		b.WriteString("\n" + a.Summary + "\n")
	}
	if len(a.Palette) > 0 {
		names := make([]string, 0, len(a.Palette))
		for _, s := range a.Palette {
			names = append(names, s.Name)
		}
		b.WriteString("\nYour best colors: " + strings.Join(names, ", ") + "\n")
	}
	b.WriteString("\nGet the full guide with every shade, or try another photo.")
	return b.String()
}
