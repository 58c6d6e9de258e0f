// Package funnel drives the conversation state machine: it classifies
// inbound events, applies transitions, persists sessions and carries out
// the resulting side effects.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/swatch/internal/apperr"
	"github.com/zulandar/swatch/internal/document"
	"github.com/zulandar/swatch/internal/models"
	"github.com/zulandar/swatch/internal/payment"
	"github.com/zulandar/swatch/internal/session"
	"github.com/zulandar/swatch/internal/telegraph"
)

// Sender delivers outbound messages. Every telegraph.Adapter is a Sender.
type Sender interface {
	Send(ctx context.Context, msg telegraph.OutboundMessage) error
}

// OrderService is the slice of the payment order manager the engine uses.
type OrderService interface {
	CreateOrder(ctx context.Context, userID string, amountMinorUnits int64, currency string, snapshot *models.AnalysisRecord) (*models.PaymentOrder, error)
	GetOrder(ctx context.Context, orderID string) (*models.PaymentOrder, error)
	SetDocumentRef(ctx context.Context, orderID, ref string) error
}

// PaymentChecker polls the gateway for an order and applies the result.
type PaymentChecker interface {
	ReconcileByPolling(ctx context.Context, orderID string) (payment.Outcome, error)
}

// PaymentCheckerFunc adapts a function to PaymentChecker. It lets the
// engine and the reconciler, which notifies the engine, be built in
// either order.
type PaymentCheckerFunc func(ctx context.Context, orderID string) (payment.Outcome, error)

func (f PaymentCheckerFunc) ReconcileByPolling(ctx context.Context, orderID string) (payment.Outcome, error) {
	return f(ctx, orderID)
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Store     session.Store
	Sender    Sender
	Media     telegraph.MediaFetcher
	Analyzer  Analyzer
	Orders    OrderService
	Payments  PaymentChecker
	Documents document.Generator

	Classifier       Classifier // defaults to KeywordClassifier
	AmountMinorUnits int64
	Currency         string
	AnalysisTimeout  time.Duration // defaults to 45s
	WatchdogGrace    time.Duration // extra wait before the watchdog fires; defaults to 15s
	SendTimeout      time.Duration // defaults to 10s
	RecentEvents     int           // event ids kept for redelivery checks; defaults to 4096
	Now              func() time.Time
}

// Engine executes funnel transitions. Work for one user is serialized on
// the dispatcher; different users proceed in parallel.
type Engine struct {
	store      session.Store
	sender     Sender
	media      telegraph.MediaFetcher
	analyzer   Analyzer
	orders     OrderService
	payments   PaymentChecker
	documents  document.Generator
	classifier Classifier

	amount          int64
	currency        string
	analysisTimeout time.Duration
	watchdogGrace   time.Duration
	sendTimeout     time.Duration
	now             func() time.Time

	disp   *Dispatcher
	recent *recentEvents
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup // in-flight analyses
}

var _ payment.Notifier = (*Engine)(nil)
var _ telegraph.Handler = (*Engine)(nil)

// NewEngine validates opts and returns an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("funnel: store is required")
	case opts.Sender == nil:
		return nil, fmt.Errorf("funnel: sender is required")
	case opts.Media == nil:
		return nil, fmt.Errorf("funnel: media fetcher is required")
	case opts.Analyzer == nil:
		return nil, fmt.Errorf("funnel: analyzer is required")
	case opts.Orders == nil:
		return nil, fmt.Errorf("funnel: order service is required")
	case opts.Payments == nil:
		return nil, fmt.Errorf("funnel: payment checker is required")
	case opts.Documents == nil:
		return nil, fmt.Errorf("funnel: document generator is required")
	case opts.AmountMinorUnits <= 0:
		return nil, fmt.Errorf("funnel: amount must be positive")
	case opts.Currency == "":
		return nil, fmt.Errorf("funnel: currency is required")
	}

	e := &Engine{
		store:           opts.Store,
		sender:          opts.Sender,
		media:           opts.Media,
		analyzer:        opts.Analyzer,
		orders:          opts.Orders,
		payments:        opts.Payments,
		documents:       opts.Documents,
		classifier:      opts.Classifier,
		amount:          opts.AmountMinorUnits,
		currency:        opts.Currency,
		analysisTimeout: opts.AnalysisTimeout,
		watchdogGrace:   opts.WatchdogGrace,
		sendTimeout:     opts.SendTimeout,
		now:             opts.Now,
		disp:            NewDispatcher(),
		recent:          newRecentEvents(opts.RecentEvents),
	}
	if e.classifier == nil {
		e.classifier = KeywordClassifier{}
	}
	if e.analysisTimeout <= 0 {
		e.analysisTimeout = 45 * time.Second
	}
	if e.watchdogGrace <= 0 {
		e.watchdogGrace = 15 * time.Second
	}
	if e.sendTimeout <= 0 {
		e.sendTimeout = 10 * time.Second
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Dispatch validates ev and queues it on the user's queue without waiting.
// Invalid events are dropped.
func (e *Engine) Dispatch(ctx context.Context, ev telegraph.Event) error {
	if err := ev.Validate(); err != nil {
		log.Printf("funnel: drop event %s: %v", ev.ID, err)
		return err
	}
	return e.disp.Submit(ev.UserID, func(ctx context.Context) error {
		return e.handleEvent(ctx, ev)
	})
}

// HandleEvent validates ev and processes it, returning once the user's
// queue has run it.
func (e *Engine) HandleEvent(ctx context.Context, ev telegraph.Event) error {
	if err := ev.Validate(); err != nil {
		log.Printf("funnel: drop event %s: %v", ev.ID, err)
		return err
	}
	return e.disp.Do(ctx, ev.UserID, func(ctx context.Context) error {
		return e.handleEvent(ctx, ev)
	})
}

func (e *Engine) handleEvent(ctx context.Context, ev telegraph.Event) error {
	if !e.recent.firstSeen(ev.UserID, ev.ID) {
		log.Printf("funnel: drop redelivered event %s for %s", ev.ID, ev.UserID)
		return nil
	}
	sess, err := e.loadOrCreate(ctx, ev)
	if err != nil {
		log.Printf("funnel: load session %s: %v", ev.UserID, err)
		e.send(ctx, telegraph.SendText(ev.UserID, channelOr(ev.ChannelID, ev.UserID), msgTryAgain))
		return fmt.Errorf("funnel: load session %s: %w", ev.UserID, err)
	}
	if ev.ChannelID != "" {
		sess.ChannelID = ev.ChannelID
	}
	in := e.inputFor(ev)
	return e.execute(ctx, sess, in, Transition(sess.State, in))
}

func (e *Engine) loadOrCreate(ctx context.Context, ev telegraph.Event) (*models.ConversationSession, error) {
	sess, err := e.store.Get(ctx, ev.UserID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}
	sess, err = e.store.Create(ctx, ev.UserID, session.Profile{
		Platform:    ev.Platform,
		ChannelID:   ev.ChannelID,
		DisplayName: ev.UserName,
	})
	if errors.Is(err, session.ErrExists) {
		return e.store.Get(ctx, ev.UserID)
	}
	if err == nil {
		log.Printf("funnel: new session %s (%s)", ev.UserID, ev.Platform)
	}
	return sess, err
}

func (e *Engine) inputFor(ev telegraph.Event) Input {
	switch ev.Kind {
	case telegraph.EventImage:
		return Input{Kind: InputImage, Image: ev.Image}
	case telegraph.EventReply:
		intent := IntentForReply(ev.ReplyID)
		if intent == IntentUnknown && ev.Text != "" {
			intent = e.classifier.Classify(ev.Text)
		}
		return Input{Kind: InputReply, Intent: intent}
	}
	return Input{Kind: InputText, Intent: e.classifier.Classify(ev.Text)}
}

// execute carries out d against sess. Effects that can fail run before the
// save; if any fails nothing is saved and the user gets a fallback reply.
// Messages go out only after the save succeeds.
func (e *Engine) execute(ctx context.Context, sess *models.ConversationSession, in Input, d Decision) error {
	if d.NoOp(sess.State) {
		return nil
	}
	if d.Has(EffectCheckPayment) {
		return e.checkPayment(ctx, sess)
	}

	next := sess.Clone()
	var msgs []telegraph.OutboundMessage
	var link string
	startAnalysis := false

	for _, eff := range d.Effects {
		switch eff.Kind {
		case EffectCreateOrder:
			order, err := e.orders.CreateOrder(ctx, next.UserID, e.amount, e.currency, next.Analysis)
			if err != nil {
				return e.fail(ctx, sess, "create order", err, "")
			}
			id := order.OrderID
			next.ActivePaymentOrderID = &id
			link = order.CheckoutURL

		case EffectStoreAnalysis:
			next.Analysis = in.Analysis.Clone()

		case EffectClearAnalysis:
			next.Analysis = nil

		case EffectClearOrder:
			next.ActivePaymentOrderID = nil

		case EffectStartAnalysis:
			if in.Image == nil {
				return e.fail(ctx, sess, "start analysis", apperr.New(apperr.KindValidation, "image event has no image", nil), "")
			}
			now := e.now()
			next.AnalysisAttempt++
			next.AnalysisStartedAt = &now
			startAnalysis = true

		case EffectDeliverDocument:
			msg, err := e.prepareDocument(ctx, next, in.OrderID, eff)
			if err != nil {
				return e.fail(ctx, sess, "deliver document", err, msgDocumentFailed)
			}
			next.PDFDelivered = true
			msgs = append(msgs, msg)

		case EffectSend:
			msgs = append(msgs, outbound(next, eff.Text, eff.Options))

		case EffectSendPaymentLink:
			msgs = append(msgs, e.paymentLinkMessage(ctx, next, link, eff))
		}
	}

	next.State = d.Next
	if next.State != models.StateAnalyzing {
		next.AnalysisStartedAt = nil
	}
	if err := next.Validate(); err != nil {
		return e.fail(ctx, sess, "validate session", apperr.New(apperr.KindInternal, "invalid transition", err), "")
	}
	if err := e.store.Save(ctx, next); err != nil {
		return e.fail(ctx, sess, "save session", err, "")
	}
	if next.State != sess.State {
		log.Printf("funnel: %s %s -> %s", next.UserID, sess.State, next.State)
	}

	for _, msg := range msgs {
		e.send(ctx, msg)
	}
	if startAnalysis {
		e.startAnalysis(next.UserID, next.AnalysisAttempt, *in.Image)
	}
	return nil
}

// fail logs err and sends a polite reply. text overrides the reply chosen
// from the error kind.
func (e *Engine) fail(ctx context.Context, sess *models.ConversationSession, op string, err error, text string) error {
	log.Printf("funnel: %s for %s in %s: %v", op, sess.UserID, sess.State, err)
	if text == "" {
		text = msgTryAgain
		if apperr.Is(err, apperr.KindPaymentVerificationFailure) {
			text = msgPaymentVerifyFailed
		}
	}
	e.send(ctx, outbound(sess, text, nil))
	return fmt.Errorf("funnel: %s: %w", op, err)
}

func (e *Engine) send(ctx context.Context, msg telegraph.OutboundMessage) {
	ctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()
	if err := e.sender.Send(ctx, msg); err != nil {
		log.Printf("funnel: send to %s: %v", msg.UserID, err)
	}
}

func outbound(sess *models.ConversationSession, text string, opts []telegraph.Option) telegraph.OutboundMessage {
	return telegraph.SendOptions(sess.UserID, channelOr(sess.ChannelID, sess.UserID), text, opts...)
}

func channelOr(channelID, userID string) string {
	if channelID != "" {
		return channelID
	}
	return userID
}

// paymentLinkMessage renders eff with the checkout link of the session's
// open order, or tells the user there is none.
func (e *Engine) paymentLinkMessage(ctx context.Context, sess *models.ConversationSession, link string, eff Effect) telegraph.OutboundMessage {
	if link == "" && sess.ActivePaymentOrderID != nil {
		order, err := e.orders.GetOrder(ctx, *sess.ActivePaymentOrderID)
		switch {
		case err != nil:
			log.Printf("funnel: look up order %s: %v", *sess.ActivePaymentOrderID, err)
		case order.Status == models.OrderCreated:
			link = order.CheckoutURL
		}
	}
	if link == "" {
		return outbound(sess, msgNoActiveOrder, []telegraph.Option{optBuy})
	}
	return outbound(sess, strings.ReplaceAll(eff.Text, linkPlaceholder, link), eff.Options)
}

// checkPayment polls the gateway for the session's open order and applies
// the resulting settlement inline.
func (e *Engine) checkPayment(ctx context.Context, sess *models.ConversationSession) error {
	pending := Input{Kind: InputPaymentPending}
	if sess.ActivePaymentOrderID == nil {
		return e.execute(ctx, sess, pending, Transition(sess.State, pending))
	}
	orderID := *sess.ActivePaymentOrderID

	if _, err := e.payments.ReconcileByPolling(ctx, orderID); err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			err = apperr.New(apperr.KindPaymentVerificationFailure, "poll order "+orderID, err)
		}
		return e.fail(ctx, sess, "check payment", err, msgPaymentVerifyFailed)
	}
	order, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return e.fail(ctx, sess, "check payment", err, msgPaymentVerifyFailed)
	}

	in := Input{Kind: InputPaymentPending, OrderID: orderID}
	switch order.Status {
	case models.OrderCompleted:
		in.Kind = InputPaymentCompleted
	case models.OrderFailed:
		in.Kind = InputPaymentFailed
		if order.FailureReason != nil {
			in.Reason = *order.FailureReason
		}
	}
	return e.execute(ctx, sess, in, Transition(sess.State, in))
}

// prepareDocument generates, or reuses, the document for the session's
// completed order and returns the delivery message.
func (e *Engine) prepareDocument(ctx context.Context, sess *models.ConversationSession, orderID string, eff Effect) (telegraph.OutboundMessage, error) {
	if orderID == "" && sess.ActivePaymentOrderID != nil {
		orderID = *sess.ActivePaymentOrderID
	}
	if orderID == "" {
		return telegraph.OutboundMessage{}, apperr.New(apperr.KindInternal, "no order to fulfil", nil)
	}
	order, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return telegraph.OutboundMessage{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	if order.Status != models.OrderCompleted {
		return telegraph.OutboundMessage{}, apperr.New(apperr.KindInternal, "order "+orderID+" is "+string(order.Status), nil)
	}

	media := &telegraph.Media{Caption: eff.Text, MimeType: "text/markdown"}
	if order.DocumentRef != nil {
		media.URL = *order.DocumentRef
		media.FileName = path.Base(*order.DocumentRef)
	} else {
		ref, err := e.documents.Generate(ctx, &order.AnalysisSnapshot, sess.UserID)
		if err != nil {
			return telegraph.OutboundMessage{}, apperr.New(apperr.KindUpstreamError, "generate document", err)
		}
		if err := e.orders.SetDocumentRef(ctx, orderID, ref.URL); err != nil {
			log.Printf("funnel: record document for order %s: %v", orderID, err)
		}
		log.Printf("funnel: generated document for order %s", orderID)
		media.URL, media.FileName, media.MimeType = ref.URL, ref.FileName, ref.MimeType
	}

	msg := outbound(sess, eff.Text, eff.Options)
	msg.Media = media
	return msg, nil
}

// PaymentCompleted advances the linked session. It queues the work on the
// user's queue and returns immediately.
func (e *Engine) PaymentCompleted(ctx context.Context, order *models.PaymentOrder) {
	e.notifyPayment(order, Input{Kind: InputPaymentCompleted, OrderID: order.OrderID})
}

// PaymentFailed tells the user and keeps the session in payment_pending.
func (e *Engine) PaymentFailed(ctx context.Context, order *models.PaymentOrder) {
	in := Input{Kind: InputPaymentFailed, OrderID: order.OrderID}
	if order.FailureReason != nil {
		in.Reason = *order.FailureReason
	}
	e.notifyPayment(order, in)
}

func (e *Engine) notifyPayment(order *models.PaymentOrder, in Input) {
	userID := order.UserID
	err := e.disp.Submit(userID, func(ctx context.Context) error {
		sess, err := e.store.Get(ctx, userID)
		if err != nil {
			return fmt.Errorf("funnel: settle order %s: %w", in.OrderID, err)
		}
		if sess.State != models.StatePaymentPending || sess.ActivePaymentOrderID == nil || *sess.ActivePaymentOrderID != in.OrderID {
			log.Printf("funnel: order %s settled outside %s's open payment (state %s)", in.OrderID, userID, sess.State)
			return nil
		}
		return e.execute(ctx, sess, in, Transition(sess.State, in))
	})
	if err != nil {
		log.Printf("funnel: queue settlement of order %s: %v", in.OrderID, err)
	}
}

// startAnalysis runs the analyzer off the user's queue. The outcome, or a
// watchdog timeout if the analyzer hangs, is queued back and applied only
// if the session is still on the same attempt.
func (e *Engine) startAnalysis(userID string, attempt int64, img telegraph.ImageRef) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		log.Printf("funnel: engine closing; analysis %d for %s left for recovery", attempt, userID)
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, e.analysisTimeout)
		defer cancel()

		watchdog := time.AfterFunc(e.analysisTimeout+e.watchdogGrace, func() {
			e.queueAnalysisResult(userID, attempt, nil, apperr.New(apperr.KindUpstreamTimeout, "analysis watchdog", nil))
		})
		rec, err := e.analyze(ctx, img)
		if !watchdog.Stop() {
			return
		}
		e.queueAnalysisResult(userID, attempt, rec, err)
	}()
}

func (e *Engine) analyze(ctx context.Context, img telegraph.ImageRef) (*models.AnalysisRecord, error) {
	data, mime, err := e.media.FetchMedia(ctx, img)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.New(apperr.KindUpstreamTimeout, "fetch media", err)
		}
		return nil, apperr.New(apperr.KindUpstreamError, "fetch media", err)
	}
	if mime == "" {
		mime = img.MimeType
	}
	return e.analyzer.Analyze(ctx, data, mime)
}

func (e *Engine) queueAnalysisResult(userID string, attempt int64, rec *models.AnalysisRecord, aerr error) {
	err := e.disp.Submit(userID, func(ctx context.Context) error {
		return e.applyAnalysis(ctx, userID, attempt, rec, aerr)
	})
	if err != nil {
		log.Printf("funnel: queue analysis result for %s: %v", userID, err)
	}
}

func (e *Engine) applyAnalysis(ctx context.Context, userID string, attempt int64, rec *models.AnalysisRecord, aerr error) error {
	sess, err := e.store.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("funnel: apply analysis for %s: %w", userID, err)
	}
	if sess.State != models.StateAnalyzing || sess.AnalysisAttempt != attempt {
		log.Printf("funnel: discard stale analysis %d for %s (state %s, attempt %d)", attempt, userID, sess.State, sess.AnalysisAttempt)
		return nil
	}

	if aerr == nil && rec == nil {
		aerr = &AnalysisError{Kind: AnalysisUnknown, Err: errors.New("analyzer returned no record")}
	}
	in := Input{Kind: InputAnalysisSucceeded, Analysis: rec}
	if aerr != nil {
		log.Printf("funnel: analysis %d for %s failed: %v", attempt, userID, apperr.New(apperr.KindAnalysisFailure, "analysis", aerr))
		in = Input{Kind: InputAnalysisFailed, Reason: failureReason(aerr)}
	}
	return e.execute(ctx, sess, in, Transition(sess.State, in))
}

// RecoverStale reverts sessions stuck in analyzing whose analysis started
// more than olderThan ago. At boot, with olderThan zero, every analyzing
// session is orphaned and reverted.
func (e *Engine) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stuck, err := e.store.ListByState(ctx, models.StateAnalyzing)
	if err != nil {
		return 0, fmt.Errorf("funnel: recover stale: %w", err)
	}
	cutoff := e.now().Add(-olderThan)
	n := 0
	for _, s := range stuck {
		if s.AnalysisStartedAt != nil && s.AnalysisStartedAt.After(cutoff) {
			continue
		}
		userID, attempt := s.UserID, s.AnalysisAttempt
		timeout := &AnalysisError{Kind: AnalysisTimeout, Err: errors.New("analysis interrupted")}
		err := e.disp.Do(ctx, userID, func(ctx context.Context) error {
			return e.applyAnalysis(ctx, userID, attempt, nil, timeout)
		})
		if err != nil {
			log.Printf("funnel: recover %s: %v", userID, err)
			continue
		}
		n++
	}
	if n > 0 {
		log.Printf("funnel: recovered %d stale analyses", n)
	}
	return n, nil
}

// Close stops accepting work, cancels in-flight analyses and drains queued
// tasks. Sessions whose analysis result arrives after Close are reverted
// by RecoverStale on the next start.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return e.disp.Close(ctx)
}
