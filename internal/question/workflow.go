// Package question attaches asynchronous questions to annotations and
// tracks each one from pending to answered.
//
// Submit and Cancel run in the caller's serialized context, the same one
// that owns the anchor.Store. The answering call runs on its own goroutine
// and re-enters that context through the sync.Locker given to New before it
// touches the store.
package question

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/marginalia/internal/anchor"
	"github.com/starford/marginalia/internal/apperr"
	"github.com/starford/marginalia/internal/models"
)

// Asker answers a question about a selected passage. Implementations own
// their timeout policy and report it as an error.
type Asker interface {
	Ask(ctx context.Context, selectedText, question string) (string, error)
}

// AskerFunc adapts a function to Asker.
type AskerFunc func(ctx context.Context, selectedText, question string) (string, error)

// Ask implements Asker.
func (f AskerFunc) Ask(ctx context.Context, selectedText, question string) (string, error) {
	return f(ctx, selectedText, question)
}

// Result is delivered exactly once per Submit.
type Result struct {
	AnnotationID string
	QuestionID   string
	Answer       string
	// Discarded is set when the answer arrived for a question that had been
	// cancelled or replaced in the meantime.
	Discarded bool
	Err       error
}

// EventKind classifies workflow notifications.
type EventKind string

const (
	EventAnswered  EventKind = "answered"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
	EventDiscarded EventKind = "discarded"
)

// Event is passed to the Listener. Listeners run while the host lock is
// held and must not call back into the Workflow.
type Event struct {
	Kind         EventKind
	AnnotationID string
	QuestionID   string
	Err          error
}

// Listener observes workflow transitions.
type Listener func(Event)

type inflight struct {
	questionID string
	cancel     context.CancelFunc
}

// Workflow drives questions for the annotations of one anchor.Store.
type Workflow struct {
	store    *anchor.Store
	asker    Asker
	lock     sync.Locker
	logger   *slog.Logger
	listener Listener

	pending map[string]*inflight
	wg      sync.WaitGroup
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger used for failures.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// WithListener registers fn for every transition.
func WithListener(fn Listener) Option {
	return func(w *Workflow) { w.listener = fn }
}

// New returns a Workflow over store. lock must be the lock the host holds
// while calling into store; completions acquire it before writing.
func New(store *anchor.Store, asker Asker, lock sync.Locker, opts ...Option) *Workflow {
	w := &Workflow{
		store:   store,
		asker:   asker,
		lock:    lock,
		logger:  slog.Default(),
		pending: make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Submit attaches question to the annotation and starts the answering call.
// A question already pending on the same annotation is cancelled first,
// even when it carries the same questionID; only the newest call may settle
// the annotation.
// The returned channel receives one Result and is then closed.
func (w *Workflow) Submit(ctx context.Context, annotationID, question, questionID string) (<-chan Result, error) {
	a, ok := w.store.Get(annotationID)
	if !ok {
		return nil, fmt.Errorf("question: annotation %s: %w", annotationID, apperr.ErrNotFound)
	}
	if prev, ok := w.pending[annotationID]; ok {
		prev.cancel()
		delete(w.pending, annotationID)
	}
	if err := w.store.AttachQuestion(ctx, annotationID, question, questionID); err != nil {
		return nil, err
	}

	// The answer must outlive the request that asked for it.
	base := context.WithoutCancel(ctx)
	callCtx, cancel := context.WithCancel(base)
	call := &inflight{questionID: questionID, cancel: cancel}
	w.pending[annotationID] = call

	out := make(chan Result, 1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(out)
		defer cancel()

		answer, err := w.asker.Ask(callCtx, a.SelectedText, question)
		out <- w.complete(base, call, annotationID, answer, err)
	}()
	return out, nil
}

func (w *Workflow) complete(ctx context.Context, call *inflight, id, answer string, askErr error) Result {
	w.lock.Lock()
	defer w.lock.Unlock()

	qid := call.questionID
	res := Result{AnnotationID: id, QuestionID: qid}
	if cur, ok := w.pending[id]; !ok || cur != call {
		res.Discarded = true
		res.Err = fmt.Errorf("question %s: %w: no longer pending", qid, apperr.ErrQuestionFailed)
		w.emit(Event{Kind: EventDiscarded, AnnotationID: id, QuestionID: qid})
		return res
	}
	delete(w.pending, id)

	if askErr != nil {
		if err := w.store.DetachQuestion(ctx, id); err != nil {
			w.logger.Error("question: revert failed",
				slog.String("annotation_id", id),
				slog.String("error", err.Error()))
		}
		res.Err = fmt.Errorf("question %s: %w: %v", qid, apperr.ErrQuestionFailed, askErr)
		w.logger.Warn("question: answer failed",
			slog.String("annotation_id", id),
			slog.String("question_id", qid),
			slog.String("error", askErr.Error()))
		w.emit(Event{Kind: EventFailed, AnnotationID: id, QuestionID: qid, Err: res.Err})
		return res
	}

	recorded, err := w.store.RecordAnswer(ctx, id, qid, answer)
	if err != nil {
		res.Err = fmt.Errorf("question %s: record answer: %w", qid, err)
		w.emit(Event{Kind: EventFailed, AnnotationID: id, QuestionID: qid, Err: res.Err})
		return res
	}
	if !recorded {
		// Annotation removed or question detached behind our back.
		res.Discarded = true
		w.emit(Event{Kind: EventDiscarded, AnnotationID: id, QuestionID: qid})
		return res
	}
	res.Answer = answer
	w.emit(Event{Kind: EventAnswered, AnnotationID: id, QuestionID: qid})
	return res
}

// Cancel abandons a pending question and clears the annotation's question
// fields. A late answer for the cancelled question is discarded. Cancelling
// an annotation without a question is a no-op.
func (w *Workflow) Cancel(ctx context.Context, annotationID string) error {
	if cur, ok := w.pending[annotationID]; ok {
		cur.cancel()
		delete(w.pending, annotationID)
		w.emit(Event{Kind: EventCancelled, AnnotationID: annotationID, QuestionID: cur.questionID})
	}
	return w.store.DetachQuestion(ctx, annotationID)
}

// State reports the annotation's question state. Unknown annotations report
// QuestionNone.
func (w *Workflow) State(annotationID string) models.QuestionState {
	a, ok := w.store.Get(annotationID)
	if !ok {
		return models.QuestionNone
	}
	return a.QuestionState()
}

// Pending returns how many answering calls are in flight.
func (w *Workflow) Pending() int { return len(w.pending) }

// Close cancels every in-flight call and waits for the goroutines to finish.
// It must be called without holding the host lock.
func (w *Workflow) Close() {
	w.lock.Lock()
	for id, cur := range w.pending {
		cur.cancel()
		delete(w.pending, id)
	}
	w.lock.Unlock()
	w.wg.Wait()
}

func (w *Workflow) emit(e Event) {
	if w.listener != nil {
		w.listener(e)
	}
}
