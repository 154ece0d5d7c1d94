// Package notify turns parsed hook events into outbound notifications. The
// dispatcher owns the straight-line flow of one invocation: record or match
// the task, ensure the session's thread, post, then maybe sweep. Every step
// degrades on failure; a hook invocation never fails the host.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/channels"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/correlate"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/hook"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/obs"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/shared"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/sweeper"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/threads"
)

// Dispatcher routes hook events through correlation and out to the channel.
type Dispatcher struct {
	correlator *correlate.Correlator
	directory  *threads.Directory
	notifier   channels.Notifier // nil when no channel is configured
	sweeper    *sweeper.Sweeper  // nil disables opportunistic sweeps
	logger     *slog.Logger
	metrics    *obs.Metrics // nil when observability is disabled
	tracer     trace.Tracer
}

// New creates a Dispatcher. notifier, sweeper, metrics, and tracer may be nil.
func New(correlator *correlate.Correlator, directory *threads.Directory, notifier channels.Notifier, sw *sweeper.Sweeper, logger *slog.Logger, metrics *obs.Metrics, tracer trace.Tracer) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(obs.TracerName)
	}
	return &Dispatcher{
		correlator: correlator,
		directory:  directory,
		notifier:   notifier,
		sweeper:    sw,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
	}
}

// Handle dispatches one parsed hook event under a root span.
func (d *Dispatcher) Handle(ctx context.Context, ev hook.Event) {
	ctx = shared.WithSessionID(ctx, ev.SessionID)
	ctx, span := obs.StartSpan(ctx, d.tracer, "notifier.handle",
		obs.AttrEventKind.String(string(ev.Kind)),
	)
	defer span.End()

	switch ev.Kind {
	case hook.KindStart:
		d.HandleStart(ctx, ev)
	case hook.KindCompletion:
		d.HandleCompletion(ctx, ev)
	default:
		d.logger.Warn("dispatch: unknown event kind", "kind", ev.Kind)
	}
}

// HandleStart records the task start and announces it in the session thread.
func (d *Dispatcher) HandleStart(ctx context.Context, ev hook.Event) {
	rec := d.correlator.Begin(ctx, ev.SessionID, ev.Content, ev.Title)
	ctx = shared.WithTaskID(ctx, rec.TaskID)
	trace.SpanFromContext(ctx).SetAttributes(
		obs.AttrTaskID.String(rec.TaskID),
		obs.AttrFingerprint.String(rec.Fingerprint),
	)
	if d.metrics != nil {
		d.metrics.TasksStarted.Add(ctx, 1)
	}
	d.logger.Info("task started",
		"session_id", ev.SessionID,
		"task_id", rec.TaskID,
		"fingerprint", rec.Fingerprint,
	)

	d.post(ctx, ev.SessionID, renderStart(rec))
	d.maybeSweep(ctx)
}

// HandleCompletion matches the completion against its start and posts the
// outcome. An unmatched completion is still announced, just without the
// original task's identity.
func (d *Dispatcher) HandleCompletion(ctx context.Context, ev hook.Event) {
	payload := responsePayload(ev.Response, time.Now().UTC())

	rec, matched := d.correlator.Match(ctx, ev.SessionID, ev.Content, payload)
	if d.metrics != nil {
		if matched {
			d.metrics.MatchesFound.Add(ctx, 1)
		} else {
			d.metrics.MatchesMissed.Add(ctx, 1)
		}
	}

	var text string
	if matched {
		ctx = shared.WithTaskID(ctx, rec.TaskID)
		trace.SpanFromContext(ctx).SetAttributes(
			obs.AttrTaskID.String(rec.TaskID),
			obs.AttrFingerprint.String(rec.Fingerprint),
		)
		d.logger.Info("task completed",
			"session_id", ev.SessionID,
			"task_id", rec.TaskID,
		)
		text = renderCompletion(rec)
	} else {
		d.logger.Warn("completion without matching start", "session_id", ev.SessionID)
		text = renderUnmatched(ev)
	}

	d.post(ctx, ev.SessionID, text)
	d.maybeSweep(ctx)
}

// post delivers text into the session's thread, creating the thread on
// first use. Delivery failure is logged and counted, never returned.
func (d *Dispatcher) post(ctx context.Context, sessionID, text string) {
	if d.notifier == nil {
		return
	}

	ref, _ := d.directory.Ensure(ctx, sessionID, func(ctx context.Context, key string) (string, string, error) {
		channelID, threadRef, err := d.notifier.CreateThread(ctx, renderThreadTitle(key))
		if err == nil && d.metrics != nil {
			d.metrics.ThreadsCreated.Add(ctx, 1)
		}
		return channelID, threadRef, err
	})

	ctx, span := obs.StartClientSpan(ctx, d.tracer, "notifier.post",
		obs.AttrChannel.String(d.notifier.Name()),
		obs.AttrThreadRef.String(ref),
	)
	defer span.End()

	if err := d.notifier.Post(ctx, ref, text); err != nil {
		span.RecordError(err)
		d.logger.Error("notification delivery failed",
			"channel", d.notifier.Name(),
			"session_id", sessionID,
			"error", err,
		)
		if d.metrics != nil {
			d.metrics.NotifyErrors.Add(ctx, 1)
		}
		return
	}
	if d.metrics != nil {
		d.metrics.NotifySends.Add(ctx, 1)
	}
}

func (d *Dispatcher) maybeSweep(ctx context.Context) {
	if d.sweeper != nil {
		d.sweeper.MaybeSweep(ctx)
	}
}

// responsePayload wraps the raw tool response in a small JSON document so
// the stored value always parses, whatever the tool returned.
func responsePayload(response string, receivedAt time.Time) string {
	doc, _ := sjson.Set("{}", "received_at", receivedAt.Format(time.RFC3339))
	if response == "" {
		return doc
	}
	if gjson.Valid(response) {
		doc, _ = sjson.SetRaw(doc, "response", response)
	} else {
		doc, _ = sjson.Set(doc, "response", response)
	}
	return doc
}
