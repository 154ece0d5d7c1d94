package notify

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/correlate"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/hook"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/lockfile"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/obs"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/persistence"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/threads"
)

// fakeNotifier records thread creations and posts in memory.
type fakeNotifier struct {
	threads   int
	posts     []fakePost
	postErr   error
	createErr error
}

type fakePost struct {
	ref  string
	text string
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) CreateThread(_ context.Context, title string) (string, string, error) {
	if f.createErr != nil {
		return "", "", f.createErr
	}
	f.threads++
	return "chan-1", "ref-1", nil
}

func (f *fakeNotifier) Post(_ context.Context, ref, text string) error {
	if f.postErr != nil {
		return f.postErr
	}
	f.posts = append(f.posts, fakePost{ref: ref, text: text})
	return nil
}

func newTestDispatcher(t *testing.T, notifier *fakeNotifier) (*Dispatcher, *persistence.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "notifier.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tasksLock := lockfile.New(filepath.Join(dir, "tasks.lock"), time.Minute, nil)
	threadsLock := lockfile.New(filepath.Join(dir, "threads.lock"), time.Minute, nil)
	corr := correlate.New(store, tasksLock, nil, 5*time.Second, nil)
	directory := threads.New(store, threadsLock, nil, 5*time.Second, 0, nil)

	return New(corr, directory, notifier, nil, nil, nil, nil), store
}

func startEvent(session, title, prompt string) hook.Event {
	return hook.Event{
		Kind:      hook.KindStart,
		SessionID: session,
		Title:     title,
		Content:   title + "\n" + prompt,
	}
}

func completionEvent(session, title, prompt, response string) hook.Event {
	return hook.Event{
		Kind:      hook.KindCompletion,
		SessionID: session,
		Content:   title + "\n" + prompt,
		Response:  response,
	}
}

func TestHandleStart_PostsIntoSessionThread(t *testing.T) {
	fake := &fakeNotifier{}
	d, store := newTestDispatcher(t, fake)
	ctx := context.Background()

	d.Handle(ctx, startEvent("s1", "Refactor parser", "rewrite it"))

	if fake.threads != 1 {
		t.Fatalf("expected 1 thread created, got %d", fake.threads)
	}
	if len(fake.posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(fake.posts))
	}
	if fake.posts[0].ref != "ref-1" {
		t.Fatalf("post not threaded: ref %q", fake.posts[0].ref)
	}
	if !strings.Contains(fake.posts[0].text, "Refactor parser") {
		t.Fatalf("start post missing title: %q", fake.posts[0].text)
	}

	open, err := store.OpenTasks(ctx, "s1")
	if err != nil || len(open) != 1 {
		t.Fatalf("expected 1 open task, got %d err=%v", len(open), err)
	}
}

func TestStartThenCompletion_SharesThread(t *testing.T) {
	fake := &fakeNotifier{}
	d, store := newTestDispatcher(t, fake)
	ctx := context.Background()

	d.Handle(ctx, startEvent("s1", "Refactor parser", "rewrite it"))
	d.Handle(ctx, completionEvent("s1", "Refactor parser", "rewrite it", `{"result": "all rewritten"}`))

	if fake.threads != 1 {
		t.Fatalf("both events must share one thread, created %d", fake.threads)
	}
	if len(fake.posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(fake.posts))
	}
	if fake.posts[0].ref != fake.posts[1].ref {
		t.Fatalf("posts landed in different threads: %q vs %q", fake.posts[0].ref, fake.posts[1].ref)
	}
	if !strings.Contains(fake.posts[1].text, "all rewritten") {
		t.Fatalf("completion post missing response excerpt: %q", fake.posts[1].text)
	}

	open, err := store.OpenTasks(ctx, "s1")
	if err != nil {
		t.Fatalf("open tasks: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("task should be completed, %d still open", len(open))
	}
}

func TestHandleCompletion_UnmatchedStillPosts(t *testing.T) {
	fake := &fakeNotifier{}
	d, _ := newTestDispatcher(t, fake)
	ctx := context.Background()

	d.Handle(ctx, completionEvent("s1", "Never started", "nope", `{"result": "surprise"}`))

	if len(fake.posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(fake.posts))
	}
	if !strings.Contains(fake.posts[0].text, "no recorded start") {
		t.Fatalf("unmatched post should say so: %q", fake.posts[0].text)
	}
}

func TestHandleStart_NoNotifierStillRecords(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "notifier.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	tasksLock := lockfile.New(filepath.Join(dir, "tasks.lock"), time.Minute, nil)
	threadsLock := lockfile.New(filepath.Join(dir, "threads.lock"), time.Minute, nil)
	corr := correlate.New(store, tasksLock, nil, 5*time.Second, nil)
	directory := threads.New(store, threadsLock, nil, 5*time.Second, 0, nil)
	d := New(corr, directory, nil, nil, nil, nil, nil)
	ctx := context.Background()

	d.Handle(ctx, startEvent("s1", "Quiet task", "no channel configured"))

	open, err := store.OpenTasks(ctx, "s1")
	if err != nil || len(open) != 1 {
		t.Fatalf("task must be recorded without a channel, got %d err=%v", len(open), err)
	}
}

func TestPost_DeliveryFailureDoesNotPanic(t *testing.T) {
	fake := &fakeNotifier{postErr: errors.New("network down")}
	d, store := newTestDispatcher(t, fake)
	ctx := context.Background()

	d.Handle(ctx, startEvent("s1", "Doomed post", "will not deliver"))

	open, err := store.OpenTasks(ctx, "s1")
	if err != nil || len(open) != 1 {
		t.Fatalf("delivery failure must not lose the record, got %d err=%v", len(open), err)
	}
}

func TestPost_CreateFailureFallsBackUnthreaded(t *testing.T) {
	fake := &fakeNotifier{createErr: errors.New("cannot create")}
	d, _ := newTestDispatcher(t, fake)
	ctx := context.Background()

	d.Handle(ctx, startEvent("s1", "Threadless", "anchor creation fails"))

	if len(fake.posts) != 1 {
		t.Fatalf("expected an unthreaded post, got %d", len(fake.posts))
	}
	if fake.posts[0].ref != "" {
		t.Fatalf("expected empty ref, got %q", fake.posts[0].ref)
	}
}

func TestResponsePayload(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	doc := responsePayload(`{"result": "ok"}`, now)
	if !gjson.Valid(doc) {
		t.Fatalf("payload not valid JSON: %q", doc)
	}
	if got := gjson.Get(doc, "response.result").String(); got != "ok" {
		t.Fatalf("nested JSON response lost: %q", doc)
	}
	if got := gjson.Get(doc, "received_at").String(); got != "2026-08-30T12:00:00Z" {
		t.Fatalf("received_at: got %q", got)
	}

	doc = responsePayload("plain text result", now)
	if got := gjson.Get(doc, "response").String(); got != "plain text result" {
		t.Fatalf("plain response lost: %q", doc)
	}

	doc = responsePayload("", now)
	if gjson.Get(doc, "response").Exists() {
		t.Fatalf("empty response must stay absent: %q", doc)
	}
}

func TestResponseExcerpt(t *testing.T) {
	cases := []struct {
		payload string
		want    string
	}{
		{`{"response": {"result": "did the thing"}}`, "did the thing"},
		{`{"response": {"content": "other field"}}`, "other field"},
		{`{"response": "bare string"}`, "bare string"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := responseExcerpt(tc.payload); got != tc.want {
			t.Errorf("excerpt(%q): got %q, want %q", tc.payload, got, tc.want)
		}
	}

	long := `{"response": {"result": "` + strings.Repeat("x", 2000) + `"}}`
	if got := responseExcerpt(long); len(got) > 600 {
		t.Fatalf("excerpt not truncated: %d bytes", len(got))
	}
}

// spanAttr returns the string value of an attribute on a recorded span.
func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (string, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value.AsString(), true
		}
	}
	return "", false
}

func TestHandle_EmitsSpans(t *testing.T) {
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "notifier.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	tasksLock := lockfile.New(filepath.Join(dir, "tasks.lock"), time.Minute, nil)
	threadsLock := lockfile.New(filepath.Join(dir, "threads.lock"), time.Minute, nil)
	corr := correlate.New(store, tasksLock, nil, 5*time.Second, nil)
	directory := threads.New(store, threadsLock, nil, 5*time.Second, 0, nil)
	fake := &fakeNotifier{}
	d := New(corr, directory, fake, nil, nil, nil, tp.Tracer("test"))

	d.Handle(context.Background(), startEvent("s-span", "deploy", "roll it out"))

	var handleSpan, postSpan sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "notifier.handle":
			handleSpan = span
		case "notifier.post":
			postSpan = span
		}
	}
	if handleSpan == nil {
		t.Fatal("expected a notifier.handle span")
	}
	if postSpan == nil {
		t.Fatal("expected a notifier.post span")
	}

	if kind := postSpan.SpanKind(); kind != oteltrace.SpanKindClient {
		t.Fatalf("post span must be a client span, got %v", kind)
	}
	if got, ok := spanAttr(postSpan, obs.AttrChannel); !ok || got != "fake" {
		t.Fatalf("post span channel attribute = %q ok=%v", got, ok)
	}
	if got, ok := spanAttr(postSpan, obs.AttrSessionID); !ok || got != "s-span" {
		t.Fatalf("post span session attribute = %q ok=%v", got, ok)
	}
	if got, ok := spanAttr(postSpan, obs.AttrTaskID); !ok || got == "" {
		t.Fatalf("post span must carry the started task id, got %q ok=%v", got, ok)
	}
	if got, ok := spanAttr(handleSpan, obs.AttrEventKind); !ok || got != "start" {
		t.Fatalf("handle span kind attribute = %q ok=%v", got, ok)
	}
	if got, ok := spanAttr(handleSpan, obs.AttrTaskID); !ok || got == "" {
		t.Fatalf("handle span must pick up the task id after begin, got %q ok=%v", got, ok)
	}
}
