package download

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/handiism/batch-downloader/internal/http"
	"github.com/handiism/batch-downloader/internal/model"
)

// fakeResponse scripts the outcome of one source.
type fakeResponse struct {
	status      int
	body        string
	contentType string
	err         error
	progress    []int64
	gate        chan struct{} // Fetch blocks until closed (or ctx is done)
}

type fakeTransport struct {
	mu        sync.Mutex
	responses map[string]*fakeResponse
	started   chan string
	active    int
	maxActive int
	calls     []http.Request
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: make(map[string]*fakeResponse),
		started:   make(chan string, 64),
	}
}

func (f *fakeTransport) set(url string, resp *fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = resp
}

func (f *fakeTransport) Fetch(ctx context.Context, req http.Request, onProgress func(loaded, total int64)) (*http.Response, error) {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	f.calls = append(f.calls, req)
	script, ok := f.responses[req.URL]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	f.started <- req.URL

	if !ok {
		script = &fakeResponse{status: 200, body: req.URL}
	}

	if script.gate != nil {
		select {
		case <-script.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if script.err != nil {
		return nil, script.err
	}

	total := int64(len(script.body))
	for _, loaded := range script.progress {
		if onProgress != nil {
			onProgress(loaded, total)
		}
	}

	header := nethttp.Header{}
	if script.contentType != "" {
		header.Set("Content-Type", script.contentType)
	}
	return &http.Response{StatusCode: script.status, Header: header, Body: []byte(script.body)}, nil
}

func (f *fakeTransport) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

type delivery struct {
	blob model.Blob
	name string
}

type recordingDeliverer struct {
	mu         sync.Mutex
	deliveries []delivery
	err        error
}

func (d *recordingDeliverer) Deliver(ctx context.Context, blob model.Blob, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, delivery{blob: blob, name: name})
	return d.err
}

func (d *recordingDeliverer) all() []delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]delivery, len(d.deliveries))
	copy(out, d.deliveries)
	return out
}

// hookLog records hook names per task in firing order.
type hookLog struct {
	mu     sync.Mutex
	events map[int64][]string
}

func newHookLog() *hookLog {
	return &hookLog{events: make(map[int64][]string)}
}

func (l *hookLog) attach(task *model.Task) {
	record := func(name string) model.Hook {
		return func(model.Event) {
			l.mu.Lock()
			l.events[task.ID] = append(l.events[task.ID], name)
			l.mu.Unlock()
		}
	}
	task.OnStart = record("start")
	task.OnProgress = record("progress")
	task.OnSuccess = record("success")
	task.OnError = record("error")
	task.OnComplete = record("complete")
}

func (l *hookLog) of(id int64) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events[id]...)
}

func (l *hookLog) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		n += len(ev)
	}
	return n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(tr Transport, d Deliverer, opts ...Option) *Scheduler {
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return NewScheduler(tr, d, opts...)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func zipEntries(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip.NewReader() error = %v", err)
	}
	entries := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		entries[f.Name] = string(b)
	}
	return entries
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestScheduler_SingleTask(t *testing.T) {
	tr := newFakeTransport()
	tr.set("https://example.com/a.txt", &fakeResponse{status: 200, body: "alpha", contentType: "text/plain"})
	d := &recordingDeliverer{}
	s := newTestScheduler(tr, d)

	task, err := s.Enqueue("https://example.com/a.txt", "a.txt")
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	res, err := s.Run(testContext(t))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := d.all()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0].name != "a.txt" {
		t.Errorf("delivered name = %q, want %q", got[0].name, "a.txt")
	}
	if string(got[0].blob.Data) != "alpha" || got[0].blob.ContentType != "text/plain" {
		t.Errorf("delivered blob = %+v", got[0].blob)
	}

	if res.Batch || !res.Delivered || res.Succeeded != 1 || res.Failed != 0 {
		t.Errorf("Result = %+v", res)
	}
	if res.RunID == "" {
		t.Error("Result.RunID is empty")
	}

	if task.State() != model.StateLoaded {
		t.Errorf("State() = %v, want loaded", task.State())
	}
	if _, ok := task.Blob(); !ok {
		t.Error("single-file task should keep a blob")
	}
	if task.Buffer() != nil {
		t.Error("single-file task should not keep a buffer")
	}
	if n := len(s.Tasks()); n != 0 {
		t.Errorf("queue length after run = %d, want 0", n)
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight() = %d after run", s.InFlight())
	}
}

func TestScheduler_SingleTaskNameFromSource(t *testing.T) {
	d := &recordingDeliverer{}
	s := newTestScheduler(newFakeTransport(), d)

	s.Enqueue("https://example.com/files/report.pdf", "")
	if _, err := s.Run(testContext(t)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := d.all(); len(got) != 1 || got[0].name != "report.pdf" {
		t.Errorf("deliveries = %+v", got)
	}
}

func TestScheduler_BatchArchive(t *testing.T) {
	tr := newFakeTransport()
	d := &recordingDeliverer{}
	s := newTestScheduler(tr, d, WithMaxConcurrent(2))

	type item struct{ src, name, folder string }
	items := []item{
		{"https://example.com/1", "one.txt", ""},
		{"https://example.com/2", "two.txt", "docs"},
		{"https://example.com/3", "three.txt", "docs/deep"},
		{"https://example.com/4", "four.txt", ""},
	}
	var tasks []*model.Task
	for _, it := range items {
		task, err := s.Enqueue(it.src, it.name, model.WithFolder(it.folder))
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, task)
	}

	res, err := s.Run(testContext(t))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := d.all()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	if got[0].name != DefaultArchiveName {
		t.Errorf("archive name = %q, want %q", got[0].name, DefaultArchiveName)
	}
	if got[0].blob.ContentType != "application/zip" {
		t.Errorf("archive content type = %q", got[0].blob.ContentType)
	}

	entries := zipEntries(t, got[0].blob.Data)
	want := map[string]string{
		"one.txt":             "https://example.com/1",
		"docs/two.txt":        "https://example.com/2",
		"docs/deep/three.txt": "https://example.com/3",
		"four.txt":            "https://example.com/4",
	}
	if len(entries) != len(want) {
		t.Errorf("archive has %d entries, want %d: %v", len(entries), len(want), entries)
	}
	for path, body := range want {
		if entries[path] != body {
			t.Errorf("entry %q = %q, want %q", path, entries[path], body)
		}
	}

	if !res.Batch || res.Succeeded != 4 || res.Name != DefaultArchiveName {
		t.Errorf("Result = %+v", res)
	}
	for _, task := range tasks {
		if task.Buffer() == nil {
			t.Errorf("task %d: batch task should keep a buffer", task.ID)
		}
		if _, ok := task.Blob(); ok {
			t.Errorf("task %d: batch task should not keep a blob", task.ID)
		}
	}
}

func TestScheduler_CustomArchiveName(t *testing.T) {
	d := &recordingDeliverer{}
	s := newTestScheduler(newFakeTransport(), d, WithArchiveName("bundle.zip"))
	s.Enqueue("https://example.com/1", "1")
	s.Enqueue("https://example.com/2", "2")

	if _, err := s.Run(testContext(t)); err != nil {
		t.Fatal(err)
	}
	if got := d.all(); len(got) != 1 || got[0].name != "bundle.zip" {
		t.Errorf("deliveries = %+v", got)
	}
}

func TestScheduler_PartialFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.set("https://example.com/bad", &fakeResponse{status: 500, body: "oops"})
	d := &recordingDeliverer{}
	hooks := newHookLog()
	s := newTestScheduler(tr, d, WithMaxConcurrent(3))

	good1, _ := s.Enqueue("https://example.com/good1", "good1.txt")
	bad, _ := s.Enqueue("https://example.com/bad", "bad.txt")
	good2, _ := s.Enqueue("https://example.com/good2", "good2.txt", model.WithFolder("f"))
	for _, task := range []*model.Task{good1, bad, good2} {
		hooks.attach(task)
	}

	res, err := s.Run(testContext(t))
	if err != nil {
		t.Fatalf("Run() error = %v, task failures must not propagate", err)
	}

	got := d.all()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(got))
	}
	entries := zipEntries(t, got[0].blob.Data)
	if len(entries) != 2 {
		t.Errorf("archive entries = %v, want 2", entries)
	}
	if _, ok := entries["bad.txt"]; ok {
		t.Error("failed task must not be archived")
	}
	if _, ok := entries["f/good2.txt"]; !ok {
		t.Error("missing f/good2.txt")
	}

	if want := []string{"start", "error", "complete"}; !equalStrings(hooks.of(bad.ID), want) {
		t.Errorf("failed task hooks = %v, want %v", hooks.of(bad.ID), want)
	}
	if want := []string{"start", "success", "complete"}; !equalStrings(hooks.of(good1.ID), want) {
		t.Errorf("good task hooks = %v, want %v", hooks.of(good1.ID), want)
	}

	var statusErr *StatusError
	if !errors.As(bad.Err(), &statusErr) || statusErr.StatusCode != 500 {
		t.Errorf("bad.Err() = %v, want StatusError 500", bad.Err())
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Errorf("Result = %+v", res)
	}
}

func TestScheduler_TransportError(t *testing.T) {
	tr := newFakeTransport()
	boom := errors.New("connection refused")
	tr.set("https://example.com/x", &fakeResponse{err: boom})
	d := &recordingDeliverer{}
	hooks := newHookLog()
	s := newTestScheduler(tr, d)

	task, _ := s.Enqueue("https://example.com/x", "x")
	var gotEvent model.Event
	hooks.attach(task)
	onError := task.OnError
	task.OnError = func(ev model.Event) {
		gotEvent = ev
		onError(ev)
	}

	res, err := s.Run(testContext(t))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(d.all()) != 0 {
		t.Error("failed single task must not be delivered")
	}
	if res.Delivered || res.Failed != 1 {
		t.Errorf("Result = %+v", res)
	}
	if !errors.Is(gotEvent.Err, boom) || gotEvent.TaskID != task.ID {
		t.Errorf("error event = %+v", gotEvent)
	}
	if want := []string{"start", "error", "complete"}; !equalStrings(hooks.of(task.ID), want) {
		t.Errorf("hooks = %v, want %v", hooks.of(task.ID), want)
	}
}

func TestScheduler_BatchAllFailed(t *testing.T) {
	tr := newFakeTransport()
	tr.set("https://example.com/1", &fakeResponse{status: 404})
	tr.set("https://example.com/2", &fakeResponse{status: 403})
	d := &recordingDeliverer{}
	s := newTestScheduler(tr, d, WithMaxConcurrent(2))
	s.Enqueue("https://example.com/1", "1")
	s.Enqueue("https://example.com/2", "2")

	res, err := s.Run(testContext(t))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(d.all()) != 0 {
		t.Error("no archive expected when every task failed")
	}
	if res.Delivered || res.Failed != 2 {
		t.Errorf("Result = %+v", res)
	}
	if len(s.Tasks()) != 0 {
		t.Error("scheduler should reset after an all-failed run")
	}
}

func TestScheduler_Idempotent(t *testing.T) {
	d := &recordingDeliverer{}
	hooks := newHookLog()
	s := newTestScheduler(newFakeTransport(), d)

	task, _ := s.Enqueue("https://example.com/a", "a")
	hooks.attach(task)
	if _, err := s.Run(testContext(t)); err != nil {
		t.Fatal(err)
	}

	fired := hooks.total()
	for i := 0; i < 5; i++ {
		if err := s.Drive(context.Background()); err != nil {
			t.Fatalf("Drive() error = %v", err)
		}
	}

	if hooks.total() != fired {
		t.Errorf("hooks fired after completion: %d -> %d", fired, hooks.total())
	}
	if len(d.all()) != 1 {
		t.Errorf("deliveries = %d, want 1", len(d.all()))
	}
	res, err := s.Wait(context.Background())
	if err != nil || res == nil || res.Succeeded != 1 {
		t.Errorf("Wait() after completion = %+v, %v", res, err)
	}
}

func TestScheduler_WaitBeforeAnyRun(t *testing.T) {
	s := newTestScheduler(newFakeTransport(), &recordingDeliverer{})
	if res, err := s.Wait(context.Background()); res != nil || err != nil {
		t.Errorf("Wait() = %v, %v, want nil, nil", res, err)
	}
}

func TestScheduler_RunWithoutTasks(t *testing.T) {
	s := newTestScheduler(newFakeTransport(), &recordingDeliverer{})
	if _, err := s.Run(context.Background()); !errors.Is(err, ErrNoTasks) {
		t.Errorf("Run() error = %v, want ErrNoTasks", err)
	}
	if err := s.Drive(context.Background()); err != nil {
		t.Errorf("Drive() on empty queue error = %v", err)
	}
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	for _, limit := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			tr := newFakeTransport()
			s := newTestScheduler(tr, &recordingDeliverer{}, WithMaxConcurrent(limit))

			var mu sync.Mutex
			peakInFlight := 0
			for i := 0; i < 8; i++ {
				task, _ := s.Enqueue(fmt.Sprintf("https://example.com/%d", i), fmt.Sprintf("%d.bin", i))
				task.OnStart = func(model.Event) {
					n := s.InFlight()
					mu.Lock()
					if n > peakInFlight {
						peakInFlight = n
					}
					mu.Unlock()
				}
			}

			res, err := s.Run(testContext(t))
			if err != nil {
				t.Fatal(err)
			}
			if res.Succeeded != 8 {
				t.Errorf("Succeeded = %d, want 8", res.Succeeded)
			}
			if p := tr.peak(); p > limit {
				t.Errorf("peak concurrent fetches = %d, limit %d", p, limit)
			}
			if peakInFlight > limit {
				t.Errorf("peak in-flight handles = %d, limit %d", peakInFlight, limit)
			}
		})
	}
}

func TestScheduler_SerialWithLimitOne(t *testing.T) {
	s := newTestScheduler(newFakeTransport(), &recordingDeliverer{})

	var tasks []*model.Task
	violations := 0
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		task, _ := s.Enqueue(fmt.Sprintf("https://example.com/%d", i), "")
		tasks = append(tasks, task)
	}
	for _, task := range tasks {
		task.OnStart = func(model.Event) {
			loading := 0
			for _, other := range tasks {
				if other.State() == model.StateLoading {
					loading++
				}
			}
			if loading != 1 {
				mu.Lock()
				violations++
				mu.Unlock()
			}
		}
	}

	if _, err := s.Run(testContext(t)); err != nil {
		t.Fatal(err)
	}
	if violations != 0 {
		t.Errorf("observed %d starts with more than one loading task", violations)
	}
}

func TestScheduler_StartOrderFollowsQueue(t *testing.T) {
	tr := newFakeTransport()
	s := newTestScheduler(tr, &recordingDeliverer{})

	var want []string
	for i := 0; i < 4; i++ {
		url := fmt.Sprintf("https://example.com/%d", i)
		want = append(want, url)
		s.Enqueue(url, "")
	}
	if _, err := s.Run(testContext(t)); err != nil {
		t.Fatal(err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	var got []string
	for _, c := range tr.calls {
		got = append(got, c.URL)
	}
	if !equalStrings(got, want) {
		t.Errorf("start order = %v, want %v", got, want)
	}
}

func TestScheduler_HookOrderWithProgress(t *testing.T) {
	tr := newFakeTransport()
	tr.set("https://example.com/p", &fakeResponse{status: 200, body: "0123456789", progress: []int64{4, 10}})
	hooks := newHookLog()
	s := newTestScheduler(tr, &recordingDeliverer{})

	task, _ := s.Enqueue("https://example.com/p", "p")
	hooks.attach(task)
	if _, err := s.Run(testContext(t)); err != nil {
		t.Fatal(err)
	}

	want := []string{"start", "progress", "complete", "progress", "complete", "success", "complete"}
	if got := hooks.of(task.ID); !equalStrings(got, want) {
		t.Errorf("hooks = %v, want %v", got, want)
	}
	if loaded, total := task.Progress(); loaded != 10 || total != 10 {
		t.Errorf("Progress() = %d/%d, want 10/10", loaded, total)
	}
}

func TestScheduler_ContentTypePriority(t *testing.T) {
	tests := []struct {
		name     string
		declared string
		header   string
		want     string
	}{
		{"declared wins", "application/pdf", "text/html", "application/pdf"},
		{"header fallback", "", "image/png", "image/png"},
		{"sniffed", "", "", "text/plain; charset=utf-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			tr.set("https://example.com/f", &fakeResponse{status: 200, body: "hello", contentType: tt.header})
			d := &recordingDeliverer{}
			s := newTestScheduler(tr, d)

			s.Enqueue("https://example.com/f", "f", model.WithContentType(tt.declared))
			if _, err := s.Run(testContext(t)); err != nil {
				t.Fatal(err)
			}
			got := d.all()
			if len(got) != 1 {
				t.Fatalf("deliveries = %d", len(got))
			}
			if got[0].blob.ContentType != tt.want {
				t.Errorf("ContentType = %q, want %q", got[0].blob.ContentType, tt.want)
			}
		})
	}
}

func TestScheduler_RequestFields(t *testing.T) {
	tr := newFakeTransport()
	s := newTestScheduler(tr, &recordingDeliverer{}, WithMaxConcurrent(2))
	s.Enqueue("https://cdn.example.org/a", "a", model.WithCrossOrigin(true))
	s.Enqueue("https://example.com/b", "b")

	if _, err := s.Run(testContext(t)); err != nil {
		t.Fatal(err)
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	byURL := make(map[string]http.Request)
	for _, c := range tr.calls {
		byURL[c.URL] = c
	}
	if !byURL["https://cdn.example.org/a"].CrossOrigin {
		t.Error("cross-origin flag not forwarded")
	}
	if byURL["https://example.com/b"].CrossOrigin {
		t.Error("same-origin request marked cross-origin")
	}
	for url, c := range byURL {
		if c.Mode != model.PayloadBuffer {
			t.Errorf("%s: mode = %v, want buffer in a batch run", url, c.Mode)
		}
	}
}

func TestScheduler_CustomArchiver(t *testing.T) {
	var order []string
	var mu sync.Mutex
	d := &recordingDeliverer{}
	s := newTestScheduler(newFakeTransport(), d, WithArchiver(func() Archiver {
		return &orderArchiver{order: &order, mu: &mu}
	}))

	for _, name := range []string{"a", "b", "c"} {
		s.Enqueue("https://example.com/"+name, name)
	}
	if _, err := s.Run(testContext(t)); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"a", "b", "c"}; !equalStrings(order, want) {
		t.Errorf("archive order = %v, want %v", order, want)
	}
	if got := d.all(); len(got) != 1 || string(got[0].blob.Data) != "archive" {
		t.Errorf("deliveries = %+v", got)
	}
}

type orderArchiver struct {
	order *[]string
	mu    *sync.Mutex
}

func (a *orderArchiver) Add(folder, name string, data []byte) error {
	a.mu.Lock()
	*a.order = append(*a.order, name)
	a.mu.Unlock()
	return nil
}

func (a *orderArchiver) Finalize() (model.Blob, error) {
	return model.Blob{Data: []byte("archive")}, nil
}

func TestScheduler_Reset(t *testing.T) {
	tr := newFakeTransport()
	gate := make(chan struct{})
	defer close(gate)
	tr.set("https://example.com/hang", &fakeResponse{status: 200, body: "late", gate: gate})
	d := &recordingDeliverer{}
	hooks := newHookLog()
	s := newTestScheduler(tr, d)

	task, _ := s.Enqueue("https://example.com/hang", "hang")
	hooks.attach(task)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Run(testContext(t))
		errCh <- err
	}()

	select {
	case <-tr.started:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer never started")
	}

	s.Reset()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRunReset) {
			t.Errorf("Run() error = %v, want ErrRunReset", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Reset")
	}

	if got := hooks.of(task.ID); !equalStrings(got, []string{"start"}) {
		t.Errorf("hooks after reset = %v, want only start", got)
	}
	if len(d.all()) != 0 {
		t.Error("reset run must not deliver")
	}
	if len(s.Tasks()) != 0 || s.InFlight() != 0 {
		t.Error("Reset should clear queue and in-flight handles")
	}
	if task.State() != model.StateLoading {
		t.Errorf("abandoned task state = %v, want loading", task.State())
	}

	// The scheduler is reusable after a reset.
	s.Enqueue("https://example.com/next", "next.txt")
	res, err := s.Run(testContext(t))
	if err != nil {
		t.Fatalf("Run() after reset error = %v", err)
	}
	if !res.Delivered || res.Name != "next.txt" {
		t.Errorf("Result after reset = %+v", res)
	}
}

// blockingTransport holds every fetch until release is closed and ignores ctx.
type blockingTransport struct {
	started chan string
	release chan struct{}
}

func (b *blockingTransport) Fetch(ctx context.Context, req http.Request, onProgress func(loaded, total int64)) (*http.Response, error) {
	b.started <- req.URL
	<-b.release
	return &http.Response{StatusCode: 200, Body: []byte("late")}, nil
}

func TestScheduler_ResetWithUncancellableTransport(t *testing.T) {
	tr := &blockingTransport{started: make(chan string, 1), release: make(chan struct{})}
	defer close(tr.release)
	d := &recordingDeliverer{}
	s := newTestScheduler(tr, d)

	task, _ := s.Enqueue("https://example.com/slow", "slow.bin")

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Run(testContext(t))
		errCh <- err
	}()

	select {
	case <-tr.started:
	case <-time.After(2 * time.Second):
		t.Fatal("transfer never started")
	}

	s.Reset()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRunReset) {
			t.Errorf("Run() error = %v, want ErrRunReset", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked on a transfer abandoned by Reset")
	}

	if _, err := s.Wait(testContext(t)); !errors.Is(err, ErrRunReset) {
		t.Errorf("Wait() after reset error = %v, want ErrRunReset", err)
	}
	if task.State() != model.StateLoading {
		t.Errorf("abandoned task state = %v, want loading", task.State())
	}
	if len(d.all()) != 0 {
		t.Error("reset run must not deliver")
	}
}

func TestScheduler_ResetFromStartHook(t *testing.T) {
	tr := newFakeTransport()
	hooks := newHookLog()
	s := newTestScheduler(tr, &recordingDeliverer{}, WithMaxConcurrent(2))

	first, _ := s.Enqueue("https://example.com/1", "")
	second, _ := s.Enqueue("https://example.com/2", "")
	hooks.attach(first)
	hooks.attach(second)
	first.OnStart = func(model.Event) { s.Reset() }

	if _, err := s.Run(testContext(t)); !errors.Is(err, ErrRunReset) {
		t.Fatalf("Run() error = %v, want ErrRunReset", err)
	}

	if got := hooks.of(second.ID); len(got) != 0 {
		t.Errorf("hooks of task dropped by reset = %v, want none", got)
	}
	tr.mu.Lock()
	calls := len(tr.calls)
	tr.mu.Unlock()
	if calls != 0 {
		t.Errorf("transport calls = %d, want 0", calls)
	}
}

func TestScheduler_PromoteToBatch(t *testing.T) {
	tr := newFakeTransport()
	gate := make(chan struct{})
	tr.set("https://example.com/first", &fakeResponse{status: 200, body: "first", gate: gate})
	d := &recordingDeliverer{}
	s := newTestScheduler(tr, d, WithMaxConcurrent(2))
	ctx := testContext(t)

	first, _ := s.Enqueue("https://example.com/first", "first.txt")
	if err := s.Drive(ctx); err != nil {
		t.Fatal(err)
	}
	<-tr.started

	second, _ := s.Enqueue("https://example.com/second", "second.txt")
	if err := s.Drive(ctx); err != nil {
		t.Fatal(err)
	}
	close(gate)

	res, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !res.Batch {
		t.Error("run should have been promoted to batch")
	}

	if first.Mode() != model.PayloadBlob {
		t.Errorf("first task mode = %v, want blob", first.Mode())
	}
	if second.Mode() != model.PayloadBuffer {
		t.Errorf("second task mode = %v, want buffer", second.Mode())
	}

	got := d.all()
	if len(got) != 1 || got[0].name != DefaultArchiveName {
		t.Fatalf("deliveries = %+v", got)
	}
	entries := zipEntries(t, got[0].blob.Data)
	var names []string
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	if !equalStrings(names, []string{"first.txt", "second.txt"}) {
		t.Errorf("archive entries = %v", names)
	}
}

func TestScheduler_DeliveryError(t *testing.T) {
	diskFull := errors.New("disk full")
	d := &recordingDeliverer{err: diskFull}
	s := newTestScheduler(newFakeTransport(), d)
	s.Enqueue("https://example.com/a", "a")

	res, err := s.Run(testContext(t))
	if !errors.Is(err, diskFull) {
		t.Fatalf("Run() error = %v, want disk full", err)
	}
	if res == nil || res.Delivered {
		t.Errorf("Result = %+v", res)
	}
}

func TestScheduler_ContextCancel(t *testing.T) {
	tr := newFakeTransport()
	gate := make(chan struct{})
	defer close(gate)
	tr.set("https://example.com/hang", &fakeResponse{status: 200, gate: gate})
	hooks := newHookLog()
	s := newTestScheduler(tr, &recordingDeliverer{})

	task, _ := s.Enqueue("https://example.com/hang", "hang")
	hooks.attach(task)

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Drive(ctx); err != nil {
		t.Fatal(err)
	}
	<-tr.started
	cancel()

	res, err := s.Wait(testContext(t))
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if res.Failed != 1 || res.Delivered {
		t.Errorf("Result = %+v", res)
	}
	if !errors.Is(task.Err(), context.Canceled) {
		t.Errorf("task.Err() = %v, want context.Canceled", task.Err())
	}
	if want := []string{"start", "error", "complete"}; !equalStrings(hooks.of(task.ID), want) {
		t.Errorf("hooks = %v, want %v", hooks.of(task.ID), want)
	}
}

func TestScheduler_SetMaxConcurrent(t *testing.T) {
	s := newTestScheduler(newFakeTransport(), &recordingDeliverer{})
	if s.MaxConcurrent() != 1 {
		t.Errorf("default MaxConcurrent() = %d, want 1", s.MaxConcurrent())
	}
	s.SetMaxConcurrent(4)
	if s.MaxConcurrent() != 4 {
		t.Errorf("MaxConcurrent() = %d, want 4", s.MaxConcurrent())
	}
	s.SetMaxConcurrent(0)
	if s.MaxConcurrent() != 1 {
		t.Errorf("MaxConcurrent() = %d, want clamp to 1", s.MaxConcurrent())
	}
}

func TestScheduler_EnqueueEmptySource(t *testing.T) {
	s := newTestScheduler(newFakeTransport(), &recordingDeliverer{})
	if _, err := s.Enqueue("", "x"); !errors.Is(err, model.ErrEmptySource) {
		t.Errorf("Enqueue() error = %v, want ErrEmptySource", err)
	}
	if len(s.Tasks()) != 0 {
		t.Error("invalid task must not be queued")
	}
}

func TestDeliverFunc(t *testing.T) {
	called := false
	var d Deliverer = DeliverFunc(func(ctx context.Context, blob model.Blob, name string) error {
		called = name == "x"
		return nil
	})
	d.Deliver(context.Background(), model.Blob{}, "x")
	if !called {
		t.Error("DeliverFunc did not forward the call")
	}
}
