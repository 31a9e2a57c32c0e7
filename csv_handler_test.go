package auditlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

//revive:disable:cyclomatic High complexity acceptable in tests
//revive:disable:function-length Long test functions are acceptable

func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func secureCSVConfig(dir string, every int) CSVConfig {
	return CSVConfig{
		Dir:    dir,
		Topics: map[string][]string{"login": {"user", "id"}},
		Security: CSVSecurity{
			Enabled:        true,
			KeyStore:       filepath.Join(dir, "main.keystore"),
			Password:       "pw",
			Algorithm:      AlgorithmEd25519,
			SignatureEvery: every,
		},
	}
}

func newTestCSVHandler(t *testing.T, cfg CSVConfig, opts ...Option) *CSVHandler {
	t.Helper()
	h, err := NewCSVHandler(cfg, append([]Option{WithClock(steppingClock())}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func publishLogins(t *testing.T, h *CSVHandler, from, n int) {
	t.Helper()
	for i := from; i < from+n; i++ {
		ev := NewEvent("login", map[string]any{"id": i, "user": fmt.Sprintf("user%d", i)})
		if err := h.Publish(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
}

func testVerifier(t *testing.T, h *CSVHandler, topic string) *ArchiveVerifier {
	t.Helper()
	ks, err := LoadKeyStore(h.cfg.Security.KeyStore, h.cfg.Security.Password)
	if err != nil {
		t.Fatal(err)
	}
	storage, err := NewVerifyOnlySecureStorage(ks)
	if err != nil {
		t.Fatal(err)
	}
	v, err := NewArchiveVerifier(h.Policy(topic), storage, h.cfg.Delimiter)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestCSVHandler_HeaderFromConfig(t *testing.T) {
	dir := t.TempDir()
	h := newTestCSVHandler(t, secureCSVConfig(dir, 0))
	publishLogins(t, h, 1, 1)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	rows := readRows(t, h.Policy("login").Live())
	want := []string{"id", "user", "HMAC"}
	if !reflect.DeepEqual(rows[0], want) {
		t.Errorf("Expected header %v, got %v", want, rows[0])
	}
}

func TestCSVHandler_HeaderFromEvent(t *testing.T) {
	dir := t.TempDir()
	h := newTestCSVHandler(t, CSVConfig{Dir: dir, Prefix: "app-"})
	ev := NewEvent("access", map[string]any{"path": "/x", "method": "GET", "client": map[string]any{"ip": "1.2.3.4"}})
	if err := h.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	live := filepath.Join(dir, "app-access.csv")
	rows := readRows(t, live)
	want := []string{"client.ip", "method", "path"}
	if !reflect.DeepEqual(rows[0], want) {
		t.Errorf("Expected header %v, got %v", want, rows[0])
	}
	if !reflect.DeepEqual(rows[1], []string{"1.2.3.4", "GET", "/x"}) {
		t.Errorf("unexpected row %v", rows[1])
	}
}

func TestCSVHandler_RotationCarriesChain(t *testing.T) {
	dir := t.TempDir()
	h := newTestCSVHandler(t, secureCSVConfig(dir, 2))

	publishLogins(t, h, 1, 3)
	if err := h.Rotate("login"); err != nil {
		t.Fatal(err)
	}
	publishLogins(t, h, 4, 2)
	if err := h.Rotate("login"); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	archives, err := h.Policy("login").ListArchives()
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 2 {
		t.Fatalf("Expected 2 archives, got %v", archives)
	}
	for _, a := range archives {
		if _, err := os.Stat(KeyStorePath(a)); err != nil {
			t.Errorf("archive %s has no chain keystore: %v", a, err)
		}
	}

	first := readRows(t, archives[0])
	second := readRows(t, archives[1])
	lastOfFirst := first[len(first)-1]
	carry := second[1]
	if carry[0] != "" || carry[1] != "" {
		t.Fatalf("second archive does not start with a carry-over row: %v", carry)
	}
	if carry[3] != lastOfFirst[3] {
		t.Error("carried signature differs from the first archive's last signature")
	}

	results, err := testVerifier(t, h, "login").Verify()
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("unexpected failure: %s", r)
		}
	}

	live := readRows(t, h.Policy("login").Live())
	if len(live) != 2 || live[1][0] != "" {
		t.Errorf("live file should hold only the header and a carry-over row, got %v", live)
	}
}

func TestCSVHandler_RotationKeepsCarryOverWhenReopenFails(t *testing.T) {
	dir := t.TempDir()
	var broken atomic.Bool
	opener := func(path string) (appendFile, error) {
		if broken.Load() {
			return nil, errors.New("no file descriptors")
		}
		return openAppend(path)
	}
	h := newTestCSVHandler(t, secureCSVConfig(dir, 2), withFileOpener(opener))

	publishLogins(t, h, 1, 3)
	broken.Store(true)
	if err := h.Rotate("login"); err == nil {
		t.Fatal("Expected rotation error")
	}
	if ev := NewEvent("login", map[string]any{"id": 9, "user": "x"}); h.Publish(context.Background(), ev) == nil {
		t.Fatal("Expected publish error while the file cannot be opened")
	}
	broken.Store(false)

	publishLogins(t, h, 4, 2)
	if err := h.Rotate("login"); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	archives, err := h.Policy("login").ListArchives()
	if err != nil {
		t.Fatal(err)
	}
	if len(archives) != 2 {
		t.Fatalf("Expected 2 archives, got %v", archives)
	}
	second := readRows(t, archives[1])
	if len(second) < 2 || second[1][0] != "" || second[1][1] != "" {
		t.Fatalf("second archive does not start with a carry-over row: %v", second)
	}
	results, err := testVerifier(t, h, "login").Verify()
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("unexpected failure: %s", r)
		}
	}
}

func TestCSVHandler_PendingCarryOverWrittenOnClose(t *testing.T) {
	dir := t.TempDir()
	var broken atomic.Bool
	opener := func(path string) (appendFile, error) {
		if broken.Load() {
			return nil, errors.New("no file descriptors")
		}
		return openAppend(path)
	}
	h := newTestCSVHandler(t, secureCSVConfig(dir, 0), withFileOpener(opener))

	publishLogins(t, h, 1, 2)
	broken.Store(true)
	if err := h.Rotate("login"); err == nil {
		t.Fatal("Expected rotation error")
	}
	broken.Store(false)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	live := readRows(t, h.Policy("login").Live())
	if len(live) != 2 || live[1][0] != "" || live[1][2] == "" {
		t.Errorf("live file should hold the header and a carry-over row, got %v", live)
	}
}

func TestCSVHandler_SizeRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := secureCSVConfig(dir, 1)
	cfg.MaxFileSize = 1
	h := newTestCSVHandler(t, cfg)

	publishLogins(t, h, 1, 3)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	results, err := testVerifier(t, h, "login").Verify()
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected one archive per event, got %d", len(results))
	}
	for _, r := range results {
		if !r.Passed {
			t.Errorf("unexpected failure: %s", r)
		}
	}
}

func TestCSVHandler_ConcurrentPublish(t *testing.T) {
	dir := t.TempDir()
	h := newTestCSVHandler(t, secureCSVConfig(dir, 5))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ev := NewEvent("login", map[string]any{"id": g*100 + i, "user": "u"})
				if err := h.Publish(context.Background(), ev); err != nil {
					t.Error(err)
				}
			}
		}(g)
	}
	wg.Wait()
	if err := h.Rotate("login"); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	results, err := testVerifier(t, h, "login").Verify()
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !results[0].Passed {
		t.Fatalf("concurrent appends broke the chain: %v", results)
	}
	if rows := readRows(t, results[0].File); len(rows) < 81 {
		t.Errorf("Expected 80 data rows plus header, got %d rows", len(rows))
	}
}

func TestCSVHandler_Flush(t *testing.T) {
	dir := t.TempDir()
	h := newTestCSVHandler(t, secureCSVConfig(dir, 0))

	batch := Batch{Records: []BufferedRecord{
		{Topic: "login", Event: NewEvent("login", map[string]any{"id": 1, "user": "a"})},
		{Topic: "logout", Event: NewEvent("logout", map[string]any{"user": "a"})},
		{Topic: "login", Event: NewEvent("login", map[string]any{"other": "x"})},
		{Topic: "login", Event: NewEvent("login", map[string]any{"id": 2, "user": "b"})},
	}}
	res := h.Flush(context.Background(), batch)
	if res.Err != nil || len(res.Retry) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Event.ID != batch.Records[2].Event.ID {
		t.Errorf("record without values should be rejected, got %+v", res.Rejected)
	}
	if got := h.Topics(); !reflect.DeepEqual(got, []string{"login", "logout"}) {
		t.Errorf("unexpected topics %v", got)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if rows := readRows(t, h.Policy("login").Live()); len(rows) != 3 {
		t.Errorf("record without values should be skipped, got %d rows", len(rows))
	}
}

func TestCSVHandler_FlushAfterClose(t *testing.T) {
	h := newTestCSVHandler(t, CSVConfig{Dir: t.TempDir()})
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	batch := Batch{Records: []BufferedRecord{
		{Topic: "a", Event: NewEvent("a", map[string]any{"x": 1})},
		{Topic: "a", Event: NewEvent("a", map[string]any{"x": 2})},
	}}
	res := h.Flush(context.Background(), batch)
	if !errors.Is(res.Err, ErrHandlerClosed) {
		t.Errorf("Expected ErrHandlerClosed, got %v", res.Err)
	}
	if len(res.Retry) != 2 {
		t.Errorf("Expected both records back for retry, got %d", len(res.Retry))
	}
}

func TestCSVHandler_ResumeAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := secureCSVConfig(dir, 3)

	h := newTestCSVHandler(t, cfg)
	publishLogins(t, h, 1, 2)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	h = newTestCSVHandler(t, cfg)
	publishLogins(t, h, 3, 2)
	if err := h.Rotate("login"); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	results, err := testVerifier(t, h, "login").Verify()
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !results[0].Passed {
		t.Fatalf("restart broke the chain: %v", results)
	}
}

func TestCSVHandler_RawValuesSurviveVerifyAndResume(t *testing.T) {
	dir := t.TempDir()
	cfg := secureCSVConfig(dir, 2)
	users := []string{"line1\r\nline2", "lone\rcr", "bad \xff utf8", `quote at end"`, "lf\n"}

	h := newTestCSVHandler(t, cfg)
	for i, u := range users[:3] {
		if err := h.Publish(context.Background(), NewEvent("login", map[string]any{"id": i, "user": u})); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	h = newTestCSVHandler(t, cfg)
	for i, u := range users[3:] {
		if err := h.Publish(context.Background(), NewEvent("login", map[string]any{"id": i + 3, "user": u})); err != nil {
			t.Fatalf("publish after restart: %v", err)
		}
	}
	if err := h.Rotate("login"); err != nil {
		t.Fatal(err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}

	archives, err := h.Policy("login").ListArchives()
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, row := range readRows(t, archives[0])[1:] {
		if row[0] != "" {
			got = append(got, row[1])
		}
	}
	if !reflect.DeepEqual(got, users) {
		t.Errorf("Expected %q, got %q", users, got)
	}

	results, err := testVerifier(t, h, "login").Verify()
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !results[0].Passed {
		t.Fatalf("untampered archive failed: %v", results)
	}
}
