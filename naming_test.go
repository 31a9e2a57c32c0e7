package auditlog

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestFileNamingPolicy_Paths(t *testing.T) {
	p := FileNamingPolicy{Dir: "/var/audit", Prefix: "app-", Topic: "login"}
	if got := p.Live(); got != "/var/audit/app-login.csv" {
		t.Errorf("unexpected live path %s", got)
	}
	at := time.Date(2024, 3, 5, 7, 8, 9, 10_000_000, time.UTC)
	if got := p.Archive(at); got != "/var/audit/app-login.csv-2024.03.05-07.08.09.010" {
		t.Errorf("unexpected archive path %s", got)
	}
	parsed, ok := p.ArchiveTime(p.Archive(at))
	if !ok || !parsed.Equal(at) {
		t.Errorf("ArchiveTime = %v, %v", parsed, ok)
	}
	for _, name := range []string{"app-login.csv", "app-login.csv.keystore", "app-login.csv-garbage", "other.csv-2024.03.05-07.08.09.010"} {
		if _, ok := p.ArchiveTime(filepath.Join(p.Dir, name)); ok {
			t.Errorf("%s should not parse as an archive", name)
		}
	}
	if got := KeyStorePath("/x/a.csv"); got != "/x/a.csv.keystore" {
		t.Errorf("unexpected keystore path %s", got)
	}
}

func TestFileNamingPolicy_ListArchivesChronological(t *testing.T) {
	dir := t.TempDir()
	p := FileNamingPolicy{Dir: dir, Topic: "login", Suffix: ".2006-01-02"}
	days := []time.Time{
		time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC),
		time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	for _, d := range days {
		if err := os.WriteFile(p.Archive(d), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(KeyStorePath(p.Archive(d)), []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(p.Live(), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := p.ListArchives()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{p.Archive(days[1]), p.Archive(days[2]), p.Archive(days[0])}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestFileNamingPolicy_NextArchiveAvoidsCollision(t *testing.T) {
	dir := t.TempDir()
	p := FileNamingPolicy{Dir: dir, Topic: "login"}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := os.WriteFile(p.Archive(at), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	next, err := p.NextArchive(at)
	if err != nil {
		t.Fatal(err)
	}
	if next != p.Archive(at.Add(time.Millisecond)) {
		t.Errorf("unexpected archive %s", next)
	}
}

func TestSortFields(t *testing.T) {
	got := sortFields([]string{"b", "B", "a", "é", "e"}, "en")
	want := []string{"a", "b", "B", "e", "é"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}
