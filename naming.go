package auditlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultArchiveSuffix is the time layout appended to rotated files.
const DefaultArchiveSuffix = "-2006.01.02-15.04.05.000"

// keyStoreExt is appended to a CSV file name to name its chain keystore.
const keyStoreExt = ".keystore"

// FileNamingPolicy names the live file of a topic and its archives:
// <dir>/<prefix><topic>.csv and <dir>/<prefix><topic>.csv<suffix>.
type FileNamingPolicy struct {
	Dir    string
	Prefix string
	Topic  string
	Suffix string
}

func (p FileNamingPolicy) suffix() string {
	if p.Suffix == "" {
		return DefaultArchiveSuffix
	}
	return p.Suffix
}

func (p FileNamingPolicy) base() string { return p.Prefix + p.Topic + ".csv" }

// Live returns the path of the file currently written.
func (p FileNamingPolicy) Live() string { return filepath.Join(p.Dir, p.base()) }

// Archive returns the archive path for a file rotated at t.
func (p FileNamingPolicy) Archive(t time.Time) string {
	return p.Live() + t.Format(p.suffix())
}

// NextArchive returns an unused archive path for a rotation at t.
func (p FileNamingPolicy) NextArchive(t time.Time) (string, error) {
	for i := 0; i < 1000; i++ {
		path := p.Archive(t)
		if _, err := os.Lstat(path); os.IsNotExist(err) {
			return path, nil
		}
		t = t.Add(time.Millisecond)
	}
	return "", fmt.Errorf("no free archive name for %s", p.Live())
}

// ArchiveTime parses the rotation time out of an archive path.
func (p FileNamingPolicy) ArchiveTime(path string) (time.Time, bool) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, p.base()) || strings.HasSuffix(name, keyStoreExt) {
		return time.Time{}, false
	}
	rest := strings.TrimPrefix(name, p.base())
	if rest == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(p.suffix(), rest)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ListArchives returns the topic's archives in chronological order.
func (p FileNamingPolicy) ListArchives() ([]string, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	type archive struct {
		path string
		at   time.Time
	}
	var found []archive
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(p.Dir, e.Name())
		if at, ok := p.ArchiveTime(path); ok {
			found = append(found, archive{path: path, at: at})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].at.Equal(found[j].at) {
			return found[i].at.Before(found[j].at)
		}
		return found[i].path < found[j].path
	})
	out := make([]string, len(found))
	for i, a := range found {
		out[i] = a.path
	}
	return out, nil
}

// KeyStorePath returns the chain keystore path of a CSV file.
func KeyStorePath(file string) string { return file + keyStoreExt }
