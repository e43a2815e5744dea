// Package memory implements the markdown-backed memory store: section-
// tagged learned facts keyed by kind, guarded by the same shared/exclusive
// lock discipline as the task store.
package memory

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// Kind is the category a memory belongs to.
type Kind string

const (
	KindPattern  Kind = "Pattern"
	KindDecision Kind = "Decision"
	KindFix      Kind = "Fix"
	KindContext  Kind = "Context"
)

// sectionOrder fixes the heading order emitted to the markdown file.
var sectionOrder = []Kind{KindPattern, KindDecision, KindFix, KindContext}

var sectionHeading = map[Kind]string{
	KindPattern:  "## Patterns",
	KindDecision: "## Decisions",
	KindFix:      "## Fixes",
	KindContext:  "## Context",
}

// Memory is a single learned fact.
type Memory struct {
	ID         string
	Kind       Kind
	Content    string
	Tags       []string
	Created    time.Time
	Confidence *float64 // optional, 0.0-1.0
}

// NewID generates a memory id of the form mem-{timestamp}-{4hex}.
func NewID(now time.Time) string {
	u := uuid.New()
	return fmt.Sprintf("mem-%d-%s", now.Unix(), hex.EncodeToString(u[:2]))
}

// Store is the markdown memory store.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore opens (creating if necessary) the memory store at path.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory store directory: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return nil, fmt.Errorf("create memory store: %w", err)
		}
	}
	return &Store{path: path}, nil
}

// All reads and parses every memory under a shared lock.
func (s *Store) All() ([]Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		return nil, fmt.Errorf("lock memory store for read: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	data, err := readAll(f)
	if err != nil {
		return nil, err
	}
	return parse(data), nil
}

// Add appends a new memory entry under the given kind's section, under an
// exclusive lock, re-reading the file first (read-modify-write).
func (s *Store) Add(m Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open memory store for write: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock memory store for write: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	data, err := readAll(f)
	if err != nil {
		return err
	}
	current := parse(data)
	current = append(current, m)

	rendered := render(current)
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate memory store: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := f.WriteString(rendered); err != nil {
		return fmt.Errorf("rewrite memory store: %w", err)
	}
	return f.Sync()
}

func readAll(f *os.File) (string, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return "", err
	}
	var sb strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		sb.WriteString(scanner.Text())
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// render writes every memory as organized markdown sections headed by
// kind; each entry is a level-3 heading with id, a block-quoted body, and
// a trailing HTML comment with tags and creation date.
func render(memories []Memory) string {
	byKind := make(map[Kind][]Memory)
	for _, m := range memories {
		byKind[m.Kind] = append(byKind[m.Kind], m)
	}

	var sb strings.Builder
	for _, kind := range sectionOrder {
		entries := byKind[kind]
		if len(entries) == 0 {
			continue
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Created.Before(entries[j].Created)
		})
		sb.WriteString(sectionHeading[kind])
		sb.WriteString("\n\n")
		for _, m := range entries {
			fmt.Fprintf(&sb, "### %s\n\n", m.ID)
			for _, line := range strings.Split(m.Content, "\n") {
				fmt.Fprintf(&sb, "> %s\n", line)
			}
			fmt.Fprintf(&sb, "\n<!-- tags: %s | created: %s -->\n\n",
				strings.Join(m.Tags, ","), m.Created.UTC().Format("2006-01-02"))
		}
	}
	return sb.String()
}

var (
	headingRe = regexp.MustCompile(`^## (Patterns|Decisions|Fixes|Context)$`)
	entryRe   = regexp.MustCompile(`^### (mem-\S+)$`)
	metaRe    = regexp.MustCompile(`^<!-- tags: (.*?) \| created: (\S+) -->$`)
)

var headingToKind = map[string]Kind{
	"Patterns":  KindPattern,
	"Decisions": KindDecision,
	"Fixes":     KindFix,
	"Context":   KindContext,
}

// parse is the inverse of render: it re-reads the organized markdown back
// into Memory records. Unrecognized lines are ignored rather than
// treated as a parse error, matching the store's tolerant reading style.
func parse(data string) []Memory {
	var out []Memory
	var currentKind Kind
	var cur *Memory
	var body []string

	flush := func() {
		if cur != nil {
			cur.Content = strings.TrimRight(strings.Join(body, "\n"), "\n")
			out = append(out, *cur)
			cur = nil
			body = nil
		}
	}

	for _, line := range strings.Split(data, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			currentKind = headingToKind[m[1]]
			continue
		}
		if m := entryRe.FindStringSubmatch(line); m != nil {
			flush()
			cur = &Memory{ID: m[1], Kind: currentKind}
			continue
		}
		if m := metaRe.FindStringSubmatch(line); m != nil && cur != nil {
			if m[1] != "" {
				cur.Tags = strings.Split(m[1], ",")
			}
			if created, err := time.Parse("2006-01-02", m[2]); err == nil {
				cur.Created = created
			}
			continue
		}
		if cur != nil && strings.HasPrefix(line, "> ") {
			body = append(body, strings.TrimPrefix(line, "> "))
		}
	}
	flush()
	return out
}
