// Package notes implements create_note and search_notes on an Obsidian
// vault checked out on local disk, optionally kept in sync with a git remote.
package notes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Hisho/internal/hisho/action"
	"github.com/bdobrica/Hisho/internal/hisho/observability"
)

const (
	maxFileNameRunes = 200
	excerptRunes     = 100
	defaultLimit     = 5
)

// Vault runs the note actions against a directory of Markdown files.
type Vault struct {
	root   string
	folder string
	sync   Syncer
	now    func() time.Time
}

// Option configures a Vault.
type Option func(*Vault)

// WithSync pulls before every read or write and commits each created note.
// Sync failures are logged; the note operation itself still runs.
func WithSync(s Syncer) Option { return func(v *Vault) { v.sync = s } }

// NewVault returns a Vault rooted at root. New notes go to folder unless the
// call names another one.
func NewVault(root, folder string, opts ...Option) (*Vault, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open vault: %s is not a directory", root)
	}
	v := &Vault{root: root, folder: folder, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Register adds the note handlers to r.
func (v *Vault) Register(r *action.Registry) error {
	if err := r.Register(action.KindCreateNote, action.HandlerFunc(v.Create)); err != nil {
		return err
	}
	return r.Register(action.KindSearchNotes, action.HandlerFunc(v.Search))
}

type frontmatter struct {
	Title   string   `yaml:"title"`
	Created string   `yaml:"created"`
	Tags    []string `yaml:"tags,omitempty"`
}

// Create writes a new note. An existing file with the same name is never
// overwritten; the new note gets a timestamp suffix instead.
func (v *Vault) Create(ctx context.Context, params action.Params) (action.Result, error) {
	title := strings.TrimSpace(params.String("title"))
	folder := v.folder
	if f := params.String("folder"); f != "" {
		folder = f
	}
	dir, err := v.resolve(folder)
	if err != nil {
		return action.Failed(fmt.Sprintf("❌ Invalid folder %q.", folder)), nil
	}
	v.pull(ctx)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return action.Result{}, fmt.Errorf("create folder: %w", err)
	}

	content, err := render(title, params.String("content"), params.Strings("tags"), v.now())
	if err != nil {
		return action.Result{}, err
	}

	base := SanitizeFileName(title)
	path, err := writeNew(dir, base, v.now(), content)
	if err != nil {
		return action.Result{}, fmt.Errorf("write note: %w", err)
	}

	rel, _ := filepath.Rel(v.root, path)
	observability.WithTrace(ctx).Info("note created", "path", rel)
	if v.sync != nil {
		if err := v.sync.Commit(ctx, "Add note: "+title, rel); err != nil {
			observability.WithTrace(ctx).Warn("vault sync after create failed", "path", rel, "err", err)
		}
	}
	return action.Succeeded(fmt.Sprintf("📝 Note '%s' created in Obsidian", title)), nil
}

// Match is one search hit.
type Match struct {
	Title   string
	Path    string
	Excerpt string
}

// Search returns notes whose text contains query, case-insensitively.
func (v *Vault) Search(ctx context.Context, params action.Params) (action.Result, error) {
	query := strings.TrimSpace(params.String("query"))
	matches, err := v.Find(ctx, query, params.Int("limit", defaultLimit))
	if err != nil {
		return action.Result{}, err
	}
	if len(matches) == 0 {
		return action.Succeeded(fmt.Sprintf("🔍 No notes found for '%s'", query)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔍 Found %d notes:", len(matches))
	for _, m := range matches {
		fmt.Fprintf(&b, "\n• %s", m.Title)
	}
	return action.Succeeded(b.String()), nil
}

var errLimitReached = errors.New("limit reached")

// Find walks the vault in lexical order and returns up to limit matches.
// Hidden directories such as .obsidian and .git are skipped.
func (v *Vault) Find(ctx context.Context, query string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	v.pull(ctx)
	needle := strings.ToLower(query)
	var out []Match
	err := filepath.WalkDir(v.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != v.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			observability.WithTrace(ctx).Warn("skipping unreadable note", "path", path, "err", err)
			return nil
		}
		text := string(data)
		if !strings.Contains(strings.ToLower(text), needle) {
			return nil
		}
		rel, _ := filepath.Rel(v.root, path)
		out = append(out, Match{
			Title:   noteTitle(text, strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))),
			Path:    rel,
			Excerpt: Excerpt(text, query),
		})
		if len(out) >= limit {
			return errLimitReached
		}
		return nil
	})
	if err != nil && !errors.Is(err, errLimitReached) {
		return nil, fmt.Errorf("search vault: %w", err)
	}
	return out, nil
}

func (v *Vault) pull(ctx context.Context) {
	if v.sync == nil {
		return
	}
	if err := v.sync.Pull(ctx); err != nil {
		observability.WithTrace(ctx).Warn("vault sync before access failed", "err", err)
	}
}

// resolve maps a vault-relative folder to an absolute directory inside the
// vault.
func (v *Vault) resolve(folder string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(folder))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("folder %q escapes the vault", folder)
	}
	return filepath.Join(v.root, clean), nil
}

func render(title, body string, tags []string, now time.Time) ([]byte, error) {
	fm, err := yaml.Marshal(frontmatter{Title: title, Created: now.Format(time.RFC3339), Tags: tags})
	if err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}
	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n# ")
	b.WriteString(title)
	b.WriteString("\n\n")
	b.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		b.WriteByte('\n')
	}
	return b.Bytes(), nil
}

// writeNew creates base.md in dir, or base_<timestamp>.md (then with a
// counter) when the name is taken.
func writeNew(dir, base string, now time.Time, content []byte) (string, error) {
	candidates := []string{base + ".md"}
	stamp := base + "_" + now.Format("20060102_150405")
	candidates = append(candidates, stamp+".md")
	for i := 2; i <= 100; i++ {
		candidates = append(candidates, fmt.Sprintf("%s_%d.md", stamp, i))
	}
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	}
	return "", fmt.Errorf("no free file name for %q", base)
}

// SanitizeFileName replaces characters that are invalid in file names on
// common platforms and bounds the length.
func SanitizeFileName(name string) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`<>:"/\|?*`, r) || r < 0x20 {
			return '_'
		}
		return r
	}, name)
	if utf8.RuneCountInString(name) > maxFileNameRunes {
		name = string([]rune(name)[:maxFileNameRunes])
	}
	name = strings.TrimSpace(name)
	name = strings.Trim(name, ".")
	if name == "" {
		return "Untitled"
	}
	return name
}

func noteTitle(text, fallback string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return fallback
}

// Excerpt returns the text around the first case-insensitive occurrence of
// query, with ellipses where it was cut.
func Excerpt(text, query string) string {
	runes := []rune(text)
	lower := []rune(strings.ToLower(text))
	q := []rune(strings.ToLower(query))

	pos := -1
	if len(lower) == len(runes) && len(q) > 0 {
		pos = indexRunes(lower, q)
	}
	if pos < 0 {
		if len(runes) <= excerptRunes {
			return text
		}
		return string(runes[:excerptRunes]) + "..."
	}

	start := max(0, pos-excerptRunes)
	end := min(len(runes), pos+len(q)+excerptRunes)
	out := string(runes[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(runes) {
		out += "..."
	}
	return out
}

func indexRunes(haystack, needle []rune) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
