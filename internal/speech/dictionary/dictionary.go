// Package dictionary holds user-edited pronunciation corrections applied to
// text before speech synthesis, e.g. "漢字" → "かんじ".
//
// Entries live in a JSON object file ({"word": "reading"}) that is rewritten
// after every mutation. A Dictionary opened with an empty path is purely in
// memory.
package dictionary

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// ErrEmptyEntry is returned by [Dictionary.Add] when word or reading is blank.
var ErrEmptyEntry = errors.New("dictionary: word and reading must not be empty")

// ErrNotFound is returned by [Dictionary.Remove] for an unknown word.
var ErrNotFound = errors.New("dictionary: word not found")

// Entry is one correction.
type Entry struct {
	Word    string `json:"word"`
	Reading string `json:"reading"`
}

// Option configures a [Dictionary].
type Option func(*Dictionary)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dictionary) { d.log = l }
}

// Dictionary is safe for concurrent use.
type Dictionary struct {
	path string
	log  *slog.Logger

	mu      sync.RWMutex
	entries map[string]string
	// order caches the entries longest word first; nil when stale.
	order []Entry
}

// Open loads the dictionary at path. A missing file yields an empty
// dictionary that is created on the first mutation.
func Open(path string, opts ...Option) (*Dictionary, error) {
	d := &Dictionary{path: path, entries: map[string]string{}}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if path == "" {
		return d, nil
	}
	entries, err := readFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		d.log.Info("pronunciation dictionary not found, starting empty", "path", path)
		return d, nil
	}
	if err != nil {
		return nil, err
	}
	d.entries = entries
	d.log.Info("pronunciation dictionary loaded", "path", path, "entries", len(entries))
	return d, nil
}

// New returns an in-memory dictionary seeded with entries.
func New(entries map[string]string) *Dictionary {
	d := &Dictionary{entries: make(map[string]string, len(entries)), log: slog.Default()}
	for w, r := range entries {
		if w != "" && r != "" {
			d.entries[w] = r
		}
	}
	return d
}

// Path returns the backing file, or "" for an in-memory dictionary.
func (d *Dictionary) Path() string { return d.path }

// Len returns the number of entries.
func (d *Dictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Add inserts or replaces word and persists.
func (d *Dictionary) Add(word, reading string) error {
	word, reading = strings.TrimSpace(word), strings.TrimSpace(reading)
	if word == "" || reading == "" {
		return ErrEmptyEntry
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[word] = reading
	d.order = nil
	return d.saveLocked()
}

// Remove deletes word and persists.
func (d *Dictionary) Remove(word string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[word]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, word)
	}
	delete(d.entries, word)
	d.order = nil
	return d.saveLocked()
}

// Get returns the reading for word.
func (d *Dictionary) Get(word string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.entries[word]
	return r, ok
}

// List returns every entry sorted by word.
func (d *Dictionary) List() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, len(d.entries))
	for w, r := range d.entries {
		out = append(out, Entry{Word: w, Reading: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Word < out[j].Word })
	return out
}

// Clear removes every entry and persists.
func (d *Dictionary) Clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = map[string]string{}
	d.order = nil
	return d.saveLocked()
}

// Replace swaps the whole entry set, as done on a config reload, and
// persists.
func (d *Dictionary) Replace(entries map[string]string) error {
	next := make(map[string]string, len(entries))
	for w, r := range entries {
		if w != "" && r != "" {
			next[w] = r
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = next
	d.order = nil
	return d.saveLocked()
}

// Apply replaces every occurrence of each word with its reading. Longer words
// go first so "東京都" wins over "東京"; each replacement sees the output of
// the previous one.
func (d *Dictionary) Apply(text string) string {
	if text == "" {
		return text
	}
	d.mu.Lock()
	if d.order == nil {
		d.order = longestFirst(d.entries)
	}
	order := d.order
	d.mu.Unlock()

	out := text
	for _, e := range order {
		out = strings.ReplaceAll(out, e.Word, e.Reading)
	}
	if out != text {
		d.log.Debug("pronunciation dictionary applied", "before", text, "after", out)
	}
	return out
}

// Export writes the entries to path in the dictionary file format.
func (d *Dictionary) Export(path string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := writeFile(path, d.entries); err != nil {
		return err
	}
	d.log.Info("pronunciation dictionary exported", "path", path, "entries", len(d.entries))
	return nil
}

// Import merges the entries of the file at path, overwriting existing words,
// persists, and returns how many entries the file held.
func (d *Dictionary) Import(path string) (int, error) {
	in, err := readFile(path)
	if err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for w, r := range in {
		if w != "" && r != "" {
			d.entries[w] = r
		}
	}
	d.order = nil
	if err := d.saveLocked(); err != nil {
		return len(in), err
	}
	d.log.Info("pronunciation dictionary imported", "path", path, "entries", len(in))
	return len(in), nil
}

// saveLocked persists the entries; must be called with d.mu held.
func (d *Dictionary) saveLocked() error {
	if d.path == "" {
		return nil
	}
	return writeFile(d.path, d.entries)
}

// longestFirst orders entries by descending word length in runes, then
// lexically so the result is deterministic.
func longestFirst(m map[string]string) []Entry {
	out := make([]Entry, 0, len(m))
	for w, r := range m {
		out = append(out, Entry{Word: w, Reading: r})
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(out[i].Word), utf8.RuneCountInString(out[j].Word)
		if li != lj {
			return li > lj
		}
		return out[i].Word < out[j].Word
	})
	return out
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dictionary: read %s: %w", path, err)
	}
	entries := map[string]string{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("dictionary: decode %s: %w", path, err)
	}
	return entries, nil
}

// writeFile writes atomically through a temp file in the same directory.
func writeFile(path string, entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("dictionary: encode: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("dictionary: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".dictionary-*.json")
	if err != nil {
		return fmt.Errorf("dictionary: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("dictionary: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("dictionary: write: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("dictionary: replace %s: %w", path, err)
	}
	return nil
}
