package summary

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Summary struct {
	SessionID              string    `yaml:"session_id" json:"session_id"`
	SessionNumber          int       `yaml:"session_number" json:"session_number"`
	Focus                  string    `yaml:"focus,omitempty" json:"focus,omitempty"`
	StartedAt              time.Time `yaml:"started_at" json:"started_at"`
	EndedAt                time.Time `yaml:"ended_at" json:"ended_at"`
	StepsTouched           []int     `yaml:"steps_touched" json:"steps_touched"`
	Decisions              []string  `yaml:"decisions" json:"decisions"`
	EntitiesCreated        []string  `yaml:"entities_created" json:"entities_created"`
	EntitiesModified       []string  `yaml:"entities_modified" json:"entities_modified"`
	ContradictionsFound    []string  `yaml:"contradictions_found" json:"contradictions_found"`
	ContradictionsResolved []string  `yaml:"contradictions_resolved" json:"contradictions_resolved"`
	Notes                  string    `yaml:"-" json:"notes,omitempty"`
	SourceFile             string    `yaml:"-" json:"file,omitempty"`
}

var (
	ErrNoFrontmatter  = errors.New("no frontmatter found")
	ErrInvalidYAML    = errors.New("invalid YAML in frontmatter")
	ErrMissingSession = errors.New("frontmatter missing required 'session_id' field")
)

func FileName(date time.Time, number int) string {
	return fmt.Sprintf("session-%s-%03d.md", date.UTC().Format("2006-01-02"), number)
}

// Render writes s as YAML frontmatter followed by a markdown body. The
// frontmatter plus the Summary section is enough to parse it back.
func Render(s *Summary) ([]byte, error) {
	normalize(s)
	front, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling session frontmatter: %w", err)
	}

	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(front)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "# Session %d\n\n", s.SessionNumber)
	if s.Focus != "" {
		fmt.Fprintf(&b, "Focus: %s\n\n", s.Focus)
	}
	fmt.Fprintf(&b, "Started %s, ended %s.\n", s.StartedAt.UTC().Format(time.RFC1123), s.EndedAt.UTC().Format(time.RFC1123))
	if strings.TrimSpace(s.Notes) != "" {
		b.WriteString("\n## Summary\n\n")
		b.WriteString(strings.TrimSpace(s.Notes))
		b.WriteString("\n")
	}

	steps := make([]string, 0, len(s.StepsTouched))
	for _, step := range s.StepsTouched {
		steps = append(steps, fmt.Sprintf("%d", step))
	}
	section(&b, "Steps touched", steps)
	section(&b, "Decisions", s.Decisions)
	section(&b, "Entities created", s.EntitiesCreated)
	section(&b, "Entities modified", s.EntitiesModified)
	section(&b, "Contradictions found", s.ContradictionsFound)
	section(&b, "Contradictions resolved", s.ContradictionsResolved)
	return b.Bytes(), nil
}

func section(b *bytes.Buffer, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

func normalize(s *Summary) {
	if s.StepsTouched == nil {
		s.StepsTouched = []int{}
	}
	sort.Ints(s.StepsTouched)
	for _, list := range []*[]string{&s.Decisions, &s.EntitiesCreated, &s.EntitiesModified, &s.ContradictionsFound, &s.ContradictionsResolved} {
		if *list == nil {
			*list = []string{}
		}
	}
}

func ParseFile(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	s, err := Parse(data)
	if err != nil {
		return nil, err
	}
	s.SourceFile = path
	return s, nil
}

func Parse(content []byte) (*Summary, error) {
	trimmed := bytes.TrimLeft(content, "\ufeff\n\r\t ")
	if !bytes.HasPrefix(trimmed, []byte("---\n")) {
		return nil, ErrNoFrontmatter
	}

	rest := trimmed[len("---\n"):]
	end := bytes.Index(rest, []byte("---\n"))
	if end == -1 {
		return nil, ErrNoFrontmatter
	}

	var s Summary
	if err := yaml.Unmarshal(rest[:end], &s); err != nil {
		return nil, ErrInvalidYAML
	}
	if strings.TrimSpace(s.SessionID) == "" {
		return nil, ErrMissingSession
	}
	s.Notes = notesFrom(string(rest[end+len("---\n"):]))
	normalize(&s)
	return &s, nil
}

func notesFrom(body string) string {
	_, after, ok := strings.Cut(body, "## Summary\n")
	if !ok {
		return ""
	}
	if i := strings.Index(after, "\n## "); i >= 0 {
		after = after[:i]
	}
	return strings.TrimSpace(after)
}

// List parses every session summary in dir, ordered by session number.
// Paths of unparsable files are returned separately.
func List(dir string) ([]*Summary, []string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "session-*.md"))
	if err != nil {
		return nil, nil, fmt.Errorf("listing session summaries: %w", err)
	}
	summaries := make([]*Summary, 0, len(matches))
	var bad []string
	for _, path := range matches {
		s, err := ParseFile(path)
		if err != nil {
			bad = append(bad, path)
			continue
		}
		summaries = append(summaries, s)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].SessionNumber < summaries[j].SessionNumber
	})
	return summaries, bad, nil
}
