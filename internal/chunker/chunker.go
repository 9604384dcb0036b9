// Package chunker splits raw document text into retrievable units.
//
// Text is first cut at markdown headings of depth one to three. A section
// longer than the configured chunk size is further split by a recursive
// character splitter with overlap carried between consecutive pieces.
package chunker

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/rag-explorer/backend/internal/storage/models"
	"github.com/rag-explorer/backend/pkg/config"
)

const (
	MetaTitle        = "title"
	MetaSource       = "source"
	MetaFileName     = "fileName"
	MetaSectionTitle = "sectionTitle"
	MetaSectionIndex = "sectionIndex"
)

var (
	headingPattern = regexp.MustCompile(`^(#{1,3})[ \t]+(.*?)[ \t#]*$`)
	titlePattern   = regexp.MustCompile(`(?m)^#[ \t]+(.*?)[ \t#]*$`)
)

type Chunker struct {
	chunkSize int
	splitter  textsplitter.RecursiveCharacter
}

func New(cfg config.ChunkingConfig) (*Chunker, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive", models.ErrInvalidInput)
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("%w: chunk overlap must be in [0, %d)", models.ErrInvalidInput, cfg.ChunkSize)
	}

	return &Chunker{
		chunkSize: cfg.ChunkSize,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.ChunkSize),
			textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
			textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
		),
	}, nil
}

type section struct {
	title string
	body  string
}

// Chunk returns the document's chunks in order. Empty input yields none.
func (c *Chunker) Chunk(rawText, sourceName string) ([]models.ChunkInput, error) {
	return c.ChunkWithTitle(rawText, sourceName, "")
}

// ChunkWithTitle is Chunk with the document title already known. An empty
// title falls back to Title.
func (c *Chunker) ChunkWithTitle(rawText, sourceName, title string) ([]models.ChunkInput, error) {
	rawText = strings.ReplaceAll(rawText, "\r\n", "\n")
	if strings.TrimSpace(rawText) == "" {
		return nil, nil
	}

	fileName := filepath.Base(sourceName)
	if title == "" {
		title = Title(rawText, sourceName)
	}

	var chunks []models.ChunkInput
	for i, sec := range splitSections(rawText) {
		sectionTitle := sec.title
		if sectionTitle == "" {
			sectionTitle = fmt.Sprintf("Section %d", i+1)
		}

		pieces := []string{sec.body}
		if utf8.RuneCountInString(sec.body) > c.chunkSize {
			split, err := c.splitter.SplitText(sec.body)
			if err != nil {
				return nil, fmt.Errorf("failed to split section %q: %w", sectionTitle, err)
			}
			pieces = split
		}

		for _, piece := range pieces {
			if strings.TrimSpace(piece) == "" {
				continue
			}
			chunks = append(chunks, models.ChunkInput{
				Text: piece,
				Metadata: map[string]any{
					MetaTitle:        title,
					MetaSource:       sourceName,
					MetaFileName:     fileName,
					MetaSectionTitle: sectionTitle,
					MetaSectionIndex: len(chunks),
				},
			})
		}
	}

	return chunks, nil
}

// Title is the first top-level heading, or the source's file name.
func Title(rawText, sourceName string) string {
	if m := titlePattern.FindStringSubmatch(rawText); m != nil && strings.TrimSpace(m[1]) != "" {
		return strings.TrimSpace(m[1])
	}
	return filepath.Base(sourceName)
}

// splitSections cuts at heading lines. Each section keeps its heading line so
// the chunk text stays self-describing. Blank sections are dropped.
func splitSections(text string) []section {
	var (
		sections []section
		current  section
		lines    []string
	)

	flush := func() {
		body := strings.TrimSpace(strings.Join(lines, "\n"))
		if body != "" {
			current.body = body
			sections = append(sections, current)
		}
	}

	for _, line := range strings.Split(text, "\n") {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			flush()
			current = section{title: strings.TrimSpace(m[2])}
			lines = []string{line}
			continue
		}
		lines = append(lines, line)
	}
	flush()

	return sections
}
