package llm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/qrelscope/qrelscope/internal/pkg/errors"
	"github.com/qrelscope/qrelscope/internal/store"
)

// Template is a parsed summary prompt. Fields are written {title} and
// {text}; {{ and }} produce literal braces.
type Template struct {
	parts []part
}

type part struct {
	literal string
	field   string // "title" or "text"; empty for literals
}

// ParseTemplate parses a summary prompt template. Any field other than
// title and text, or an unbalanced brace, makes the template malformed.
func ParseTemplate(src string) (*Template, error) {
	t := &Template{}
	var lit strings.Builder
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '{' && i+1 < len(src) && src[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(src) && src[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(src[i+1:], '}')
			if end < 0 {
				return nil, malformedTemplate("unterminated field")
			}
			field := src[i+1 : i+1+end]
			// conversions and format specs are accepted and ignored
			if j := strings.IndexAny(field, "!:"); j >= 0 {
				field = field[:j]
			}
			if field != "title" && field != "text" {
				return nil, malformedTemplate(fmt.Sprintf("unknown field %q", field))
			}
			if lit.Len() > 0 {
				t.parts = append(t.parts, part{literal: lit.String()})
				lit.Reset()
			}
			t.parts = append(t.parts, part{field: field})
			i += end + 1
		case c == '}':
			return nil, malformedTemplate("single '}' encountered")
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		t.parts = append(t.parts, part{literal: lit.String()})
	}
	return t, nil
}

func malformedTemplate(reason string) error {
	return errors.MalformedError("summary prompt template is malformed").WithDetail("reason", reason)
}

// Render fills the template with a document. A missing title renders empty.
func (t *Template) Render(title *string, text string) string {
	var sb strings.Builder
	for _, p := range t.parts {
		switch p.field {
		case "title":
			if title != nil {
				sb.WriteString(*title)
			}
		case "text":
			sb.WriteString(text)
		default:
			sb.WriteString(p.literal)
		}
	}
	return sb.String()
}

// RAGPrompt assembles the question and numbered context documents.
func RAGPrompt(question string, documents []store.DocumentInfo) string {
	var sb strings.Builder
	sb.WriteString("Answer the following question given the context documents below.\n\n")
	sb.WriteString("Question: " + question + "\n\n")
	sb.WriteString("Context documents:\n\n")

	for i, doc := range documents {
		n := strconv.Itoa(i + 1)
		title := ""
		if doc.Title != nil {
			title = *doc.Title
		}
		sb.WriteString("---------- DOCUMENT " + n + "\n")
		sb.WriteString("Title: " + title + "\n\n")
		sb.WriteString("Text: " + doc.Text + "\n")
		sb.WriteString("---------- END: DOCUMENT " + n + "\n")
	}
	return sb.String()
}
