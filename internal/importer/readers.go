// Package importer loads benchmark files into the catalog in batches.
package importer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/qrelscope/qrelscope/internal/store"
)

// maxLineBytes bounds a single input line.
const maxLineBytes = 64 << 20

// Query file formats.
const (
	FormatJSONL = "jsonl"
	FormatTSV   = "tsv"
)

// openFile opens path for reading, decompressing .gz files transparently.
func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening gzip stream %s: %w", path, err)
	}
	return &gzipFile{Reader: zr, file: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipFile) Close() error {
	g.Reader.Close()
	return g.file.Close()
}

// QueryFormat infers the query file format from its name.
func QueryFormat(path string) string {
	name := strings.TrimSuffix(path, ".gz")
	if strings.EqualFold(filepath.Ext(name), ".tsv") {
		return FormatTSV
	}
	return FormatJSONL
}

// eachLine calls fn with every non-blank line and its 1-based number.
func eachLine(r io.Reader, fn func(n int, line []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	n := 0
	for scanner.Scan() {
		n++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	return scanner.Err()
}

// ReadDocuments reads JSON lines of {"id", "title", <textField>}. The title
// may be absent or null.
func ReadDocuments(r io.Reader, textField string) ([]store.DocumentInfo, error) {
	if textField == "" {
		textField = "text"
	}
	var docs []store.DocumentInfo
	err := eachLine(r, func(_ int, line []byte) error {
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			return err
		}

		id, err := stringField(raw, "id", true)
		if err != nil {
			return err
		}
		text, err := stringField(raw, textField, true)
		if err != nil {
			return err
		}
		doc := store.DocumentInfo{ID: *id, Text: *text}
		if doc.Title, err = stringField(raw, "title", false); err != nil {
			return err
		}
		docs = append(docs, doc)
		return nil
	})
	return docs, err
}

// stringField extracts a string from a decoded object. Numeric ids are
// accepted and rendered in decimal.
func stringField(raw map[string]json.RawMessage, key string, required bool) (*string, error) {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		if required {
			return nil, fmt.Errorf("missing field %q", key)
		}
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return &s, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		s = n.String()
		return &s, nil
	}
	return nil, fmt.Errorf("field %q must be a string", key)
}

// ReadQueries reads queries as JSON lines of {"id", "text", "description"}
// or as tab-separated "id<TAB>text" rows.
func ReadQueries(r io.Reader, format string) ([]store.QueryInfo, error) {
	var queries []store.QueryInfo
	var parse func(line []byte) (store.QueryInfo, error)

	switch format {
	case FormatJSONL, "":
		parse = func(line []byte) (store.QueryInfo, error) {
			var raw map[string]json.RawMessage
			if err := json.Unmarshal(line, &raw); err != nil {
				return store.QueryInfo{}, err
			}
			id, err := stringField(raw, "id", true)
			if err != nil {
				return store.QueryInfo{}, err
			}
			text, err := stringField(raw, "text", true)
			if err != nil {
				return store.QueryInfo{}, err
			}
			desc, err := stringField(raw, "description", false)
			if err != nil {
				return store.QueryInfo{}, err
			}
			return store.QueryInfo{ID: *id, Text: *text, Description: desc}, nil
		}
	case FormatTSV:
		parse = func(line []byte) (store.QueryInfo, error) {
			id, text, ok := strings.Cut(string(line), "\t")
			if !ok {
				return store.QueryInfo{}, fmt.Errorf("expected id<TAB>text")
			}
			return store.QueryInfo{ID: strings.TrimSpace(id), Text: strings.TrimSpace(text)}, nil
		}
	default:
		return nil, fmt.Errorf("unknown query format %q", format)
	}

	err := eachLine(r, func(_ int, line []byte) error {
		q, err := parse(line)
		if err != nil {
			return err
		}
		queries = append(queries, q)
		return nil
	})
	return queries, err
}

// ReadQRels reads TREC qrels: "query_id iteration document_id relevance".
// Lines starting with # are skipped.
func ReadQRels(r io.Reader) ([]store.QRelInfo, error) {
	var qrels []store.QRelInfo
	err := eachLine(r, func(_ int, line []byte) error {
		if line[0] == '#' {
			return nil
		}
		fields := strings.Fields(string(line))
		if len(fields) != 4 {
			return fmt.Errorf("expected 4 fields, got %d", len(fields))
		}
		rel, err := strconv.Atoi(fields[3])
		if err != nil {
			return fmt.Errorf("relevance %q is not an integer", fields[3])
		}
		qrels = append(qrels, store.QRelInfo{QueryID: fields[0], DocumentID: fields[2], Relevance: rel})
		return nil
	})
	return qrels, err
}
