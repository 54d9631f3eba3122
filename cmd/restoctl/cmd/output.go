package cmd

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"go.pilab.hu/restodb/domain"
)

// printResult writes v to stdout in the selected output format. Values go
// through JSON first so yaml output uses the same field names.
func printResult(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	switch strings.ToLower(outputFormat) {
	case "json":
		_, err = fmt.Fprintln(out, string(data))
		return err
	case "yaml", "yml", "":
		var tree any
		if err := json.Unmarshal(data, &tree); err != nil {
			return err
		}
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(tree); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q", outputFormat)
}

// readInput returns inline data, the contents of file, or stdin for "-".
func readInput(inline, file string) ([]byte, error) {
	switch {
	case inline != "":
		return []byte(inline), nil
	case file == "-":
		return io.ReadAll(os.Stdin)
	case file != "":
		return os.ReadFile(file)
	}
	return nil, fmt.Errorf("provide a document with --data or --file")
}

// decodeDocuments accepts one JSON object or an array of objects.
func decodeDocuments(data []byte) ([]domain.Document, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var docs []domain.Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("invalid document array: %w", err)
		}
		for i, d := range docs {
			if d == nil {
				return nil, fmt.Errorf("document %d is not an object", i)
			}
		}
		return docs, nil
	}
	var doc domain.Document
	if err := json.Unmarshal(data, &doc); err != nil || doc == nil {
		return nil, fmt.Errorf("document must be a JSON object or array")
	}
	return []domain.Document{doc}, nil
}

// whereParams turns repeated field=value flags into query parameters.
func whereParams(where []string, sortBy string, limit int) (url.Values, error) {
	params := url.Values{}
	for _, w := range where {
		key, value, ok := strings.Cut(w, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--where expects field=value or field__op=value, got %q", w)
		}
		params.Add(key, value)
	}
	if sortBy != "" {
		params.Set("sort", sortBy)
	}
	if limit >= 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	return params, nil
}
