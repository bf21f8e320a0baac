package process

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Parser turns a finished process's output into named fields. An error means the
// tool broke its output contract.
type Parser func(res Result) (map[string]any, error)

// Markers extracts "<Marker>: <value>" lines from stdout. The last occurrence of a
// marker wins. Missing required markers fail the parse; optional ones are omitted.
func Markers(required []string, optional ...string) Parser {
	return func(res Result) (map[string]any, error) {
		found := ScanMarkers(res.Stdout, append(append([]string{}, required...), optional...)...)
		out := make(map[string]any, len(found))
		for _, m := range required {
			v, ok := found[m]
			if !ok {
				return nil, fmt.Errorf("completed but %q marker is missing from output", m)
			}
			out[m] = v
		}
		for _, m := range optional {
			if v, ok := found[m]; ok {
				out[m] = v
			}
		}
		return out, nil
	}
}

// ScanMarkers returns the value of every marker line found in text.
func ScanMarkers(text string, markers ...string) map[string]string {
	found := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		for _, m := range markers {
			if v, ok := strings.CutPrefix(line, m+":"); ok {
				found[m] = strings.TrimSpace(v)
			}
		}
	}
	return found
}

// RequireFiles checks that each path exists as a regular file once the tool exits.
func RequireFiles(paths ...string) Parser {
	return func(Result) (map[string]any, error) {
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				return nil, fmt.Errorf("completed but output file is missing: %s", p)
			}
			if !info.Mode().IsRegular() {
				return nil, fmt.Errorf("completed but output is not a file: %s", p)
			}
		}
		return nil, nil
	}
}

// JSONStdout decodes stdout as one JSON document stored under key.
func JSONStdout(key string) Parser {
	return func(res Result) (map[string]any, error) {
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &v); err != nil {
			return nil, fmt.Errorf("completed but stdout is not valid JSON: %v", err)
		}
		return map[string]any{key: v}, nil
	}
}

// Chain runs parsers in order and merges their fields; the first error wins.
func Chain(parsers ...Parser) Parser {
	return func(res Result) (map[string]any, error) {
		out := map[string]any{}
		for _, p := range parsers {
			if p == nil {
				continue
			}
			fields, err := p(res)
			if err != nil {
				return nil, err
			}
			for k, v := range fields {
				out[k] = v
			}
		}
		return out, nil
	}
}
