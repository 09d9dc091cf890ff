// internal/userscript/parse.go
package userscript

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	headerOpen  = "==UserScript=="
	headerClose = "==/UserScript=="
)

var (
	// ErrNoHeader is returned when the source has no ==UserScript== block.
	ErrNoHeader = errors.New("userscript: metadata block not found")
	// ErrMissingName is returned when the metadata block has no @name.
	ErrMissingName = errors.New("userscript: @name is required")
)

// Parse extracts a Descriptor from annotated userscript source. The returned descriptor
// is enabled, carries order 0 and has its ID derived from namespace and name.
func Parse(source string) (*Descriptor, error) {
	meta, err := parseHeader(source)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		RunPhase:  PhaseIdle,
		Enabled:   true,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}

	for _, kv := range meta {
		key, value := kv[0], kv[1]
		switch key {
		case "name":
			d.Name = value
		case "namespace":
			d.Namespace = value
		case "version":
			d.Version = value
		case "description":
			d.Description = value
		case "include":
			d.IncludePatterns = append(d.IncludePatterns, value)
		case "match":
			d.MatchPatterns = append(d.MatchPatterns, value)
		case "exclude":
			d.ExcludePatterns = append(d.ExcludePatterns, value)
		case "require":
			d.RequireURLs = append(d.RequireURLs, value)
		case "resource":
			fields := strings.Fields(value)
			if len(fields) != 2 {
				return nil, fmt.Errorf("userscript: malformed @resource %q", value)
			}
			d.Resources = append(d.Resources, Resource{Name: fields[0], URL: fields[1]})
		case "grant":
			d.Grants = append(d.Grants, value)
		case "connect":
			d.Connects = append(d.Connects, value)
		case "run-at":
			d.RunPhase = ParseRunAt(value)
		case "noframes":
			d.NoFrames = true
		default:
			if d.Extra == nil {
				d.Extra = make(map[string][]string)
			}
			d.Extra[key] = append(d.Extra[key], value)
		}
	}

	if d.Name == "" {
		return nil, ErrMissingName
	}
	d.ID = DeriveID(d.Namespace, d.Name)
	return d, nil
}

// parseHeader returns the ordered (key, value) pairs of the metadata block.
func parseHeader(source string) ([][2]string, error) {
	scanner := bufio.NewScanner(strings.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		inside bool
		closed bool
		pairs  [][2]string
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "//") {
			if inside && line != "" {
				return nil, fmt.Errorf("userscript: non-comment line inside metadata block: %q", line)
			}
			continue
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, "//"))
		switch {
		case body == headerOpen:
			inside = true
			continue
		case body == headerClose:
			if inside {
				closed = true
			}
		}
		if closed {
			break
		}
		if !inside || !strings.HasPrefix(body, "@") {
			continue
		}
		rest := strings.TrimSpace(body[1:])
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		key := fields[0]
		pairs = append(pairs, [2]string{key, strings.TrimSpace(strings.TrimPrefix(rest, key))})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("userscript: reading source: %w", err)
	}
	if !closed {
		return nil, ErrNoHeader
	}
	return pairs, nil
}
