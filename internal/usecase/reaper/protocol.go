// Package reaper implements the cleanup backstop: the agent that removes a
// session's resources once its owner disconnects, and the session that
// registers filters with that agent and keeps the heartbeat connection open.
package reaper

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/bnema/testbay/internal/domain"
)

// Ack is the reply to every accepted filter line.
const Ack = "ACK"

// FormatFilter renders filters as one protocol line without the trailing
// newline, e.g. "label=io.testbay.session-id=abc&label=io.testbay.managed=true".
// Output is sorted so equal filters render identically.
func FormatFilter(f domain.Filters) string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := append([]string(nil), f[k]...)
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, url.QueryEscape(k)+"="+escapeValue(v))
		}
	}
	return strings.Join(parts, "&")
}

// ParseFilter parses one protocol line. Only label, name and id filters are
// accepted, and every value must be non-empty.
func ParseFilter(line string) (domain.Filters, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", domain.ErrInvalidFilter)
	}
	query, err := url.ParseQuery(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", domain.ErrInvalidFilter, line, err)
	}

	f := make(domain.Filters, len(query))
	for key, values := range query {
		switch key {
		case "label", "name", "id":
		default:
			return nil, fmt.Errorf("%w: unsupported filter %q", domain.ErrInvalidFilter, key)
		}
		for _, v := range values {
			if v == "" {
				return nil, fmt.Errorf("%w: empty %s value", domain.ErrInvalidFilter, key)
			}
		}
		f[key] = values
	}
	return f, nil
}

// escapeValue keeps "=" readable inside label values; ParseQuery splits a
// pair on its first "=" only.
func escapeValue(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "%3D", "=")
}
