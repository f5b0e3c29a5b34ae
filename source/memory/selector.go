// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/absmach/inbound/source"
)

// clauseRe matches one `name = 'value'` or `name <> value` comparison and
// the AND that may follow it.
var clauseRe = regexp.MustCompile(`(?i)^\s*([A-Za-z_$][\w.$]*)\s*(=|<>)\s*('(?:[^']|'')*'|[-+]?[\w.]+)\s*(?:(AND)\s+|$)`)

type clause struct {
	name  string
	value string
	equal bool
}

// selector is a conjunction of property comparisons. A message lacking a
// compared property never matches.
type selector []clause

func parseSelector(expr string) (selector, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, nil
	}
	var sel selector
	rest := expr
	for {
		m := clauseRe.FindStringSubmatch(rest)
		if m == nil {
			return nil, fmt.Errorf("%w: %q", source.ErrInvalidSelector, expr)
		}
		value := m[3]
		if strings.HasPrefix(value, "'") {
			value = strings.ReplaceAll(value[1:len(value)-1], "''", "'")
		}
		sel = append(sel, clause{name: m[1], value: value, equal: m[2] == "="})
		rest = rest[len(m[0]):]
		if m[4] == "" {
			return sel, nil
		}
	}
}

func (s selector) match(msg *source.Message) bool {
	for _, c := range s {
		v, ok := msg.Properties[c.name]
		if !ok || (v == c.value) != c.equal {
			return false
		}
	}
	return true
}
