// SPDX-License-Identifier: GPL-3.0-or-later
package targetclient

import (
	"fmt"
	"strconv"
	"strings"
)

// UntaggedList is a parsed `* LIST (<flags>) "<delim>" <name>` response.
type UntaggedList struct {
	Flags     []string
	Delimiter byte
	Name      string
}

// UntaggedSearch is a parsed `* SEARCH <uid> <uid> ...` response.
type UntaggedSearch struct {
	UIDs []uint32
}

// UntaggedExists is a parsed `* <n> EXISTS` response.
type UntaggedExists struct {
	Count uint32
}

// UntaggedOther is any other untagged or status response this client
// does not otherwise model (e.g. `* OK`, `* n RECENT`, `* FLAGS (...)`),
// kept verbatim so callers can inspect it when diagnosing a failure.
type UntaggedOther struct {
	Line string
}

// Tagged is a command's tagged completion line: `<tag> <status> <text>`.
type Tagged struct {
	Tag    string
	Status string // OK, NO, or BAD
	Text   string
}

func (t Tagged) OK() bool { return strings.EqualFold(t.Status, "OK") }

// Continuation is a server continuation request: `+ <text>`.
type Continuation struct {
	Text string
}

// parseLine classifies one CRLF-stripped response line into one of the
// tagged-variant types above.
func parseLine(line string) (interface{}, error) {
	switch {
	case strings.HasPrefix(line, "+"):
		return Continuation{Text: strings.TrimSpace(strings.TrimPrefix(line, "+"))}, nil
	case strings.HasPrefix(line, "* "):
		return parseUntagged(strings.TrimPrefix(line, "* "))
	default:
		return parseTagged(line)
	}
}

func parseUntagged(rest string) (interface{}, error) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return UntaggedOther{Line: rest}, nil
	}

	// "* LIST (\Flag1 \Flag2) "." name"
	if strings.EqualFold(fields[0], "LIST") {
		return parseList(rest)
	}

	// "* SEARCH 1 2 3"
	if strings.EqualFold(fields[0], "SEARCH") {
		return parseSearch(fields[1:])
	}

	// "* 42 EXISTS"
	if len(fields) >= 2 && strings.EqualFold(fields[1], "EXISTS") {
		n, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed EXISTS response %q: %w", rest, err)
		}
		return UntaggedExists{Count: uint32(n)}, nil
	}

	return UntaggedOther{Line: rest}, nil
}

func parseList(rest string) (UntaggedList, error) {
	afterKeyword := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rest), "LIST"))

	open := strings.Index(afterKeyword, "(")
	close := strings.Index(afterKeyword, ")")
	if open < 0 || close < 0 || close < open {
		return UntaggedList{}, fmt.Errorf("malformed LIST response %q", rest)
	}
	var flags []string
	for _, f := range strings.Fields(afterKeyword[open+1 : close]) {
		flags = append(flags, f)
	}

	remainder := strings.TrimSpace(afterKeyword[close+1:])

	var delim byte
	var name string
	if strings.HasPrefix(remainder, `"`) {
		end := strings.Index(remainder[1:], `"`)
		if end < 0 {
			return UntaggedList{}, fmt.Errorf("malformed LIST delimiter in %q", rest)
		}
		d := remainder[1 : 1+end]
		if len(d) == 1 {
			delim = d[0]
		}
		name = strings.TrimSpace(remainder[1+end+1:])
	} else {
		parts := strings.Fields(remainder)
		if len(parts) > 0 {
			if strings.EqualFold(parts[0], "NIL") {
				delim = 0
			}
			if len(parts) > 1 {
				name = strings.Join(parts[1:], " ")
			}
		}
	}

	name = strings.Trim(name, `"`)
	return UntaggedList{Flags: flags, Delimiter: delim, Name: name}, nil
}

func parseSearch(fields []string) (UntaggedSearch, error) {
	var uids []uint32
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return UntaggedSearch{}, fmt.Errorf("malformed SEARCH response field %q: %w", f, err)
		}
		uids = append(uids, uint32(n))
	}
	return UntaggedSearch{UIDs: uids}, nil
}

func parseTagged(line string) (Tagged, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Tagged{}, fmt.Errorf("malformed tagged response %q", line)
	}
	return Tagged{
		Tag:    fields[0],
		Status: fields[1],
		Text:   strings.TrimSpace(strings.Join(fields[2:], " ")),
	}, nil
}
