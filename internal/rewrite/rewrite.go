// Package rewrite computes Referer and Origin values that point at the virtual host.
//
// The path is located by counting slashes rather than by parsing the URL: the first
// two slashes are taken to be the ones after "scheme:", and the third starts the path.
// This matches the scheme://host[:port]/path shape browsers send in these headers.
package rewrite

import (
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Action says what the caller should do with the original header.
type Action int

const (
	// Keep leaves the header untouched.
	Keep Action = iota
	// Replace sets the header to Result.Value.
	Replace
	// Remove deletes the header; Result.Err holds the cause.
	Remove
)

func (a Action) String() string {
	switch a {
	case Keep:
		return "keep"
	case Replace:
		return "replace"
	case Remove:
		return "remove"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Result is the outcome of rewriting a single header value.
type Result struct {
	Action Action
	Value  string
	Err    error
}

// pathSlash is the ordinal of the slash that begins the path.
const pathSlash = 3

// URL returns "https://" + host followed by everything in value from its third
// slash onward. A value with fewer than three slashes yields "https://" + host.
func URL(value, host string) string {
	return "https://" + host + suffix(value)
}

func suffix(value string) string {
	count := 0
	for i := 0; i < len(value); i++ {
		if value[i] != '/' {
			continue
		}
		count++
		if count == pathSlash {
			return value[i:]
		}
	}
	return ""
}

// Header rewrites a Referer or Origin value for the given virtual host.
func Header(value, host string) Result {
	if !isText(value) {
		return Result{Action: Keep}
	}
	rewritten := URL(value, host)
	if !httpguts.ValidHeaderFieldValue(rewritten) {
		return Result{Action: Remove, Err: fmt.Errorf("rewritten value %q is not a valid header field value", rewritten)}
	}
	if rewritten == value {
		return Result{Action: Keep}
	}
	return Result{Action: Replace, Value: rewritten}
}

// isText reports whether v holds only visible ASCII, space and tab.
func isText(v string) bool {
	return strings.IndexFunc(v, func(r rune) bool {
		return r != '\t' && (r < ' ' || r > '~')
	}) < 0
}
