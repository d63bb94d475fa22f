package tool

import (
	"fmt"
	"regexp"
	"strings"
)

// RawInvocation is a tool call lifted out of model output before any
// validation against the descriptor table.
type RawInvocation struct {
	Name string
	Args map[string]string
}

// ParseError records one malformed block that was dropped during parsing.
type ParseError struct {
	Snippet string
	Reason  string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("tool: parse: %s: %q", e.Reason, e.Snippet)
}

var (
	funcRe  = regexp.MustCompile(`(?s)<function=([a-zA-Z0-9_]+)>(.*?)</function>`)
	paramRe = regexp.MustCompile(`(?s)<parameter=([a-zA-Z0-9_]+)>(.*?)</parameter>`)
	openRe  = regexp.MustCompile(`<function=([a-zA-Z0-9_]*)>?`)
)

// Parse extracts tool invocations from free-form model output in document
// order. Well-formed blocks become RawInvocations; malformed blocks are
// dropped and reported so the caller can feed the reason back to the model.
func Parse(output string) ([]RawInvocation, []ParseError) {
	var (
		invs  []RawInvocation
		perrs []ParseError
	)

	matched := funcRe.FindAllStringSubmatchIndex(output, -1)
	covered := make([]bool, len(output))
	for _, m := range matched {
		for i := m[0]; i < m[1]; i++ {
			covered[i] = true
		}
		name := output[m[2]:m[3]]
		body := output[m[4]:m[5]]
		args := make(map[string]string)
		dup := ""
		for _, pm := range paramRe.FindAllStringSubmatch(body, -1) {
			if _, seen := args[pm[1]]; seen {
				dup = pm[1]
				break
			}
			args[pm[1]] = pm[2]
		}
		if dup != "" {
			perrs = append(perrs, ParseError{
				Snippet: snippet(output[m[0]:m[1]]),
				Reason:  fmt.Sprintf("duplicate parameter %q", dup),
			})
			continue
		}
		invs = append(invs, RawInvocation{Name: name, Args: args})
	}

	// Report opening tags that never matched a complete block.
	for _, om := range openRe.FindAllStringIndex(output, -1) {
		if covered[om[0]] {
			continue
		}
		perrs = append(perrs, ParseError{
			Snippet: snippet(output[om[0]:]),
			Reason:  "unterminated function block",
		})
	}

	return invs, perrs
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
