package engine

import (
	"strings"

	"github.com/basket/starry/internal/tools"
)

var toolNames = []string{
	tools.ReadFile,
	tools.WriteToFile,
	tools.ListFiles,
	tools.ExecuteCommand,
	tools.AttemptCompletion,
	tools.AskFollowupQuestion,
}

// parseToolUses extracts tool invocations written as XML-style tags:
//
//	<read_file>
//	<path>main.go</path>
//	</read_file>
//
// Only known tool names are recognized. A tool block without a closing tag is
// still parsed up to the end of the text, since streams can stop mid-block.
func parseToolUses(text string) []tools.Call {
	var calls []tools.Call
	rest := text
	for {
		name, start := nextToolTag(rest)
		if name == "" {
			return calls
		}
		body := rest[start+len(name)+2:]
		closing := "</" + name + ">"
		end := strings.Index(body, closing)
		if end >= 0 {
			rest = body[end+len(closing):]
			body = body[:end]
		} else {
			rest = ""
		}
		calls = append(calls, tools.Call{Name: name, Params: parseParams(body)})
		if rest == "" {
			return calls
		}
	}
}

// nextToolTag finds the earliest opening tag of a known tool.
func nextToolTag(text string) (string, int) {
	best, bestAt := "", -1
	for _, name := range toolNames {
		i := strings.Index(text, "<"+name+">")
		if i >= 0 && (bestAt < 0 || i < bestAt) {
			best, bestAt = name, i
		}
	}
	return best, bestAt
}

// parseParams reads <param>value</param> pairs. Values are trimmed of the
// surrounding newlines the model usually emits.
func parseParams(body string) map[string]string {
	params := map[string]string{}
	rest := body
	for {
		open := strings.Index(rest, "<")
		if open < 0 {
			return params
		}
		closeTag := strings.Index(rest[open:], ">")
		if closeTag < 0 {
			return params
		}
		name := rest[open+1 : open+closeTag]
		if name == "" || strings.ContainsAny(name, " /<") {
			rest = rest[open+1:]
			continue
		}
		valueStart := open + closeTag + 1
		end := strings.Index(rest[valueStart:], "</"+name+">")
		if end < 0 {
			params[name] = strings.Trim(rest[valueStart:], "\n")
			return params
		}
		params[name] = strings.Trim(rest[valueStart:valueStart+end], "\n")
		rest = rest[valueStart+end+len(name)+3:]
	}
}

// textBeforeTools returns the assistant prose preceding the first tool tag.
func textBeforeTools(text string) string {
	_, at := nextToolTag(text)
	if at < 0 {
		return strings.TrimSpace(text)
	}
	return strings.TrimSpace(text[:at])
}
