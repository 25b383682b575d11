// Package protocol extracts structured signals from free-form message text:
// @mentions, lifecycle command tokens, and the completion marker. Parsing is
// pure and total: malformed input yields empty results, never an error.
package protocol

import (
	"regexp"
	"strings"
)

// CommandKind identifies a recognized lifecycle command token.
type CommandKind string

const (
	// CommandEmergency halts every agent on every channel immediately.
	CommandEmergency CommandKind = "emergency"
	// CommandDespawn asks the bus to despawn the sending agent.
	CommandDespawn CommandKind = "despawn"
	// CommandComplete marks the task as finished. The bus only records it;
	// readers scanning history decide what it means.
	CommandComplete CommandKind = "complete"
)

// Command is a lifecycle token found in message content.
type Command struct {
	Kind  CommandKind
	Token string
}

// tokens is the closed set of recognized command literals.
var tokens = map[string]CommandKind{
	"!emergency": CommandEmergency,
	"!despawn":   CommandDespawn,
	"!complete":  CommandComplete,
}

// mentionRe matches @handle where the @ is at start of text or preceded by a
// non-word character, so "email@host" does not produce a mention.
var mentionRe = regexp.MustCompile(`(^|[^A-Za-z0-9_])@([A-Za-z0-9_][A-Za-z0-9_-]{0,63})`)

// fenceRe matches triple-backtick fenced blocks, including unterminated ones.
var fenceRe = regexp.MustCompile("(?s)```.*?(```|$)")

// Mentions returns the set of @handles in content, in first-occurrence order.
//
// Content inside triple-backtick fences is treated as verbatim and skipped;
// inline single-backtick spans are not (documented limitation).
func Mentions(content string) []string {
	if content == "" || !strings.Contains(content, "@") {
		return nil
	}
	stripped := content
	if strings.Contains(content, "```") {
		stripped = fenceRe.ReplaceAllString(content, " ")
	}

	var handles []string
	seen := make(map[string]bool)
	for _, match := range mentionRe.FindAllStringSubmatch(stripped, -1) {
		handle := match[2]
		if !seen[handle] {
			seen[handle] = true
			handles = append(handles, handle)
		}
	}
	return handles
}

// Commands returns the lifecycle commands present in content.
//
// Recognition rule: a command literal counts only when it stands alone as a
// whitespace-delimited token. "!despawn" on its own line matches;
// "really!despawn" and "!despawned" do not. Each command kind is reported at
// most once regardless of repetition.
func Commands(content string) []Command {
	if !strings.Contains(content, "!") {
		return nil
	}

	var cmds []Command
	seen := make(map[CommandKind]bool)
	for _, field := range strings.Fields(content) {
		kind, ok := tokens[field]
		if !ok || seen[kind] {
			continue
		}
		seen[kind] = true
		cmds = append(cmds, Command{Kind: kind, Token: field})
	}
	return cmds
}

// HasCommand reports whether content contains the given command as a
// standalone token.
func HasCommand(content string, kind CommandKind) bool {
	for _, cmd := range Commands(content) {
		if cmd.Kind == kind {
			return true
		}
	}
	return false
}
