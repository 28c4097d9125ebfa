package wire

import "strings"

// Kind identifies what a parsed command means to the session state machine.
type Kind int

const (
	KindUnknown Kind = iota
	KindLeave
	KindKeepalive
	KindHelp
	KindReadNick
	KindReadState
	KindListNicks
	KindSetNick
	KindInvite
	KindCancelInvite
	KindReplyInvite
	KindCancelGame
	KindPlay
)

// Command is one parsed, validated client message.
type Command struct {
	Kind   Kind
	Tokens []string // the raw whitespace-separated tokens, tokens[0] is the keyword
}

type tableEntry struct {
	keyword  string
	kind     Kind
	validate func(tokens []string) bool
	helpText string
}

func arity(n int) func([]string) bool {
	return func(tokens []string) bool { return len(tokens) == n }
}

var commandTable = []tableEntry{
	{"EXIT", KindLeave, arity(1), "leave the server"},
	{"PING", KindKeepalive, arity(1), "keep the connection alive"},
	{"/HELP", KindHelp, arity(1), "prints out this help"},
	{"/NICK", KindReadNick, arity(1), "prints your own nick"},
	{"/STATE", KindReadState, arity(1), "prints your current session state"},
	{"/ALL_CLIENTS", KindListNicks, arity(1), "lists the nicks of all connected clients"},
	{"NICK", KindSetNick, arity(2), "NICK <nick> - set your nick"},
	{"RQ", KindInvite, arity(2), "RQ <nick> - send a game request to <nick>"},
	{"RQ_CANCELED", KindCancelInvite, arity(2), "RQ_CANCELED <nick> - cancel your game request to <nick>"},
	{"RPL", KindReplyInvite, validReply, "RPL <nick> YES|NO - reply to a game request from <nick>"},
	{"GAME_CANCELED", KindCancelGame, arity(1), "cancel the game you're currently playing"},
	{"GAME_PLAY", KindPlay, validPlay, "GAME_PLAY <col> - drop a disk into column <col> (0-6)"},
}

func validReply(tokens []string) bool {
	if len(tokens) != 3 {
		return false
	}
	return tokens[2] == "YES" || tokens[2] == "NO"
}

func validPlay(tokens []string) bool {
	if len(tokens) != 2 {
		return false
	}
	return len(tokens[1]) == 1 && tokens[1][0] >= '0' && tokens[1][0] <= '6'
}

// Parse tokenizes payload on single spaces and dispatches to the command
// table by the first token. Unknown keyword, a validator that rejects the
// tokens, or an empty payload all yield KindUnknown.
func Parse(payload string) Command {
	tokens := strings.Split(payload, " ")
	if len(tokens) == 0 || tokens[0] == "" {
		return Command{Kind: KindUnknown, Tokens: tokens}
	}

	for _, entry := range commandTable {
		if entry.keyword != tokens[0] {
			continue
		}
		if !entry.validate(tokens) {
			return Command{Kind: KindUnknown, Tokens: tokens}
		}
		return Command{Kind: entry.kind, Tokens: tokens}
	}

	return Command{Kind: KindUnknown, Tokens: tokens}
}

// Help renders the static help listing built from the same table the
// dispatcher uses, so the two can never drift apart.
func Help() string {
	var b strings.Builder
	for i, entry := range commandTable {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(entry.helpText)
	}
	return b.String()
}
