package command

import (
	"strings"

	"pkt.systems/appwatch/schema"
)

// Command is a chat message of the form "/name[@bot] args...".
type Command struct {
	Name string
	Bot  string
	Args []string
}

// Parse splits a chat message into a Command. The name is lower-cased and
// a group-chat "@botname" suffix is moved to Bot. Messages that do not
// start with "/" are not commands.
func Parse(input string) (Command, bool) {
	fields := strings.Fields(input)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Command{}, false
	}
	name, bot, _ := strings.Cut(fields[0][1:], "@")
	return Command{
		Name: strings.ToLower(name),
		Bot:  bot,
		Args: fields[1:],
	}, true
}

// Arg returns the i-th argument or "" when absent.
func (c Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return c.Args[i]
}

// Sub returns the lower-cased first argument, used for subcommands.
func (c Command) Sub() string {
	return strings.ToLower(c.Arg(0))
}

// CallbackAction is the decoded intent of an inline keyboard button.
type CallbackAction int

const (
	CallbackUnknown CallbackAction = iota
	CallbackCancel
	CallbackRemove
)

// Callback is a decoded inline keyboard payload.
type Callback struct {
	Action  CallbackAction
	TrackID schema.TrackID
}

// ParseCallback decodes "cancel" and "remove_<trackId>" button data.
func ParseCallback(data string) Callback {
	if data == callbackCancel {
		return Callback{Action: CallbackCancel}
	}
	if id, ok := strings.CutPrefix(data, callbackRemovePrefix); ok && id != "" {
		return Callback{Action: CallbackRemove, TrackID: schema.TrackID(id)}
	}
	return Callback{}
}

func removeCallbackData(trackID schema.TrackID) string {
	return callbackRemovePrefix + string(trackID)
}
