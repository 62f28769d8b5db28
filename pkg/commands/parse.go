package commands

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// MalformedInputError reports an unparseable argument or a missing one.
type MalformedInputError struct {
	Reason string
	Usage  string
}

func (e *MalformedInputError) Error() string {
	if e.Usage != "" {
		return e.Reason + "\nUsage: " + e.Usage
	}
	return e.Reason
}

// ParseCommand splits "/name@bot arg1 arg2" into a lowercase name and its
// arguments. ok is false when text is not a command.
func ParseCommand(text string) (name string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name = strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

// ParseMessageLink extracts the chat and message id from a post link.
// Private links (t.me/c/<id>/<msg>) yield the "-100"-prefixed chat id,
// public ones (t.me/<username>/<msg>) yield "@username". Links into a
// topic carry the thread id before the message id.
func ParseMessageLink(link string) (chatID string, messageID int, err error) {
	bad := func(reason string) error {
		return &MalformedInputError{Reason: reason, Usage: "/delete <https://t.me/c/123/45>"}
	}

	raw := strings.TrimSpace(link)
	if raw == "" {
		return "", 0, bad("Please provide a message link.")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, perr := url.Parse(raw)
	if perr != nil {
		return "", 0, bad(fmt.Sprintf("Invalid link %q.", link))
	}
	switch strings.ToLower(strings.TrimPrefix(u.Host, "www.")) {
	case "t.me", "telegram.me", "telegram.dog":
	default:
		return "", 0, bad(fmt.Sprintf("Not a Telegram link: %q.", link))
	}

	parts := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	if len(parts) < 2 {
		return "", 0, bad(fmt.Sprintf("Link %q does not point to a message.", link))
	}
	messageID, convErr := strconv.Atoi(parts[len(parts)-1])
	if convErr != nil || messageID <= 0 {
		return "", 0, bad(fmt.Sprintf("Link %q does not end in a message id.", link))
	}

	if parts[0] == "c" {
		if len(parts) < 3 {
			return "", 0, bad(fmt.Sprintf("Link %q is missing the channel id.", link))
		}
		if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
			return "", 0, bad(fmt.Sprintf("Link %q has a non-numeric channel id.", link))
		}
		return "-100" + parts[1], messageID, nil
	}
	return "@" + parts[0], messageID, nil
}

// ParseDays parses a positive day count.
func ParseDays(arg, usage string) (int, error) {
	days, err := strconv.Atoi(arg)
	if err != nil || days <= 0 {
		return 0, &MalformedInputError{Reason: fmt.Sprintf("%q is not a positive number of days.", arg), Usage: usage}
	}
	return days, nil
}
