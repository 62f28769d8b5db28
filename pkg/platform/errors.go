package platform

import (
	"errors"
	"fmt"
	"strings"
)

// NotAdminError reports that the bot lacks administrator rights in a chat.
type NotAdminError struct {
	ChatID string
	Title  string
}

func (e *NotAdminError) Error() string {
	if e.Title != "" {
		return fmt.Sprintf("bot is not an administrator in %s (%s)", e.Title, e.ChatID)
	}
	return "bot is not an administrator in " + e.ChatID
}

// MissingCapabilityError reports admin rights without one specific permission.
type MissingCapabilityError struct {
	ChatID     string
	Capability string
}

func (e *MissingCapabilityError) Error() string {
	return fmt.Sprintf("bot lacks the %q permission in %s", e.Capability, e.ChatID)
}

// NotFoundError reports an absent chat, message or request.
type NotFoundError struct {
	What string
	Err  error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return e.What + " not found: " + e.Err.Error()
	}
	return e.What + " not found"
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// TransientSendError wraps any other failure of a send, delete or approve call.
type TransientSendError struct {
	Op  string
	Err error
}

func (e *TransientSendError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransientSendError) Unwrap() error { return e.Err }

var (
	adminMarkers = []string{
		"chat_admin_required",
		"not enough rights",
		"need administrator rights",
		"have no rights",
		"bot is not a member",
	}
	notFoundMarkers = []string{
		"not found",
		"message_id_invalid",
		"hide_requester_missing",
		"user_already_participant",
		"message can't be deleted",
	}
)

// Classify maps a raw platform failure of op on chatID onto the taxonomy.
// Errors that already belong to the taxonomy are returned unchanged.
func Classify(op, chatID string, err error) error {
	if err == nil {
		return nil
	}
	var (
		notAdmin  *NotAdminError
		missing   *MissingCapabilityError
		notFound  *NotFoundError
		transient *TransientSendError
	)
	if errors.As(err, &notAdmin) || errors.As(err, &missing) ||
		errors.As(err, &notFound) || errors.As(err, &transient) {
		return err
	}

	desc := strings.ToLower(err.Error())
	for _, m := range adminMarkers {
		if strings.Contains(desc, m) {
			return &NotAdminError{ChatID: chatID}
		}
	}
	for _, m := range notFoundMarkers {
		if strings.Contains(desc, m) {
			return &NotFoundError{What: op + " target in " + chatID, Err: err}
		}
	}
	return &TransientSendError{Op: op, Err: err}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsNotAdmin reports whether err is a NotAdminError.
func IsNotAdmin(err error) bool {
	var na *NotAdminError
	return errors.As(err, &na)
}
