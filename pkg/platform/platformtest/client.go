// Package platformtest provides a recording in-memory platform.Client for tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyland-inc/channelrelay/pkg/platform"
)

// Op names used for failure injection and call records.
const (
	OpCopy       = "copy"
	OpForward    = "forward"
	OpMediaGroup = "media_group"
	OpDelete     = "delete"
	OpApprove    = "approve"
	OpSendText   = "send_text"
	OpEditText   = "edit_text"
)

// Call is one recorded platform call.
type Call struct {
	Op         string
	ChatID     string
	FromChatID string
	MessageID  int
	UserID     int64
	Items      []platform.MediaItem
	Text       string
	Result     []int
}

// Client is a goroutine-safe fake. Message ids are assigned per chat
// starting at 1000.
type Client struct {
	mu       sync.Mutex
	nextID   map[string]int
	calls    []Call
	failures map[string]error
	grace    map[string]int
	aliases  map[string]string
	chats    map[string]platform.Chat
	perms    map[string]platform.Permissions
	approved map[string][]int64
}

func New() *Client {
	return &Client{
		nextID:   make(map[string]int),
		failures: make(map[string]error),
		grace:    make(map[string]int),
		aliases:  make(map[string]string),
		chats:    make(map[string]platform.Chat),
		perms:    make(map[string]platform.Permissions),
		approved: make(map[string][]int64),
	}
}

var _ platform.Client = (*Client)(nil)

// AddChat registers a chat with the bot's permissions in it.
func (c *Client) AddChat(id, title string, perms platform.Permissions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats[id] = platform.Chat{ID: id, Title: title, Type: "channel"}
	c.perms[id] = perms
}

// AddAlias makes username (with its leading @) resolve to the chat id.
func (c *Client) AddAlias(username, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliases[username] = id
}

// Fail makes every op call on chatID return err until cleared with a nil err.
func (c *Client) Fail(op, chatID string, err error) {
	c.FailAfter(op, chatID, 0, err)
}

// FailAfter lets n op calls on chatID succeed, then fails the rest with err.
func (c *Client) FailAfter(op, chatID string, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := op + "|" + chatID
	delete(c.grace, key)
	if err == nil {
		delete(c.failures, key)
		return
	}
	c.failures[key] = err
	if n > 0 {
		c.grace[key] = n
	}
}

// Calls returns a copy of recorded calls, optionally filtered by op.
func (c *Client) Calls(op string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if op == "" || call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// Approved returns the users approved in chatID, in call order.
func (c *Client) Approved(chatID string) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.approved[chatID]...)
}

func (c *Client) failure(op, chatID string) error {
	key := op + "|" + chatID
	err, ok := c.failures[key]
	if !ok {
		return nil
	}
	if c.grace[key] > 0 {
		c.grace[key]--
		return nil
	}
	return err
}

func (c *Client) resolve(chatID string) string {
	if id, ok := c.aliases[chatID]; ok {
		return id
	}
	return chatID
}

func (c *Client) allocate(chatID string) int {
	id, ok := c.nextID[chatID]
	if !ok {
		id = 1000
	}
	c.nextID[chatID] = id + 1
	return id
}

func (c *Client) GetChat(_ context.Context, chatID string) (platform.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat, ok := c.chats[c.resolve(chatID)]
	if !ok {
		return platform.Chat{}, &platform.NotFoundError{What: "chat " + chatID}
	}
	return chat, nil
}

func (c *Client) BotPermissions(_ context.Context, chatID string) (platform.Permissions, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.resolve(chatID)
	if _, ok := c.chats[id]; !ok {
		return platform.Permissions{}, &platform.NotFoundError{What: "chat " + chatID}
	}
	return c.perms[id], nil
}

func (c *Client) send(op, toChatID, fromChatID string, messageID int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure(op, toChatID); err != nil {
		c.calls = append(c.calls, Call{Op: op, ChatID: toChatID, FromChatID: fromChatID, MessageID: messageID})
		return 0, err
	}
	id := c.allocate(toChatID)
	c.calls = append(c.calls, Call{Op: op, ChatID: toChatID, FromChatID: fromChatID, MessageID: messageID, Result: []int{id}})
	return id, nil
}

func (c *Client) CopyMessage(_ context.Context, toChatID, fromChatID string, messageID int) (int, error) {
	return c.send(OpCopy, toChatID, fromChatID, messageID)
}

func (c *Client) ForwardMessage(_ context.Context, toChatID, fromChatID string, messageID int) (int, error) {
	return c.send(OpForward, toChatID, fromChatID, messageID)
}

func (c *Client) SendMediaGroup(_ context.Context, toChatID string, items []platform.MediaItem) ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call := Call{Op: OpMediaGroup, ChatID: toChatID, Items: append([]platform.MediaItem(nil), items...)}
	if err := c.failure(OpMediaGroup, toChatID); err != nil {
		c.calls = append(c.calls, call)
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("empty media group")
	}
	ids := make([]int, len(items))
	for i := range items {
		ids[i] = c.allocate(toChatID)
	}
	call.Result = ids
	c.calls = append(c.calls, call)
	return ids, nil
}

func (c *Client) DeleteMessage(_ context.Context, chatID string, messageID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: OpDelete, ChatID: chatID, MessageID: messageID})
	return c.failure(OpDelete, chatID)
}

func (c *Client) ApproveJoinRequest(_ context.Context, chatID string, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: OpApprove, ChatID: chatID, UserID: userID})
	if err := c.failure(OpApprove, chatID); err != nil {
		return err
	}
	c.approved[chatID] = append(c.approved[chatID], userID)
	return nil
}

func (c *Client) SendText(_ context.Context, chatID, text string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.failure(OpSendText, chatID); err != nil {
		return 0, err
	}
	id := c.allocate(chatID)
	c.calls = append(c.calls, Call{Op: OpSendText, ChatID: chatID, Text: text, Result: []int{id}})
	return id, nil
}

func (c *Client) EditText(_ context.Context, chatID string, messageID int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: OpEditText, ChatID: chatID, MessageID: messageID, Text: text})
	return c.failure(OpEditText, chatID)
}

// LastText returns the most recent text sent or edited into chatID.
func (c *Client) LastText(chatID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.calls) - 1; i >= 0; i-- {
		call := c.calls[i]
		if call.ChatID == chatID && (call.Op == OpSendText || call.Op == OpEditText) {
			return call.Text
		}
	}
	return ""
}
