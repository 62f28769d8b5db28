package channels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/tinyland-inc/channelrelay/pkg/bus"
	"github.com/tinyland-inc/channelrelay/pkg/config"
	"github.com/tinyland-inc/channelrelay/pkg/logger"
	"github.com/tinyland-inc/channelrelay/pkg/platform"
)

var allowedUpdates = []string{"message", "channel_post", "chat_join_request"}

// TelegramChannel receives updates by long polling and implements
// platform.Client on top of the Bot API.
type TelegramChannel struct {
	*BaseChannel
	bot         *telego.Bot
	pollTimeout int
	botID       atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ platform.Client = (*TelegramChannel)(nil)

func NewTelegramChannel(cfg config.TelegramConfig, mb *bus.MessageBus) (*TelegramChannel, error) {
	opts := []telego.BotOption{telego.WithLogger(telegoLogger{token: cfg.Token})}

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramChannel{
		BaseChannel: NewBaseChannel("telegram", mb, cfg.AdminIDs),
		bot:         bot,
		pollTimeout: cfg.PollTimeout,
	}, nil
}

// Start identifies the bot and begins long polling. Updates are converted
// and published until ctx is done or Stop is called.
func (c *TelegramChannel) Start(ctx context.Context) error {
	if _, err := c.identity(ctx); err != nil {
		return err
	}

	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        c.pollTimeout,
		AllowedUpdates: allowedUpdates,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.SetRunning(true)
	logger.InfoCF("telegram", "Telegram channel started", map[string]any{
		"bot_id": c.botID.Load(),
	})

	go func() {
		defer close(done)
		for update := range updates {
			msg, ok := ConvertUpdate(update)
			if !ok {
				continue
			}
			c.HandleMessage(pollCtx, msg)
		}
	}()
	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	c.SetRunning(false)
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.InfoC("telegram", "Telegram channel stopped")
	return nil
}

// identity returns the bot's own user id, fetching it once.
func (c *TelegramChannel) identity(ctx context.Context) (int64, error) {
	if id := c.botID.Load(); id != 0 {
		return id, nil
	}
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return 0, fmt.Errorf("getMe: %w", err)
	}
	c.botID.Store(me.ID)
	return me.ID, nil
}

// ConvertUpdate maps a Bot API update onto a bus event. Updates the relay
// does not act on report false.
func ConvertUpdate(update telego.Update) (bus.InboundMessage, bool) {
	switch {
	case update.ChannelPost != nil:
		m := update.ChannelPost
		content := m.Text
		if content == "" {
			content = m.Caption
		}
		return bus.InboundMessage{
			Kind:         bus.KindChannelPost,
			ChatID:       formatChatID(m.Chat.ID),
			MessageID:    m.MessageID,
			Content:      content,
			MediaGroupID: m.MediaGroupID,
			Media:        mediaOf(m),
			Date:         time.Unix(m.Date, 0),
		}, true

	case update.Message != nil:
		m := update.Message
		if m.From == nil || !strings.HasPrefix(m.Text, "/") {
			return bus.InboundMessage{}, false
		}
		return bus.InboundMessage{
			Kind:      bus.KindCommand,
			ChatID:    formatChatID(m.Chat.ID),
			MessageID: m.MessageID,
			SenderID:  senderID(m.From),
			Content:   m.Text,
			Date:      time.Unix(m.Date, 0),
		}, true

	case update.ChatJoinRequest != nil:
		r := update.ChatJoinRequest
		return bus.InboundMessage{
			Kind:     bus.KindJoinRequest,
			ChatID:   formatChatID(r.Chat.ID),
			SenderID: strconv.FormatInt(r.From.ID, 10),
			Date:     time.Unix(r.Date, 0),
		}, true
	}
	return bus.InboundMessage{}, false
}

func senderID(u *telego.User) string {
	id := strconv.FormatInt(u.ID, 10)
	if u.Username != "" {
		id += "|" + u.Username
	}
	return id
}

// mediaOf returns the album-capable media of m, or nil.
func mediaOf(m *telego.Message) *platform.MediaItem {
	item := &platform.MediaItem{Caption: m.Caption}
	switch {
	case len(m.Photo) > 0:
		item.Kind = platform.MediaPhoto
		item.FileID = m.Photo[len(m.Photo)-1].FileID
	case m.Video != nil:
		item.Kind = platform.MediaVideo
		item.FileID = m.Video.FileID
	case m.Document != nil:
		item.Kind = platform.MediaDocument
		item.FileID = m.Document.FileID
	case m.Audio != nil:
		item.Kind = platform.MediaAudio
		item.FileID = m.Audio.FileID
	default:
		return nil
	}
	return item
}

func formatChatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// parseChatID accepts numeric ids and @usernames.
func parseChatID(chatID string) telego.ChatID {
	if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return tu.ID(id)
	}
	if !strings.HasPrefix(chatID, "@") {
		chatID = "@" + chatID
	}
	return tu.Username(chatID)
}

// buildInputMedia converts album items into Bot API input media. Captions
// are carried as given; callers decide which item has one.
func buildInputMedia(items []platform.MediaItem) []telego.InputMedia {
	media := make([]telego.InputMedia, 0, len(items))
	for _, it := range items {
		file := tu.FileFromID(it.FileID)
		switch it.Kind {
		case platform.MediaVideo:
			v := tu.MediaVideo(file)
			v.Caption = it.Caption
			media = append(media, v)
		case platform.MediaDocument:
			d := tu.MediaDocument(file)
			d.Caption = it.Caption
			media = append(media, d)
		case platform.MediaAudio:
			a := tu.MediaAudio(file)
			a.Caption = it.Caption
			media = append(media, a)
		default:
			p := tu.MediaPhoto(file)
			p.Caption = it.Caption
			media = append(media, p)
		}
	}
	return media
}

// platform.Client

func (c *TelegramChannel) GetChat(ctx context.Context, chatID string) (platform.Chat, error) {
	chat, err := c.bot.GetChat(ctx, &telego.GetChatParams{ChatID: parseChatID(chatID)})
	if err != nil {
		return platform.Chat{}, platform.Classify("getChat", chatID, err)
	}
	return platform.Chat{
		ID:    formatChatID(chat.ID),
		Title: chat.Title,
		Type:  chat.Type,
	}, nil
}

func (c *TelegramChannel) BotPermissions(ctx context.Context, chatID string) (platform.Permissions, error) {
	botID, err := c.identity(ctx)
	if err != nil {
		return platform.Permissions{}, err
	}
	member, err := c.bot.GetChatMember(ctx, &telego.GetChatMemberParams{
		ChatID: parseChatID(chatID),
		UserID: botID,
	})
	if err != nil {
		return platform.Permissions{}, platform.Classify("getChatMember", chatID, err)
	}
	switch m := member.(type) {
	case *telego.ChatMemberOwner:
		return platform.Permissions{IsAdmin: true, CanInvite: true, CanDelete: true}, nil
	case *telego.ChatMemberAdministrator:
		return platform.Permissions{
			IsAdmin:   true,
			CanInvite: m.CanInviteUsers,
			CanDelete: m.CanDeleteMessages,
		}, nil
	default:
		return platform.Permissions{}, nil
	}
}

func (c *TelegramChannel) CopyMessage(ctx context.Context, toChatID, fromChatID string, messageID int) (int, error) {
	id, err := c.bot.CopyMessage(ctx, &telego.CopyMessageParams{
		ChatID:     parseChatID(toChatID),
		FromChatID: parseChatID(fromChatID),
		MessageID:  messageID,
	})
	if err != nil {
		return 0, platform.Classify("copyMessage", toChatID, err)
	}
	return id.MessageID, nil
}

func (c *TelegramChannel) ForwardMessage(ctx context.Context, toChatID, fromChatID string, messageID int) (int, error) {
	msg, err := c.bot.ForwardMessage(ctx, &telego.ForwardMessageParams{
		ChatID:     parseChatID(toChatID),
		FromChatID: parseChatID(fromChatID),
		MessageID:  messageID,
	})
	if err != nil {
		return 0, platform.Classify("forwardMessage", toChatID, err)
	}
	return msg.MessageID, nil
}

func (c *TelegramChannel) SendMediaGroup(ctx context.Context, toChatID string, items []platform.MediaItem) ([]int, error) {
	msgs, err := c.bot.SendMediaGroup(ctx, &telego.SendMediaGroupParams{
		ChatID: parseChatID(toChatID),
		Media:  buildInputMedia(items),
	})
	if err != nil {
		return nil, platform.Classify("sendMediaGroup", toChatID, err)
	}
	ids := make([]int, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].MessageID
	}
	return ids, nil
}

func (c *TelegramChannel) DeleteMessage(ctx context.Context, chatID string, messageID int) error {
	err := c.bot.DeleteMessage(ctx, &telego.DeleteMessageParams{
		ChatID:    parseChatID(chatID),
		MessageID: messageID,
	})
	return platform.Classify("deleteMessage", chatID, err)
}

func (c *TelegramChannel) ApproveJoinRequest(ctx context.Context, chatID string, userID int64) error {
	err := c.bot.ApproveChatJoinRequest(ctx, &telego.ApproveChatJoinRequestParams{
		ChatID: parseChatID(chatID),
		UserID: userID,
	})
	return platform.Classify("approveChatJoinRequest", chatID, err)
}

func (c *TelegramChannel) SendText(ctx context.Context, chatID, text string) (int, error) {
	msg, err := c.bot.SendMessage(ctx, tu.Message(parseChatID(chatID), text))
	if err != nil {
		return 0, platform.Classify("sendMessage", chatID, err)
	}
	return msg.MessageID, nil
}

func (c *TelegramChannel) EditText(ctx context.Context, chatID string, messageID int, text string) error {
	_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    parseChatID(chatID),
		MessageID: messageID,
		Text:      text,
	})
	return platform.Classify("editMessageText", chatID, err)
}

// telegoLogger routes SDK logs into the component logger with the bot
// token masked.
type telegoLogger struct {
	token string
}

func (l telegoLogger) mask(format string, args ...any) string {
	msg := fmt.Sprintf(format, args...)
	if l.token != "" {
		msg = strings.ReplaceAll(msg, l.token, "BOT_TOKEN")
	}
	return msg
}

func (l telegoLogger) Debugf(format string, args ...any) {
	logger.DebugC("telego", l.mask(format, args...))
}

func (l telegoLogger) Errorf(format string, args ...any) {
	logger.ErrorC("telego", l.mask(format, args...))
}
