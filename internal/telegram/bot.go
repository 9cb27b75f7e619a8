package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"pkt.systems/appwatch/internal/command"
	"pkt.systems/appwatch/internal/markdown"
	"pkt.systems/appwatch/internal/metrics"
	"pkt.systems/appwatch/schema"
	"pkt.systems/pslog"
)

const failureReply = "❌ Something went wrong. Please try again later."

// MissingTokenHint tells operators how to provide the bot token.
const MissingTokenHint = "Please create a .env file with: TELEGRAM_BOT_TOKEN=your_token_here"

// Handler receives routed chat input.
type Handler interface {
	Handle(ctx context.Context, userID schema.UserID, reply command.Replier, input string) (bool, error)
	HandleCallback(ctx context.Context, userID schema.UserID, reply command.Replier, ref command.MessageRef, data string) error
}

// API is the subset of the Bot API client used by the messenger.
type API interface {
	SendMessage(ctx context.Context, params *tgbot.SendMessageParams) (*models.Message, error)
	EditMessageText(ctx context.Context, params *tgbot.EditMessageTextParams) (*models.Message, error)
	AnswerCallbackQuery(ctx context.Context, params *tgbot.AnswerCallbackQueryParams) (bool, error)
}

// Config configures the Telegram connection.
type Config struct {
	Token       string
	APIURL      string
	PollTimeout time.Duration
	Metrics     *metrics.Metrics
}

// Bot long-polls the Bot API and routes updates to a Handler.
type Bot struct {
	client   *tgbot.Bot
	api      API
	handler  Handler
	metrics  *metrics.Metrics
	username string
}

// New connects to the Bot API with cfg.Token.
func New(ctx context.Context, cfg Config, handler Handler) (*Bot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("%w. %s", schema.ErrMissingToken, MissingTokenHint)
	}
	b := &Bot{handler: handler, metrics: cfg.Metrics}
	log := pslog.Ctx(ctx)
	opts := []tgbot.Option{
		tgbot.WithDefaultHandler(b.dispatch),
		tgbot.WithErrorsHandler(func(err error) {
			log.Warn("telegram poll failed", "err", err)
		}),
	}
	if cfg.APIURL != "" {
		opts = append(opts, tgbot.WithServerURL(cfg.APIURL))
	}
	if cfg.PollTimeout > 0 {
		opts = append(opts, tgbot.WithHTTPClient(cfg.PollTimeout, &http.Client{Timeout: cfg.PollTimeout + 10*time.Second}))
	}
	client, err := tgbot.New(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	b.client = client
	b.api = client
	me, err := client.GetMe(ctx)
	if err != nil {
		log.Warn("telegram identity unavailable", "err", err)
	} else if me != nil {
		b.username = me.Username
		log.Info("telegram identity", "username", me.Username)
	}
	return b, nil
}

// Username returns the bot's own username, or "" when it is unknown.
func (b *Bot) Username() string {
	if b == nil {
		return ""
	}
	return b.username
}

// NewWithAPI builds a messenger over api without polling.
func NewWithAPI(api API, handler Handler, m *metrics.Metrics) *Bot {
	return &Bot{api: api, handler: handler, metrics: m}
}

// Run polls for updates until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if b.client == nil {
		return errors.New("telegram client is not connected")
	}
	log := pslog.Ctx(ctx)
	log.Info("telegram polling start")
	b.client.Start(ctx)
	log.Info("telegram polling stop")
	return nil
}

// Send posts msg to chatID and returns the new message id.
func (b *Bot) Send(ctx context.Context, chatID int64, msg command.Message) (int, error) {
	params := &tgbot.SendMessageParams{
		ChatID: chatID,
		Text:   msg.Text,
	}
	if msg.Markdown {
		params.ParseMode = models.ParseModeMarkdownV1
	}
	if msg.NoPreview {
		params.LinkPreviewOptions = &models.LinkPreviewOptions{IsDisabled: tgbot.True()}
	}
	if markup := keyboard(msg.Keyboard); markup != nil {
		params.ReplyMarkup = markup
	}
	sent, err := b.api.SendMessage(ctx, params)
	if err != nil && msg.Markdown && isEntityError(err) {
		pslog.Ctx(ctx).Warn("telegram markdown rejected; resending as plain text", "chat", chatID, "err", err)
		params.Text = markdown.Plain(msg.Text)
		params.ParseMode = ""
		sent, err = b.api.SendMessage(ctx, params)
	}
	if err != nil {
		return 0, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil {
		return 0, nil
	}
	return sent.ID, nil
}

// Edit replaces the text of a previously sent message.
func (b *Bot) Edit(ctx context.Context, chatID int64, messageID int, msg command.Message) error {
	params := &tgbot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      msg.Text,
	}
	if msg.Markdown {
		params.ParseMode = models.ParseModeMarkdownV1
	}
	if msg.NoPreview {
		params.LinkPreviewOptions = &models.LinkPreviewOptions{IsDisabled: tgbot.True()}
	}
	if markup := keyboard(msg.Keyboard); markup != nil {
		params.ReplyMarkup = markup
	}
	_, err := b.api.EditMessageText(ctx, params)
	if err != nil && msg.Markdown && isEntityError(err) {
		pslog.Ctx(ctx).Warn("telegram markdown rejected; editing as plain text", "chat", chatID, "err", err)
		params.Text = markdown.Plain(msg.Text)
		params.ParseMode = ""
		_, err = b.api.EditMessageText(ctx, params)
	}
	if err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

// isEntityError reports a Bot API rejection of message markup.
func isEntityError(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "can't parse entities")
}

// AnswerCallback acknowledges a callback query so the client stops its spinner.
func (b *Bot) AnswerCallback(ctx context.Context, id string) error {
	if _, err := b.api.AnswerCallbackQuery(ctx, &tgbot.AnswerCallbackQueryParams{CallbackQueryID: id}); err != nil {
		return fmt.Errorf("telegram answer callback: %w", err)
	}
	return nil
}

// Announce sends msg to the private chat of userID.
func (b *Bot) Announce(ctx context.Context, userID schema.UserID, msg command.Message) error {
	chatID, err := strconv.ParseInt(string(userID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", schema.ErrInvalidUser, userID)
	}
	_, err = b.Send(ctx, chatID, msg)
	return err
}

func (b *Bot) dispatch(ctx context.Context, _ *tgbot.Bot, update *models.Update) {
	if update == nil {
		return
	}
	switch {
	case update.CallbackQuery != nil:
		b.dispatchCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		b.dispatchMessage(ctx, update.Message)
	}
}

func (b *Bot) dispatchMessage(ctx context.Context, msg *models.Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}
	userID := schema.UserIDFromInt(msg.From.ID)
	reply := &chatReplier{bot: b, chatID: msg.Chat.ID}
	log := pslog.Ctx(ctx).With("user_id", userID, "chat_id", msg.Chat.ID)
	ctx = pslog.ContextWithLogger(ctx, log)
	handled, err := b.handler.Handle(ctx, userID, reply, msg.Text)
	if handled {
		if cmd, ok := command.Parse(msg.Text); ok {
			b.metrics.Command(cmd.Name)
		}
	}
	if err != nil {
		log.Warn("telegram message failed", "err", err)
		if _, sendErr := reply.Reply(ctx, command.Message{Text: failureReply}); sendErr != nil {
			log.Warn("telegram failure reply failed", "err", sendErr)
		}
	}
}

func (b *Bot) dispatchCallback(ctx context.Context, query *models.CallbackQuery) {
	log := pslog.Ctx(ctx).With("callback_id", query.ID)
	if err := b.AnswerCallback(ctx, query.ID); err != nil {
		log.Warn("telegram callback ack failed", "err", err)
	}
	message := query.Message.Message
	if message == nil {
		log.Info("telegram callback rejected", "reason", "message inaccessible")
		return
	}
	userID := schema.UserIDFromInt(query.From.ID)
	reply := &chatReplier{bot: b, chatID: message.Chat.ID}
	ref := command.MessageRef{ChatID: message.Chat.ID, MessageID: message.ID}
	ctx = pslog.ContextWithLogger(ctx, log.With("user_id", userID))
	if err := b.handler.HandleCallback(ctx, userID, reply, ref, query.Data); err != nil {
		log.Warn("telegram callback failed", "err", err)
		if editErr := reply.Edit(ctx, ref, command.Message{Text: failureReply}); editErr != nil {
			log.Warn("telegram failure reply failed", "err", editErr)
		}
	}
}

type chatReplier struct {
	bot    *Bot
	chatID int64
}

func (r *chatReplier) Reply(ctx context.Context, msg command.Message) (command.MessageRef, error) {
	id, err := r.bot.Send(ctx, r.chatID, msg)
	if err != nil {
		return command.MessageRef{}, err
	}
	return command.MessageRef{ChatID: r.chatID, MessageID: id}, nil
}

func (r *chatReplier) Edit(ctx context.Context, ref command.MessageRef, msg command.Message) error {
	chatID := ref.ChatID
	if chatID == 0 {
		chatID = r.chatID
	}
	return r.bot.Edit(ctx, chatID, ref.MessageID, msg)
}

func keyboard(rows [][]command.Button) models.ReplyMarkup {
	if len(rows) == 0 {
		return nil
	}
	markup := &models.InlineKeyboardMarkup{InlineKeyboard: make([][]models.InlineKeyboardButton, 0, len(rows))}
	for _, row := range rows {
		buttons := make([]models.InlineKeyboardButton, 0, len(row))
		for _, button := range row {
			buttons = append(buttons, models.InlineKeyboardButton{Text: button.Text, CallbackData: button.Data})
		}
		markup.InlineKeyboard = append(markup.InlineKeyboard, buttons)
	}
	return markup
}
