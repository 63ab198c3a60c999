// Package discord is the Discord front-end: gateway messages from the
// configured conversation channel become prompts, final responses come
// back as messages (multi-section responses as embeds), and notifications
// land in the updates channel. The bot token is never stored in plaintext
// on disk — it is resolved at connect time through the credential system
// and the resolve cache is dropped whenever the vault entry changes.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/mattn/go-runewidth"

	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/localagent"
)

// messageLimit is Discord's hard cap per message.
const messageLimit = 2000

// tokenKeyName is the vault key the bot token is stored under.
const tokenKeyName = "DISCORD_BOT_TOKEN"

// Channel bridges one Discord bot account to the local agent.
type Channel struct {
	agent *localagent.Agent
	cfg   *config.ClientConfig

	mu        sync.Mutex
	session   *discordgo.Session
	botUserID string
	token     string // cached resolution; cleared on vault change
}

func New(agent *localagent.Agent, cfg *config.ClientConfig) *Channel {
	c := &Channel{agent: agent, cfg: cfg}
	agent.Vault.OnChanged(func(keyName string) {
		if keyName != tokenKeyName {
			return
		}
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		slog.Info("discord: token changed, reconnecting")
		go c.reconnect()
	})
	return c
}

// Start resolves the token and opens the gateway connection. A missing
// token is not fatal — the channel stays down until a credential is
// entered, at which point the vault change hook brings it up.
func (c *Channel) Start(ctx context.Context) error {
	token, err := c.resolveToken(ctx)
	if err != nil {
		slog.Warn("discord: token unavailable, channel stays offline", "err", err)
		return nil
	}
	return c.open(token)
}

func (c *Channel) resolveToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.token
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	token, err := c.agent.ResolveCredential(ctx, tokenKeyName)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	return token, nil
}

func (c *Channel) open(token string) error {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(c.handleMessage)
	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}

	user, err := session.User("@me")
	if err != nil {
		session.Close()
		return fmt.Errorf("discord: fetch bot identity: %w", err)
	}

	c.mu.Lock()
	c.session = session
	c.botUserID = user.ID
	c.mu.Unlock()

	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

func (c *Channel) reconnect() {
	c.Stop()
	token, err := c.resolveToken(context.Background())
	if err != nil {
		slog.Warn("discord: reconnect failed to resolve token", "err", err)
		return
	}
	if err := c.open(token); err != nil {
		slog.Warn("discord: reconnect failed", "err", err)
	}
}

// Stop closes the gateway connection.
func (c *Channel) Stop() {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session != nil {
		_ = session.Close()
	}
}

// handleMessage forwards authorized conversation-channel messages as
// prompts.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	c.mu.Lock()
	botID := c.botUserID
	c.mu.Unlock()

	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return
	}
	if c.cfg.DiscordChannelConversation != "" && m.ChannelID != c.cfg.DiscordChannelConversation {
		return
	}
	if c.cfg.DiscordAuthorizedUserID != "" && m.Author.ID != c.cfg.DiscordAuthorizedUserID {
		return
	}

	content := strings.TrimSpace(m.Content)
	if content == "" {
		return
	}
	if err := c.agent.SubmitPrompt(content, "discord"); err != nil {
		slog.Warn("discord: submit prompt failed", "err", err)
	}
}

// OnAcknowledged implements localagent.FrontEnd.
func (c *Channel) OnAcknowledged(ack, estimate string) {
	if ack == "" {
		return
	}
	c.send(c.cfg.DiscordChannelConversation, fmt.Sprintf("_%s (%s)_", ack, estimate))
}

// OnResponse implements localagent.FrontEnd. Multi-section responses
// (labeled **topic** blocks from a COMPOUND prompt) render as one embed
// per section; single responses go out as plain chunked messages.
func (c *Channel) OnResponse(text string) {
	sections := splitSections(text)
	if len(sections) <= 1 {
		c.send(c.cfg.DiscordChannelConversation, text)
		return
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}
	for _, s := range sections {
		embed := &discordgo.MessageEmbed{
			Title:       truncateWidth(s.title, 256),
			Description: truncateWidth(s.body, 4096),
		}
		if _, err := session.ChannelMessageSendEmbed(c.cfg.DiscordChannelConversation, embed); err != nil {
			slog.Warn("discord: send embed failed", "err", err)
		}
	}
}

// OnNotification implements localagent.FrontEnd.
func (c *Channel) OnNotification(message string) {
	channel := c.cfg.DiscordChannelUpdates
	if channel == "" {
		channel = c.cfg.DiscordChannelConversation
	}
	c.send(channel, message)
}

func (c *Channel) send(channelID, content string) {
	if channelID == "" || content == "" {
		return
	}
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return
	}
	for _, chunk := range chunkMessage(content, messageLimit) {
		if _, err := session.ChannelMessageSend(channelID, chunk); err != nil {
			slog.Warn("discord: send failed", "err", err)
			return
		}
	}
}

type section struct {
	title string
	body  string
}

// splitSections recognizes the orchestrator's "**topic**\nbody" section
// format.
func splitSections(text string) []section {
	blocks := strings.Split(text, "\n\n")
	var out []section
	for _, block := range blocks {
		lines := strings.SplitN(block, "\n", 2)
		title := strings.TrimSpace(lines[0])
		if !strings.HasPrefix(title, "**") || !strings.HasSuffix(title, "**") {
			return nil // not section-formatted; render as one message
		}
		s := section{title: strings.Trim(title, "*")}
		if len(lines) > 1 {
			s.body = lines[1]
		}
		out = append(out, s)
	}
	return out
}

// chunkMessage splits content on line boundaries under limit. Lines longer
// than the limit on their own are hard-split by display width so wide
// runes don't push a chunk past the cap.
func chunkMessage(content string, limit int) []string {
	if len(content) <= limit {
		return []string{content}
	}
	var chunks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, line := range strings.Split(content, "\n") {
		for runewidth.StringWidth(line) > limit {
			head := runewidth.Truncate(line, limit, "")
			flush()
			chunks = append(chunks, head)
			line = line[len(head):]
		}
		if cur.Len()+len(line)+1 > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush()
	return chunks
}

// truncateWidth clips s to a display width, for embed field limits.
func truncateWidth(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}
