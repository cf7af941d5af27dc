package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Discord posts messages to one channel through the bot REST API. No
// gateway connection is opened; message sends are plain HTTP calls.
type Discord struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscord builds a Discord notifier from a bot token and channel ID.
func NewDiscord(botToken, channelID string) (*Discord, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &Discord{session: session, channelID: channelID}, nil
}

// Name implements Notifier.
func (d *Discord) Name() string { return "discord" }

// Send implements Notifier.
func (d *Discord) Send(ctx context.Context, msg Message) error {
	content := fmt.Sprintf("**%s**\n%s", msg.Title, msg.Body)
	_, err := d.session.ChannelMessageSend(d.channelID, content, discordgo.WithContext(ctx))
	return err
}
