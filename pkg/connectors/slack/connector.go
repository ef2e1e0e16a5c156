// Package slack implements a checkpointed connector over the Slack Web API.
// One checkpoint span covers one page of one channel's history; threads are
// expanded into documents, one per thread.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/quarryhq/quarry/pkg/connectors"
)

const historyPageSize = 100

// Config is the connector-specific configuration.
type Config struct {
	// Channels restricts indexing to the named channels; empty means all
	// public channels the bot can see.
	Channels []string `json:"channels"`
	// WorkspaceURL is used to build message permalinks.
	WorkspaceURL string `json:"workspace_url"`
}

// Checkpoint is the resumable cursor: the channel worklist, the position in
// it, the history cursor inside the current channel, and the thread
// timestamps already emitted (Slack pages newest → oldest, so replies can
// reappear on later pages).
type Checkpoint struct {
	ChannelIDs    []string        `json:"channel_ids"`
	ChannelIndex  int             `json:"channel_index"`
	HistoryCursor string          `json:"history_cursor"`
	SeenThreadTS  map[string]bool `json:"seen_thread_ts"`
	EnumeratedAll bool            `json:"enumerated_all"`
	MoreWork      bool            `json:"more_work"`
}

// HasMore reports whether another span remains.
func (c Checkpoint) HasMore() bool { return c.MoreWork }

// Connector pulls messages and threads from Slack.
type Connector struct {
	cfg    Config
	client *goslack.Client
}

// New builds a Slack connector from its configuration.
func New(config json.RawMessage) (connectors.Connector, error) {
	var cfg Config
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("decoding slack connector config: %w", err)
		}
	}
	return &Connector{cfg: cfg}, nil
}

// LoadCredentials installs the bot token.
func (c *Connector) LoadCredentials(credentials map[string]any) error {
	token, _ := credentials["slack_bot_token"].(string)
	if token == "" {
		return errors.New("slack_bot_token credential missing")
	}
	c.client = goslack.New(token)
	return nil
}

// ValidateConnectorSettings checks the token against the auth endpoint.
func (c *Connector) ValidateConnectorSettings(ctx context.Context) error {
	if c.client == nil {
		return &connectors.ValidationError{Source: "slack", Message: "credentials not loaded"}
	}
	_, err := c.client.AuthTestContext(ctx)
	if err != nil {
		var rl *goslack.RateLimitedError
		if errors.As(err, &rl) {
			return &connectors.RateLimitedError{RetryAfter: rl.RetryAfter, Err: err}
		}
		msg := err.Error()
		switch {
		case strings.Contains(msg, "invalid_auth"), strings.Contains(msg, "token_revoked"), strings.Contains(msg, "token_expired"):
			return &connectors.CredentialExpiredError{Source: "slack", Err: err}
		case strings.Contains(msg, "missing_scope"), strings.Contains(msg, "not_allowed"):
			return &connectors.InsufficientPermissionsError{Source: "slack", Err: err}
		default:
			return &connectors.UnexpectedValidationError{Source: "slack", Err: err}
		}
	}
	return nil
}

// BuildDummyCheckpoint starts a run from nothing.
func (c *Connector) BuildDummyCheckpoint() connectors.Checkpoint {
	return Checkpoint{SeenThreadTS: map[string]bool{}, MoreWork: true}
}

// ValidateCheckpointJSON round-trips a persisted checkpoint.
func (c *Connector) ValidateCheckpointJSON(raw string) (connectors.Checkpoint, error) {
	var ck Checkpoint
	if err := json.Unmarshal([]byte(raw), &ck); err != nil {
		return nil, fmt.Errorf("decoding slack checkpoint: %w", err)
	}
	if ck.SeenThreadTS == nil {
		ck.SeenThreadTS = map[string]bool{}
	}
	return ck, nil
}

// LoadFromCheckpoint yields one span: either channel enumeration or one page
// of one channel's history with its threads.
func (c *Connector) LoadFromCheckpoint(ctx context.Context, start, end time.Time, ck connectors.Checkpoint) connectors.DocumentIterator {
	sck := ck.(Checkpoint)
	return &iterator{conn: c, ck: sck, start: start, end: end}
}

type iterator struct {
	conn  *Connector
	ck    Checkpoint
	start time.Time
	end   time.Time

	items []connectors.Item
	pos   int
	next  Checkpoint
	ready bool
}

func (it *iterator) Next(ctx context.Context) (*connectors.Item, error) {
	if !it.ready {
		if err := it.fill(ctx); err != nil {
			return nil, err
		}
		it.ready = true
	}
	if it.pos >= len(it.items) {
		return nil, nil
	}
	item := it.items[it.pos]
	it.pos++
	return &item, nil
}

func (it *iterator) Checkpoint() connectors.Checkpoint { return it.next }

// fill produces this span's items and the next checkpoint.
func (it *iterator) fill(ctx context.Context) error {
	ck := it.ck

	if !ck.EnumeratedAll {
		ids, err := it.conn.enumerateChannels(ctx)
		if err != nil {
			return err
		}
		ck.ChannelIDs = ids
		ck.EnumeratedAll = true
		ck.MoreWork = len(ids) > 0
		it.next = ck
		return nil
	}

	if ck.ChannelIndex >= len(ck.ChannelIDs) {
		ck.MoreWork = false
		it.next = ck
		return nil
	}

	channelID := ck.ChannelIDs[ck.ChannelIndex]
	items, nextCursor, err := it.conn.fetchHistoryPage(ctx, channelID, ck, it.start, it.end)
	if err != nil {
		var rl *goslack.RateLimitedError
		if errors.As(err, &rl) {
			return &connectors.RateLimitedError{RetryAfter: rl.RetryAfter, Err: err}
		}
		// An unreachable channel fails as an entity and the run moves on.
		it.items = []connectors.Item{{Failure: &connectors.ConnectorFailure{
			FailedEntityID: channelID,
			Message:        fmt.Sprintf("fetching history for channel %s", channelID),
			Err:            err,
		}}}
		ck.ChannelIndex++
		ck.HistoryCursor = ""
		ck.MoreWork = ck.ChannelIndex < len(ck.ChannelIDs)
		it.next = ck
		return nil
	}

	it.items = items
	if nextCursor == "" {
		ck.ChannelIndex++
	}
	ck.HistoryCursor = nextCursor
	ck.MoreWork = ck.ChannelIndex < len(ck.ChannelIDs) || nextCursor != ""
	it.next = ck
	return nil
}

// enumerateChannels lists the channels to index.
func (c *Connector) enumerateChannels(ctx context.Context) ([]string, error) {
	wanted := make(map[string]bool, len(c.cfg.Channels))
	for _, name := range c.cfg.Channels {
		wanted[name] = true
	}

	var ids []string
	cursor := ""
	for {
		channels, next, err := c.client.GetConversationsContext(ctx, &goslack.GetConversationsParameters{
			Cursor:          cursor,
			Limit:           200,
			Types:           []string{"public_channel"},
			ExcludeArchived: true,
		})
		if err != nil {
			var rl *goslack.RateLimitedError
			if errors.As(err, &rl) {
				return nil, &connectors.RateLimitedError{RetryAfter: rl.RetryAfter, Err: err}
			}
			return nil, fmt.Errorf("listing slack channels: %w", err)
		}
		for _, ch := range channels {
			if len(wanted) == 0 || wanted[ch.Name] {
				ids = append(ids, ch.ID)
			}
		}
		if next == "" {
			return ids, nil
		}
		cursor = next
	}
}

// fetchHistoryPage pulls one page of channel history and expands each thread
// root into a document. Replies already covered by a seen thread are skipped.
func (c *Connector) fetchHistoryPage(ctx context.Context, channelID string, ck Checkpoint, start, end time.Time) ([]connectors.Item, string, error) {
	params := &goslack.GetConversationHistoryParameters{
		ChannelID: channelID,
		Cursor:    ck.HistoryCursor,
		Limit:     historyPageSize,
	}
	if !start.IsZero() {
		params.Oldest = slackTS(start)
	}
	if !end.IsZero() {
		params.Latest = slackTS(end)
	}

	resp, err := c.client.GetConversationHistoryContext(ctx, params)
	if err != nil {
		return nil, "", err
	}

	var items []connectors.Item
	for _, msg := range resp.Messages {
		threadTS := msg.ThreadTimestamp
		if threadTS == "" {
			threadTS = msg.Timestamp
		}
		if ck.SeenThreadTS[threadTS] {
			continue
		}
		ck.SeenThreadTS[threadTS] = true

		doc, err := c.threadToDocument(ctx, channelID, msg, threadTS)
		if err != nil {
			var rl *goslack.RateLimitedError
			if errors.As(err, &rl) {
				return nil, "", err
			}
			items = append(items, connectors.Item{Failure: &connectors.ConnectorFailure{
				FailedDocumentID: documentID(channelID, threadTS),
				Message:          fmt.Sprintf("expanding thread %s in channel %s", threadTS, channelID),
				Err:              err,
			}})
			continue
		}
		if doc != nil {
			items = append(items, connectors.Item{Document: doc})
		}
	}

	nextCursor := ""
	if resp.HasMore && resp.ResponseMetaData.NextCursor != "" {
		nextCursor = resp.ResponseMetaData.NextCursor
	}
	return items, nextCursor, nil
}

// threadToDocument turns one thread into a document, one section per message.
func (c *Connector) threadToDocument(ctx context.Context, channelID string, root goslack.Message, threadTS string) (*connectors.Document, error) {
	messages := []goslack.Message{root}
	if root.ReplyCount > 0 || root.ThreadTimestamp != "" {
		replies, err := c.fetchReplies(ctx, channelID, threadTS)
		if err != nil {
			return nil, err
		}
		if len(replies) > 0 {
			messages = replies
		}
	}

	var sections []connectors.Section
	var latest time.Time
	for _, m := range messages {
		if m.Text == "" {
			continue
		}
		ts := tsTime(m.Timestamp)
		if ts.After(latest) {
			latest = ts
		}
		sections = append(sections, connectors.Section{
			Link: c.permalink(channelID, m.Timestamp),
			Text: m.Text,
		})
	}
	if len(sections) == 0 {
		return nil, nil
	}

	title := root.Text
	if len(title) > 64 {
		title = title[:64]
	}

	updatedAt := latest.UTC()
	return &connectors.Document{
		ID:                 documentID(channelID, threadTS),
		SemanticIdentifier: title,
		Title:              title,
		Sections:           sections,
		Metadata: map[string]any{
			"channel": channelID,
		},
		DocUpdatedAt: &updatedAt,
		Source:       "slack",
	}, nil
}

// fetchReplies pages through a thread's replies.
func (c *Connector) fetchReplies(ctx context.Context, channelID, threadTS string) ([]goslack.Message, error) {
	var all []goslack.Message
	cursor := ""
	for {
		msgs, hasMore, next, err := c.client.GetConversationRepliesContext(ctx, &goslack.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: threadTS,
			Cursor:    cursor,
			Limit:     historyPageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, msgs...)
		if !hasMore || next == "" {
			return all, nil
		}
		cursor = next
	}
}

func (c *Connector) permalink(channelID, ts string) string {
	if c.cfg.WorkspaceURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/archives/%s/p%s",
		strings.TrimSuffix(c.cfg.WorkspaceURL, "/"), channelID, strings.ReplaceAll(ts, ".", ""))
}

func documentID(channelID, threadTS string) string {
	return fmt.Sprintf("slack__%s__%s", channelID, threadTS)
}

// slackTS renders a time as a Slack message timestamp.
func slackTS(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10) + ".000000"
}

// tsTime parses a Slack message timestamp.
func tsTime(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
