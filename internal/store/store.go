// Package store persists gateway state in SQLite: group registrations, chat
// metadata for discovery, and the journal of delivered messages.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qwibitai/nanoclaw-sub004/pkg/models"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at path. Use ":memory:" for tests.
func New(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS registered_groups (
	jid              TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	folder           TEXT NOT NULL,
	trigger_pattern  TEXT NOT NULL DEFAULT '',
	requires_trigger INTEGER NOT NULL DEFAULT 1,
	added_at         TEXT NOT NULL,
	container_config TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chat_metadata (
	jid       TEXT PRIMARY KEY,
	channel   TEXT NOT NULL,
	name      TEXT NOT NULL DEFAULT '',
	is_group  INTEGER NOT NULL DEFAULT 0,
	last_seen TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id             TEXT NOT NULL,
	chat_jid       TEXT NOT NULL,
	channel        TEXT NOT NULL,
	sender         TEXT NOT NULL DEFAULT '',
	sender_name    TEXT NOT NULL DEFAULT '',
	content        TEXT NOT NULL DEFAULT '',
	timestamp      TEXT NOT NULL,
	is_from_me     INTEGER NOT NULL DEFAULT 0,
	is_bot_message INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (id, chat_jid)
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_time ON messages (chat_jid, timestamp);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// UpsertRegisteredGroup inserts or replaces a registration record.
func (s *Store) UpsertRegisteredGroup(ctx context.Context, group models.RegisteredGroup) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registered_groups (jid, name, folder, trigger_pattern, requires_trigger, added_at, container_config)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger_pattern = excluded.trigger_pattern,
			requires_trigger = excluded.requires_trigger,
			container_config = excluded.container_config`,
		group.JID, group.Name, group.Folder, group.Trigger, group.RequiresTrigger, group.AddedAt, group.ContainerConfig)
	return err
}

// DeleteRegisteredGroup removes a registration record.
func (s *Store) DeleteRegisteredGroup(ctx context.Context, jid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM registered_groups WHERE jid = ?`, jid)
	return err
}

// LoadRegisteredGroups returns all registration records.
func (s *Store) LoadRegisteredGroups(ctx context.Context) ([]models.RegisteredGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, name, folder, trigger_pattern, requires_trigger, added_at, container_config
		FROM registered_groups ORDER BY added_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.RegisteredGroup
	for rows.Next() {
		var g models.RegisteredGroup
		if err := rows.Scan(&g.JID, &g.Name, &g.Folder, &g.Trigger, &g.RequiresTrigger, &g.AddedAt, &g.ContainerConfig); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpsertChatMetadata records the latest sighting of a conversation.
func (s *Store) UpsertChatMetadata(ctx context.Context, meta models.ChatMetadata) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_metadata (jid, channel, name, is_group, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			channel = excluded.channel,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chat_metadata.name END,
			is_group = excluded.is_group,
			last_seen = excluded.last_seen`,
		meta.JID, string(meta.Channel), meta.Name, meta.IsGroup, meta.LastSeen.UTC())
	return err
}

// LoadChatMetadata returns every known conversation, most recent first.
func (s *Store) LoadChatMetadata(ctx context.Context) ([]models.ChatMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT jid, channel, name, is_group, last_seen
		FROM chat_metadata ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metas []models.ChatMetadata
	for rows.Next() {
		var m models.ChatMetadata
		var channel string
		if err := rows.Scan(&m.JID, &channel, &m.Name, &m.IsGroup, &m.LastSeen); err != nil {
			return nil, err
		}
		m.Channel = models.ChannelType(channel)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// StoreMessage journals a delivered message. Redelivery of the same platform
// message id for the same chat is a no-op.
func (s *Store) StoreMessage(ctx context.Context, msg models.InboundMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_jid, channel, sender, sender_name, content, timestamp, is_from_me, is_bot_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, chat_jid) DO NOTHING`,
		msg.ID, msg.ChatJID, string(msg.Channel), msg.Sender, msg.SenderName, msg.Content, msg.Timestamp, msg.IsFromMe, msg.IsBotMessage)
	return err
}

// LoadNewMessages returns journaled messages for the given chats newer than
// since, oldest first, excluding the gateway's own output. botPrefix guards
// against platforms that echo sends back without IsFromMe set.
func (s *Store) LoadNewMessages(ctx context.Context, jids []string, since time.Time, botPrefix string) ([]models.InboundMessage, error) {
	if len(jids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, chat_jid, channel, sender, sender_name, content, timestamp, is_from_me, is_bot_message
		FROM messages
		WHERE timestamp > ? AND is_bot_message = 0 AND chat_jid IN (?` + strings.Repeat(",?", len(jids)-1) + `)`
	args := make([]any, 0, len(jids)+2)
	args = append(args, since.UTC().Format(time.RFC3339))
	for _, jid := range jids {
		args = append(args, jid)
	}
	if botPrefix != "" {
		query += ` AND content NOT LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(botPrefix)+"%")
	}
	query += ` ORDER BY timestamp`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.InboundMessage
	for rows.Next() {
		var m models.InboundMessage
		var channel string
		if err := rows.Scan(&m.ID, &m.ChatJID, &channel, &m.Sender, &m.SenderName, &m.Content, &m.Timestamp, &m.IsFromMe, &m.IsBotMessage); err != nil {
			return nil, err
		}
		m.Channel = models.ChannelType(channel)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
