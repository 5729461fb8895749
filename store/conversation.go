package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
)

const (
	conversationColumns   = "id, participants_id, participant_a, participant_b, seq, create_time"
	findConversationSQL   = "SELECT " + conversationColumns + " FROM conversations WHERE participants_id=?"
	shareConversationSQL  = findConversationSQL + " LOCK IN SHARE MODE"
	getConversationSQL    = "SELECT " + conversationColumns + " FROM conversations WHERE id=?"
	lockConversationSQL   = "SELECT " + conversationColumns + " FROM conversations WHERE id=? FOR UPDATE"
	insertConversationSQL = "INSERT INTO conversations (id, participants_id, participant_a, participant_b, seq, create_time) VALUES (?,?,?,?,0,?)"
	incSeqSQL             = "UPDATE conversations SET seq=seq+1 WHERE id=? AND seq=?"

	insertChatSQL = "INSERT INTO chats (id, conversation_id, seq, sent_by, content, client_id, client_time, create_time) " +
		"VALUES (?,?,?,?,?,?,?,?)"
	fetchChatsSQL = "SELECT id, seq, sent_by, content, client_id, client_time, create_time, viewed " +
		"FROM chats WHERE conversation_id=? ORDER BY seq ASC"
	setReadSQL   = "UPDATE chats SET viewed=1 WHERE conversation_id=? AND sent_by<>? AND viewed=0"
	lastChatsSQL = "SELECT c.id, c.participant_a, c.participant_b, ch.content, ch.create_time, " +
		"(SELECT COUNT(*) FROM chats AS u WHERE u.conversation_id=c.id AND u.viewed=0 AND u.sent_by<>?) " +
		"FROM conversations AS c, chats AS ch " +
		"WHERE (c.participant_a=? OR c.participant_b=?) AND ch.conversation_id=c.id AND ch.seq=c.seq " +
		"ORDER BY ch.create_time DESC"
)

// sqlStore implements `IConversationStore` and `IUserDirectory` over MySQL.
type sqlStore struct {
	*sql.DB
}

func NewSQLStore(db *sql.DB) *sqlStore {
	return &sqlStore{db}
}

func (s *sqlStore) withTx(ctx context.Context, exec func(ctx context.Context, tx *sql.Tx) error, opts ...*sql.TxOptions) error {
	var txOpts *sql.TxOptions
	if len(opts) == 0 {
		txOpts = &sql.TxOptions{
			Isolation: sql.LevelRepeatableRead,
			ReadOnly:  false,
		}
	} else {
		txOpts = opts[0]
	}
	tx, err := s.BeginTx(ctx, txOpts)
	if err != nil {
		return err
	}

	if err := exec(ctx, tx); err != nil {
		if err2 := tx.Rollback(); err2 != nil {
			glog.Errorf("failed to rollback: %v", err2)
		}
		return err
	}

	return tx.Commit()
}

func (s *sqlStore) IsDupKeyError(err error) bool {
	var val *mysql.MySQLError
	if errors.As(err, &val) {
		return val.Number == 1062
	}
	return false
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.Id, &c.ParticipantsId, &c.Participants[0], &c.Participants[1], &c.Seq, &c.CreateTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *sqlStore) FindOrCreate(ctx context.Context, a, b string) (*Conversation, error) {
	key := PairKey(a, b)

	var out *Conversation
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		c, err := scanConversation(tx.QueryRowContext(ctx, findConversationSQL, key))
		if err == nil {
			out = c
			return nil
		} else if err != ErrNotFound {
			glog.Errorf("find conversation scan err: %v", err)
			return err
		}

		pair := sortPair(a, b)
		c = &Conversation{
			Id:             NewId(),
			ParticipantsId: key,
			Participants:   pair,
			CreateTime:     time.Now().UTC().Truncate(time.Millisecond),
		}
		if _, err := tx.ExecContext(ctx, insertConversationSQL, c.Id, key, pair[0], pair[1], c.CreateTime); err != nil {
			if !s.IsDupKeyError(err) {
				glog.Errorf("insert conversation err: %v", err)
				return err
			}
			// created concurrently. A plain select reads the snapshot taken before the
			// insert, a locking read sees the committed row.
			if c, err = scanConversation(tx.QueryRowContext(ctx, shareConversationSQL, key)); err != nil {
				glog.Errorf("find conversation after dup key err: %v", err)
				return err
			}
		}
		out = c
		return nil
	}); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlStore) Get(ctx context.Context, conversationId string) (*Conversation, error) {
	return scanConversation(s.QueryRowContext(ctx, getConversationSQL, conversationId))
}

func (s *sqlStore) Append(ctx context.Context, conversationId string, chat *Chat) (*Chat, error) {
	out := *chat
	out.ConversationId = conversationId
	out.Id = NewId()
	out.Viewed = false

	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		// select for update: serializes appends to the same conversation.
		c, err := scanConversation(tx.QueryRowContext(ctx, lockConversationSQL, conversationId))
		if err != nil {
			return err
		}
		if !c.HasParticipant(chat.SentBy) {
			return ErrNotParticipant
		}

		if _, err := tx.ExecContext(ctx, incSeqSQL, conversationId, c.Seq); err != nil {
			glog.Errorf("update seq exec err: %v", err)
			return err
		}

		out.Seq = c.Seq + 1
		out.CreateTime = time.Now().UTC().Truncate(time.Millisecond)

		var clientTime sql.NullTime
		if !chat.ClientTime.IsZero() {
			clientTime = sql.NullTime{Time: chat.ClientTime.UTC(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, insertChatSQL, out.Id, conversationId, out.Seq, out.SentBy,
			out.Content, out.ClientId, clientTime, out.CreateTime); err != nil {
			glog.Errorf("insert chat exec err: %v", err)
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *sqlStore) Fetch(ctx context.Context, conversationId string) ([]*Chat, error) {
	rows, err := s.QueryContext(ctx, fetchChatsSQL, conversationId)
	if err != nil {
		glog.Errorf("fetch chats query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		c := Chat{ConversationId: conversationId}
		var clientTime sql.NullTime
		if err := rows.Scan(&c.Id, &c.Seq, &c.SentBy, &c.Content, &c.ClientId, &clientTime, &c.CreateTime, &c.Viewed); err != nil {
			glog.Errorf("fetch chats scan err: %v", err)
			return nil, err
		}
		if clientTime.Valid {
			c.ClientTime = clientTime.Time
		}
		chats = append(chats, &c)
	}
	return chats, rows.Err()
}

func (s *sqlStore) LastChats(ctx context.Context, uid string) ([]*ChatSummary, error) {
	rows, err := s.QueryContext(ctx, lastChatsSQL, uid, uid, uid)
	if err != nil {
		glog.Errorf("last chats query err: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []*ChatSummary
	for rows.Next() {
		var v ChatSummary
		var a, b string
		if err := rows.Scan(&v.ConversationId, &a, &b, &v.LastMessage, &v.Timestamp, &v.UnreadCount); err != nil {
			glog.Errorf("last chats scan err: %v", err)
			return nil, err
		}
		v.PeerId = (&Conversation{Participants: [2]string{a, b}}).Peer(uid)
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetRead(ctx context.Context, conversationId, reader string) (int64, error) {
	var changed int64
	if err := s.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		c, err := scanConversation(tx.QueryRowContext(ctx, getConversationSQL, conversationId))
		if err != nil {
			return err
		}
		if !c.HasParticipant(reader) {
			return ErrNotParticipant
		}

		res, err := tx.ExecContext(ctx, setReadSQL, conversationId, reader)
		if err != nil {
			return err
		}
		changed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("set read rows affected: %w", err)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	return changed, nil
}
