package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	conversationsBucket = []byte("conversations") // id -> Conversation
	pairsBucket         = []byte("pairs")         // participants id -> conversation id
	chatsBucket         = []byte("chats")         // conversation id -> (seq -> Chat)
	usersBucket         = []byte("users")         // uid -> Profile
)

// boltStore implements `IConversationStore` and `IUserDirectory` on an
// embedded bbolt file, for standalone nodes and tests.
// bbolt allows one writer at a time, so appends are serialized.
type boltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*boltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{conversationsBucket, pairsBucket, chatsBucket, usersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bolt init buckets: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(seq))
	return b
}

func getConversation(tx *bbolt.Tx, id string) (*Conversation, error) {
	v := tx.Bucket(conversationsBucket).Get([]byte(id))
	if v == nil {
		return nil, ErrNotFound
	}
	var c Conversation
	if err := json.Unmarshal(v, &c); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &c, nil
}

func putJSON(b *bbolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *boltStore) FindOrCreate(ctx context.Context, a, b string) (*Conversation, error) {
	key := PairKey(a, b)

	var out *Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if id := tx.Bucket(pairsBucket).Get([]byte(key)); id != nil {
			c, err := getConversation(tx, string(id))
			out = c
			return err
		}

		c := &Conversation{
			Id:             NewId(),
			ParticipantsId: key,
			Participants:   sortPair(a, b),
			CreateTime:     time.Now().UTC().Truncate(time.Millisecond),
		}
		if err := putJSON(tx.Bucket(conversationsBucket), []byte(c.Id), c); err != nil {
			return err
		}
		if err := tx.Bucket(pairsBucket).Put([]byte(key), []byte(c.Id)); err != nil {
			return err
		}
		if _, err := tx.Bucket(chatsBucket).CreateBucket([]byte(c.Id)); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *boltStore) Get(ctx context.Context, conversationId string) (*Conversation, error) {
	var out *Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		c, err := getConversation(tx, conversationId)
		out = c
		return err
	})
	return out, err
}

func (s *boltStore) Append(ctx context.Context, conversationId string, chat *Chat) (*Chat, error) {
	out := *chat
	out.ConversationId = conversationId
	out.Id = NewId()
	out.Viewed = false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		c, err := getConversation(tx, conversationId)
		if err != nil {
			return err
		}
		if !c.HasParticipant(chat.SentBy) {
			return ErrNotParticipant
		}

		chats := tx.Bucket(chatsBucket).Bucket([]byte(conversationId))
		if chats == nil {
			return fmt.Errorf("chats bucket of conversation %s is missing", conversationId)
		}

		c.Seq++
		out.Seq = c.Seq
		out.CreateTime = time.Now().UTC().Truncate(time.Millisecond)

		if err := putJSON(chats, seqKey(out.Seq), &out); err != nil {
			return err
		}
		return putJSON(tx.Bucket(conversationsBucket), []byte(c.Id), c)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *boltStore) Fetch(ctx context.Context, conversationId string) ([]*Chat, error) {
	var chats []*Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(chatsBucket).Bucket([]byte(conversationId))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var c Chat
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			chats = append(chats, &c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return chats, nil
}

func (s *boltStore) LastChats(ctx context.Context, uid string) ([]*ChatSummary, error) {
	var out []*ChatSummary
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatsRoot := tx.Bucket(chatsBucket)
		return tx.Bucket(conversationsBucket).ForEach(func(k, v []byte) error {
			var c Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if !c.HasParticipant(uid) || c.Seq == 0 {
				return nil
			}

			chats := chatsRoot.Bucket(k)
			if chats == nil {
				return nil
			}

			summary := &ChatSummary{ConversationId: c.Id, PeerId: c.Peer(uid)}
			if err := chats.ForEach(func(_, cv []byte) error {
				var chat Chat
				if err := json.Unmarshal(cv, &chat); err != nil {
					return err
				}
				if !chat.Viewed && chat.SentBy != uid {
					summary.UnreadCount++
				}
				if chat.Seq == c.Seq {
					summary.LastMessage = chat.Content
					summary.Timestamp = chat.CreateTime
				}
				return nil
			}); err != nil {
				return err
			}
			out = append(out, summary)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (s *boltStore) SetRead(ctx context.Context, conversationId, reader string) (int64, error) {
	var changed int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		c, err := getConversation(tx, conversationId)
		if err != nil {
			return err
		}
		if !c.HasParticipant(reader) {
			return ErrNotParticipant
		}

		b := tx.Bucket(chatsBucket).Bucket([]byte(conversationId))
		if b == nil {
			return nil
		}

		// collect first: mutating while iterating invalidates the cursor.
		updates := make(map[string]*Chat)
		if err := b.ForEach(func(k, v []byte) error {
			var chat Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return err
			}
			if !chat.Viewed && chat.SentBy != reader {
				chat.Viewed = true
				updates[string(k)] = &chat
			}
			return nil
		}); err != nil {
			return err
		}

		for k, chat := range updates {
			if err := putJSON(b, []byte(k), chat); err != nil {
				return err
			}
		}
		changed = int64(len(updates))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *boltStore) Profile(ctx context.Context, uid string) (*Profile, error) {
	var out *Profile
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(usersBucket).Get([]byte(uid))
		if v == nil {
			return ErrNotFound
		}
		var p Profile
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		out = &p
		return nil
	})
	return out, err
}

func (s *boltStore) PutProfile(ctx context.Context, p *Profile) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket(usersBucket), []byte(p.Id), p)
	})
}
