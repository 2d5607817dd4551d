// Package feed carries transcription and OCR fragments from capture
// clients to live sessions over Redis pub/sub.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix = "scribe:context:"
	logPrefix     = "scribe:context-log:"
	logLimit      = 200
	logTTL        = 24 * time.Hour
)

// Fragment is one piece of captured context addressed to a document.
type Fragment struct {
	DocumentID string    `json:"doc_id"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text"`
	Page       int       `json:"page,omitempty"`
	At         time.Time `json:"at"`
}

type Feed struct {
	client *redis.Client
	log    *zap.Logger
}

// New connects to redisURL and checks the connection.
func New(redisURL string, log *zap.Logger) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, log), nil
}

func NewWithClient(client *redis.Client, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{client: client, log: log}
}

// Publish sends frag to subscribers and appends it to the document's recent log.
func (f *Feed) Publish(ctx context.Context, frag Fragment) error {
	if strings.TrimSpace(frag.DocumentID) == "" {
		return errors.New("publish fragment: missing document id")
	}
	if frag.At.IsZero() {
		frag.At = time.Now().UTC()
	}
	raw, err := json.Marshal(frag)
	if err != nil {
		return fmt.Errorf("marshal fragment: %w", err)
	}

	logKey := logPrefix + frag.DocumentID
	pipe := f.client.TxPipeline()
	pipe.LPush(ctx, logKey, raw)
	pipe.LTrim(ctx, logKey, 0, logLimit-1)
	pipe.Expire(ctx, logKey, logTTL)
	pipe.Publish(ctx, channelPrefix+frag.DocumentID, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish fragment: %w", err)
	}
	return nil
}

// Recent returns up to n of the latest fragments for a document, oldest first.
func (f *Feed) Recent(ctx context.Context, documentID string, n int) ([]Fragment, error) {
	if n <= 0 || n > logLimit {
		n = logLimit
	}
	items, err := f.client.LRange(ctx, logPrefix+documentID, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read fragment log: %w", err)
	}
	out := make([]Fragment, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		var frag Fragment
		if err := json.Unmarshal([]byte(items[i]), &frag); err != nil {
			f.log.Warn("skip malformed logged fragment", zap.String("doc_id", documentID), zap.Error(err))
			continue
		}
		out = append(out, frag)
	}
	return out, nil
}

// Subscribe delivers every published fragment to handle until ctx is done.
// It returns once the subscription is confirmed; delivery runs on its own
// goroutine.
func (f *Feed) Subscribe(ctx context.Context, handle func(Fragment)) error {
	sub := f.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe context feed: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var frag Fragment
				if err := json.Unmarshal([]byte(msg.Payload), &frag); err != nil {
					f.log.Warn("drop malformed fragment", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if frag.DocumentID == "" {
					frag.DocumentID = strings.TrimPrefix(msg.Channel, channelPrefix)
				}
				handle(frag)
			}
		}
	}()
	return nil
}

func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *Feed) Close() error {
	return f.client.Close()
}
