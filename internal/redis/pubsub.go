package redisx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const ChannelInventoryChanged = "tixrush:v1:inventory:changed"

const (
	NoticeSoldOut   = "sold_out"
	NoticeRestocked = "restocked"
)

// InventoryNotice tells every node that the sellable state of a date changed.
type InventoryNotice struct {
	Type   string `json:"type"`
	Date   string `json:"date"`
	TsUnix int64  `json:"ts_unix"`
}

type InventoryPubSub struct {
	rdb     *redis.Client
	channel string
}

func NewInventoryPubSub(rdb *redis.Client) *InventoryPubSub {
	return &InventoryPubSub{
		rdb:     rdb,
		channel: ChannelInventoryChanged,
	}
}

func (p *InventoryPubSub) PublishSoldOut(ctx context.Context, date string) error {
	return p.publish(ctx, NoticeSoldOut, date)
}

func (p *InventoryPubSub) PublishRestocked(ctx context.Context, date string) error {
	return p.publish(ctx, NoticeRestocked, date)
}

func (p *InventoryPubSub) publish(ctx context.Context, typ, date string) error {
	msg := InventoryNotice{
		Type:   typ,
		Date:   date,
		TsUnix: time.Now().Unix(),
	}

	b, _ := json.Marshal(msg)

	return p.rdb.Publish(ctx, p.channel, b).Err()
}

// Subscribe blocks until ctx is done, invoking handler for every well-formed
// notice.
func (p *InventoryPubSub) Subscribe(ctx context.Context, handler func(ctx context.Context, n InventoryNotice)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var n InventoryNotice
			if err := json.Unmarshal([]byte(m.Payload), &n); err == nil &&
				n.Date != "" {
				handler(ctx, n)
			}
		}
	}
}
