package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

type published struct {
	exchange string
	key      string
	msg      amqp091.Publishing
}

type fakeChannel struct {
	sent []published
	err  error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func TestNew_RequiresChannel(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestNotify(t *testing.T) {
	ch := &fakeChannel{}
	n, err := New(ch, Config{})
	require.NoError(t, err)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ends := at.Add(7 * 24 * time.Hour)
	notice := &gosubs.Notice{
		Kind:           gosubs.NoticeGraceStarted,
		UserID:         "user1",
		SubscriptionID: "sub1",
		At:             at,
		EndsAt:         &ends,
	}
	require.NoError(t, n.Notify(context.Background(), notice))

	require.Len(t, ch.sent, 1)
	got := ch.sent[0]
	assert.Equal(t, "gosubs.notices", got.exchange)
	assert.Equal(t, "notice.grace_started", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp091.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, at, got.msg.Timestamp)
	assert.NotEmpty(t, got.msg.MessageId)

	var decoded gosubs.Notice
	require.NoError(t, json.Unmarshal(got.msg.Body, &decoded))
	assert.Equal(t, "user1", decoded.UserID)
	require.NotNil(t, decoded.EndsAt)
	assert.True(t, ends.Equal(*decoded.EndsAt))
}

func TestNotify_CustomRoutingAndErrors(t *testing.T) {
	ch := &fakeChannel{}
	n, err := New(ch, Config{Exchange: "billing", RoutingKeyPrefix: "subs."})
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), nil))
	assert.Empty(t, ch.sent)

	require.NoError(t, n.Notify(context.Background(), &gosubs.Notice{Kind: gosubs.NoticeAccountPurged, UserID: "u"}))
	assert.Equal(t, "billing", ch.sent[0].exchange)
	assert.Equal(t, "subs.account_purged", ch.sent[0].key)

	ch.err = errors.New("channel closed")
	err = n.Notify(context.Background(), &gosubs.Notice{Kind: gosubs.NoticeRefunded, UserID: "u"})
	assert.ErrorContains(t, err, "subscription_refunded")
	assert.NoError(t, n.Close())
}
