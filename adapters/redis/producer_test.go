package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestNewProducer(t *testing.T) {
	client, _, cleanup := setupTest(t)
	defer cleanup()

	_, err := NewProducer[TestMessage](nil, "stream")
	assert.EqualError(t, err, "redis client cannot be nil")

	_, err = NewProducer[TestMessage](client, "")
	assert.EqualError(t, err, "stream cannot be empty")

	// 有 stream func 時不需要固定的 stream
	p, err := NewProducer(client, "",
		WithProducerStreamFunc(func(m TestMessage) string { return "s:" + m.ID }))
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestProducer_Publish(t *testing.T) {
	t.Run("routes each message by stream func", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		first := TestMessage{ID: "a", Data: "1"}
		second := TestMessage{ID: "b", Data: "2"}
		firstValues, err := DefaultParseToMessage(first)
		require.NoError(t, err)
		secondValues, err := DefaultParseToMessage(second)
		require.NoError(t, err)

		mock.ExpectXAdd(&redis.XAddArgs{
			Stream: "events:a",
			MaxLen: 10,
			Approx: true,
			Values: firstValues,
		}).SetVal("1-0")
		mock.ExpectXAdd(&redis.XAddArgs{
			Stream: "events:b",
			MaxLen: 10,
			Approx: true,
			Values: secondValues,
		}).SetVal("2-0")

		producer, err := NewProducer(client, "events",
			WithProducerMaxLen[TestMessage](10),
			WithProducerStreamFunc(func(m TestMessage) string { return "events:" + m.ID }))
		require.NoError(t, err)
		producer.Start()

		require.NoError(t, producer.Publish(first))
		require.NoError(t, producer.Publish(second))
		producer.Close()
	})

	t.Run("close drains buffered messages", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		_, client, cleanup := setupMiniredis(t)
		defer cleanup()

		producer, err := NewProducer[TestMessage](client, "drain")
		require.NoError(t, err)
		producer.Start()
		for i := 0; i < 5; i++ {
			require.NoError(t, producer.Publish(TestMessage{ID: "x"}))
		}
		producer.Close()

		n, err := client.XLen(context.Background(), "drain").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(5), n)
	})

	t.Run("publish to closed producer", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		producer, err := NewProducer[TestMessage](client, "test-stream")
		require.NoError(t, err)

		assert.ErrorIs(t, producer.Publish(TestMessage{}), ErrProducerClosed)
		producer.Start()
		producer.Start()
		producer.Close()
		producer.Close()
		assert.ErrorIs(t, producer.Publish(TestMessage{}), ErrProducerClosed)
	})

	t.Run("parse error is returned to caller", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, _, cleanup := setupTest(t)
		defer cleanup()

		producer, err := NewProducer(client, "test-stream",
			WithProducerParseFunc(func(TestMessage) (map[string]any, error) {
				return nil, errors.New("parse error")
			}))
		require.NoError(t, err)
		producer.Start()
		defer producer.Close()

		assert.ErrorContains(t, producer.Publish(TestMessage{}), "parse error")
	})

	t.Run("redis error does not stop producer", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		client, mock, cleanup := setupTest(t)
		defer cleanup()

		msg := TestMessage{ID: "1"}
		values, err := DefaultParseToMessage(msg)
		require.NoError(t, err)
		mock.ExpectXAdd(&redis.XAddArgs{Stream: "test-stream", Values: values}).SetErr(redis.ErrClosed)
		mock.ExpectXAdd(&redis.XAddArgs{Stream: "test-stream", Values: values}).SetVal("2-0")

		producer, err := NewProducer(client, "test-stream",
			WithProducerDrainTimeout[TestMessage](time.Second))
		require.NoError(t, err)
		producer.Start()
		require.NoError(t, producer.Publish(msg))
		require.NoError(t, producer.Publish(msg))
		producer.Close()
	})
}
