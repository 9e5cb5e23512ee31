package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"lotbid/adapters/bus"
)

func TestStreamTransport(t *testing.T) {
	t.Run("events reach subscribers on every instance in order", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		_, client, cleanup := setupMiniredis(t)
		defer cleanup()
		ctx := context.Background()

		// 兩個服務實例共用同一個 redis
		var registries []*bus.Registry[TestMessage]
		var transports []*StreamTransport[TestMessage]
		for i := 0; i < 2; i++ {
			transport, err := NewStreamTransport[TestMessage](client,
				WithStreamTransportBlockTimeout(50*time.Millisecond))
			require.NoError(t, err)
			registry, err := bus.NewRegistry[TestMessage](transport)
			require.NoError(t, err)
			transports = append(transports, transport)
			registries = append(registries, registry)
		}
		defer func() {
			for i := range registries {
				registries[i].Close()
				transports[i].Close()
			}
		}()

		var mu sync.Mutex
		received := make([][]string, 2)
		for i, registry := range registries {
			_, err := registry.Subscribe(ctx, "auction:1", func(m TestMessage) {
				mu.Lock()
				defer mu.Unlock()
				received[i] = append(received[i], m.ID)
			})
			require.NoError(t, err)
		}

		for _, id := range []string{"1", "2", "3"} {
			require.NoError(t, registries[0].Publish(ctx, "auction:1", TestMessage{ID: id}))
		}

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(received[0]) == 3 && len(received[1]) == 3
		}, 2*time.Second, 20*time.Millisecond)
		mu.Lock()
		assert.Equal(t, []string{"1", "2", "3"}, received[0])
		assert.Equal(t, []string{"1", "2", "3"}, received[1])
		mu.Unlock()
	})

	t.Run("new connection skips history", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		_, client, cleanup := setupMiniredis(t)
		defer cleanup()
		ctx := context.Background()

		addTestMessage(t, client, "lotbid:events:auction:2", TestMessage{ID: "old"})

		transport, err := NewStreamTransport[TestMessage](client,
			WithStreamTransportBlockTimeout(50*time.Millisecond))
		require.NoError(t, err)
		defer transport.Close()

		conn, err := transport.Open(ctx, "auction:2")
		require.NoError(t, err)
		require.NoError(t, transport.Publish(ctx, "auction:2", TestMessage{ID: "new"}))

		assert.Equal(t, "new", receive(t, conn.Messages()).ID)
		require.NoError(t, conn.Close())
		require.NoError(t, conn.Close())
	})

	t.Run("open fails when redis is down", func(t *testing.T) {
		defer goleak.VerifyNone(t)
		mr, client, cleanup := setupMiniredis(t)
		defer cleanup()

		transport, err := NewStreamTransport[TestMessage](client)
		require.NoError(t, err)
		defer transport.Close()
		mr.Close()

		_, err = transport.Open(context.Background(), "auction:3")
		assert.Error(t, err)
	})
}
