package redis

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotbid/auction"
)

var storeNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...BidStoreOption) (*BidStore, *redis.Client) {
	t.Helper()
	_, client, cleanup := setupMiniredis(t)
	t.Cleanup(cleanup)
	store, err := NewBidStore(client, opts...)
	require.NoError(t, err)
	return store, client
}

func createLiveAuction(t *testing.T, store *BidStore, current int64) auction.Auction {
	t.Helper()
	a, err := store.CreateAuction(context.Background(), auction.NewAuction{
		LotRef:        "lot-1",
		Title:         "Vintage camera",
		StartAt:       storeNow.Add(-time.Hour),
		EndAt:         storeNow.Add(time.Hour),
		StartingPrice: current,
		MinIncrement:  100,
	})
	require.NoError(t, err)
	return a
}

func attempt(a auction.Auction, bidder string, amount, expected int64, key string) auction.BidAttempt {
	return auction.BidAttempt{
		BidID:          uuid.Must(uuid.NewV7()),
		AuctionID:      a.ID,
		BidderID:       bidder,
		Amount:         amount,
		ExpectedPrice:  expected,
		IdempotencyKey: key,
		At:             storeNow,
	}
}

func TestNewBidStore(t *testing.T) {
	_, err := NewBidStore(nil)
	assert.EqualError(t, err, "redis client cannot be nil")
}

func TestBidStore_Auctions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	later, err := store.CreateAuction(ctx, auction.NewAuction{
		LotRef:        "lot-later",
		Title:         "Later",
		Description:   "ends last",
		ImageURL:      "https://img.example/1.jpg",
		StartAt:       storeNow,
		EndAt:         storeNow.Add(2 * time.Hour),
		StartingPrice: 5000,
		MinIncrement:  50,
	})
	require.NoError(t, err)
	sooner := createLiveAuction(t, store, 10000)

	got, err := store.GetAuction(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, later, got)
	assert.Equal(t, int64(5000), got.CurrentPrice)
	assert.Nil(t, got.SettledAt)

	list, err := store.ListAuctions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, sooner.ID, list[0].ID)
	assert.Equal(t, later.ID, list[1].ID)

	_, err = store.GetAuction(ctx, uuid.New())
	assert.ErrorIs(t, err, auction.ErrAuctionNotFound)
}

func TestBidStore_ApplyBid(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts bid at exactly the increment", func(t *testing.T) {
		store, _ := newTestStore(t)
		a := createLiveAuction(t, store, 10000)

		bid, err := store.ApplyBid(ctx, attempt(a, "A", 10100, 10000, "k1"))
		require.NoError(t, err)
		assert.Equal(t, int64(10100), bid.Amount)
		assert.Equal(t, "A", bid.BidderID)

		got, err := store.GetAuction(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(10100), got.CurrentPrice)
	})

	t.Run("rejects below minimum as too low", func(t *testing.T) {
		store, _ := newTestStore(t)
		a := createLiveAuction(t, store, 10000)

		_, err := store.ApplyBid(ctx, attempt(a, "A", 10099, 10000, "k1"))
		assert.ErrorIs(t, err, auction.ErrBidTooLow)
		var bidErr *auction.BidError
		require.ErrorAs(t, err, &bidErr)
		assert.Equal(t, int64(10000), bidErr.CurrentPrice)
		assert.Equal(t, int64(10100), bidErr.MinimumBid)
		assert.Equal(t, auction.PhaseLive, bidErr.Phase)
	})

	t.Run("losing a race is a conflict, a higher bid still wins", func(t *testing.T) {
		store, _ := newTestStore(t)
		a := createLiveAuction(t, store, 10000)

		_, err := store.ApplyBid(ctx, attempt(a, "A", 10100, 10000, "a1"))
		require.NoError(t, err)

		_, err = store.ApplyBid(ctx, attempt(a, "B", 10100, 10000, "b1"))
		assert.ErrorIs(t, err, auction.ErrConcurrencyConflict)
		var bidErr *auction.BidError
		require.ErrorAs(t, err, &bidErr)
		assert.Equal(t, int64(10200), bidErr.MinimumBid)

		bid, err := store.ApplyBid(ctx, attempt(a, "B", 10200, 10100, "b2"))
		require.NoError(t, err)
		assert.Equal(t, int64(10200), bid.Amount)

		bids, err := store.ListBids(ctx, a.ID, 0)
		require.NoError(t, err)
		require.Len(t, bids, 2)
		assert.Equal(t, "B", bids[0].BidderID)
		assert.Equal(t, "A", bids[1].BidderID)
	})

	t.Run("not live", func(t *testing.T) {
		store, _ := newTestStore(t)
		a, err := store.CreateAuction(ctx, auction.NewAuction{
			LotRef: "ended", Title: "Ended",
			StartAt:       storeNow.Add(-2 * time.Hour),
			EndAt:         storeNow.Add(-time.Second),
			StartingPrice: 100,
			MinIncrement:  10,
		})
		require.NoError(t, err)

		_, err = store.ApplyBid(ctx, attempt(a, "A", 1000, 100, "k"))
		assert.ErrorIs(t, err, auction.ErrAuctionNotLive)
		var bidErr *auction.BidError
		require.ErrorAs(t, err, &bidErr)
		assert.Equal(t, auction.PhaseEnded, bidErr.Phase)

		// 結束時間當下也不能出價
		at := attempt(a, "A", 1000, 100, "k2")
		at.At = a.EndAt
		_, err = store.ApplyBid(ctx, at)
		assert.ErrorIs(t, err, auction.ErrAuctionNotLive)
	})

	t.Run("not found", func(t *testing.T) {
		store, _ := newTestStore(t)
		_, err := store.ApplyBid(ctx, attempt(auction.Auction{ID: uuid.New()}, "A", 100, 0, "k"))
		assert.ErrorIs(t, err, auction.ErrAuctionNotFound)
	})

	t.Run("replayed idempotency key returns original bid", func(t *testing.T) {
		store, _ := newTestStore(t)
		a := createLiveAuction(t, store, 10000)

		first := attempt(a, "A", 10100, 10000, "same")
		original, err := store.ApplyBid(ctx, first)
		require.NoError(t, err)

		retry := first
		retry.ExpectedPrice = 10100
		replayed, err := store.ApplyBid(ctx, retry)
		require.NoError(t, err)
		assert.Equal(t, original.ID, replayed.ID)
		assert.Equal(t, original.Amount, replayed.Amount)

		bids, err := store.ListBids(ctx, a.ID, 0)
		require.NoError(t, err)
		assert.Len(t, bids, 1)
	})

	t.Run("archive stream receives accepted bids", func(t *testing.T) {
		store, client := newTestStore(t, WithBidStoreArchiveStream("lotbid:bids"))
		a := createLiveAuction(t, store, 10000)

		_, err := store.ApplyBid(ctx, attempt(a, "A", 10100, 10000, "k1"))
		require.NoError(t, err)
		_, err = store.ApplyBid(ctx, attempt(a, "B", 10000, 10000, "k2"))
		require.Error(t, err)

		messages, err := client.XRange(ctx, "lotbid:bids", "-", "+").Result()
		require.NoError(t, err)
		require.Len(t, messages, 1)
		record, err := DefaultParseFromMessage[BidRecord](messages[0].Values)
		require.NoError(t, err)
		assert.Equal(t, "A", record.BidderID)
		assert.Equal(t, "k1", record.IdempotencyKey)
	})

	t.Run("redis failure is a persistence error", func(t *testing.T) {
		mr, client, cleanup := setupMiniredis(t)
		defer cleanup()
		store, err := NewBidStore(client)
		require.NoError(t, err)
		a := createLiveAuction(t, store, 10000)
		mr.Close()

		_, err = store.ApplyBid(ctx, attempt(a, "A", 10100, 10000, "k"))
		assert.ErrorIs(t, err, auction.ErrPersistence)
		_, err = store.GetAuction(ctx, a.ID)
		assert.ErrorIs(t, err, auction.ErrPersistence)
	})
}

func TestBidStore_ListBids(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	a := createLiveAuction(t, store, 0)

	for i, amount := range []int64{100, 200, 300, 400} {
		_, err := store.ApplyBid(ctx, attempt(a, "bidder", amount, int64(i*100), uuid.NewString()))
		require.NoError(t, err)
	}

	latest, err := store.ListBids(ctx, a.ID, 2)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(400), latest[0].Amount)
	assert.Equal(t, int64(300), latest[1].Amount)

	all, err := store.ListBids(ctx, a.ID, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	empty, err := store.ListBids(ctx, uuid.New(), 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBidStore_Settlement(t *testing.T) {
	ctx := context.Background()

	createEnding := func(t *testing.T, store *BidStore) auction.Auction {
		a, err := store.CreateAuction(ctx, auction.NewAuction{
			LotRef: "lot", Title: "Ending",
			StartAt:       storeNow.Add(-time.Hour),
			EndAt:         storeNow.Add(time.Minute),
			StartingPrice: 1000,
			MinIncrement:  100,
		})
		require.NoError(t, err)
		return a
	}

	t.Run("settles once with the highest bid", func(t *testing.T) {
		store, _ := newTestStore(t)
		a := createEnding(t, store)
		_, err := store.ApplyBid(ctx, attempt(a, "A", 1100, 1000, "a"))
		require.NoError(t, err)
		winning, err := store.ApplyBid(ctx, attempt(a, "B", 1300, 1100, "b"))
		require.NoError(t, err)

		unsettled, err := store.ListUnsettled(ctx, storeNow, 10)
		require.NoError(t, err)
		assert.Empty(t, unsettled)

		end := storeNow.Add(time.Minute)
		unsettled, err = store.ListUnsettled(ctx, end, 10)
		require.NoError(t, err)
		require.Len(t, unsettled, 1)

		settlement, ok, err := store.Settle(ctx, a.ID, end)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(1300), settlement.FinalPrice)
		require.NotNil(t, settlement.WinningBidID)
		assert.Equal(t, winning.ID, *settlement.WinningBidID)
		assert.Equal(t, "B", settlement.BidderID)

		_, ok, err = store.Settle(ctx, a.ID, end.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok)

		unsettled, err = store.ListUnsettled(ctx, end, 10)
		require.NoError(t, err)
		assert.Empty(t, unsettled)

		got, err := store.GetAuction(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, got.SettledAt)
		assert.True(t, got.SettledAt.Equal(end))
	})

	t.Run("no bids settles at starting price", func(t *testing.T) {
		store, _ := newTestStore(t)
		a := createEnding(t, store)

		settlement, ok, err := store.Settle(ctx, a.ID, storeNow.Add(time.Hour))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Nil(t, settlement.WinningBidID)
		assert.Equal(t, int64(1000), settlement.FinalPrice)
	})

	t.Run("refuses to settle before end", func(t *testing.T) {
		store, _ := newTestStore(t)
		a := createEnding(t, store)

		_, ok, err := store.Settle(ctx, a.ID, storeNow)
		assert.ErrorIs(t, err, auction.ErrAuctionNotLive)
		assert.False(t, ok)
	})

	t.Run("repair price", func(t *testing.T) {
		store, client := newTestStore(t)
		a := createEnding(t, store)
		_, err := store.ApplyBid(ctx, attempt(a, "A", 1100, 1000, "a"))
		require.NoError(t, err)

		// 模擬快取價格與出價紀錄不一致
		require.NoError(t, client.HSet(ctx, store.auctionKey(a.ID), "current_price", 9999).Err())
		require.NoError(t, store.RepairPrice(ctx, a.ID, 1100))

		got, err := store.GetAuction(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1100), got.CurrentPrice)

		assert.ErrorIs(t, store.RepairPrice(ctx, uuid.New(), 1), auction.ErrAuctionNotFound)
	})

	t.Run("list unsettled respects limit", func(t *testing.T) {
		store, _ := newTestStore(t)
		for i := 0; i < 3; i++ {
			createEnding(t, store)
		}
		unsettled, err := store.ListUnsettled(ctx, storeNow.Add(time.Hour), 2)
		require.NoError(t, err)
		assert.Len(t, unsettled, 2)
	})
}
