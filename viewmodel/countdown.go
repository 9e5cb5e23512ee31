package viewmodel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// FormatRemaining 將剩餘時間轉成顯示字串：
// 超過一天顯示天與小時，超過一小時顯示小時與分鐘，超過一分鐘顯示分鐘與秒，其餘只顯示秒。
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d > 24*time.Hour:
		return fmt.Sprintf("%dd %dh", d/(24*time.Hour), d%(24*time.Hour)/time.Hour)
	case d > time.Hour:
		return fmt.Sprintf("%dh %dm", d/time.Hour, d%time.Hour/time.Minute)
	case d > time.Minute:
		return fmt.Sprintf("%dm %ds", d/time.Minute, d%time.Minute/time.Second)
	default:
		return fmt.Sprintf("%ds", d/time.Second)
	}
}

type countdownOptions struct {
	clock    clockwork.Clock
	interval time.Duration
}

type CountdownOption func(*countdownOptions)

// WithCountdownClock 設置時間來源
func WithCountdownClock(c clockwork.Clock) CountdownOption {
	return func(o *countdownOptions) {
		o.clock = c
	}
}

// WithCountdownInterval 設置更新間隔，超過一秒時以一秒為準
func WithCountdownInterval(d time.Duration) CountdownOption {
	return func(o *countdownOptions) {
		o.interval = d
	}
}

// Countdown 依結束時間定期產生剩餘時間字串，剩餘時間歸零時關閉 Expired。
// 每次掛載都應該建立新的 Countdown，Stop 之後不可重新 Start。
type Countdown struct {
	endAt   time.Time
	options countdownOptions

	updates chan string
	expired chan struct{}

	startOnce  sync.Once
	expireOnce sync.Once
	stopOnce   sync.Once
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

func NewCountdown(endAt time.Time, opts ...CountdownOption) *Countdown {
	options := countdownOptions{
		clock:    clockwork.NewRealClock(),
		interval: time.Second,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.interval <= 0 || options.interval > time.Second {
		options.interval = time.Second
	}
	return &Countdown{
		endAt:   endAt,
		options: options,
		updates: make(chan string, 1),
		expired: make(chan struct{}),
	}
}

// Updates 回傳最新的顯示字串，消費端來不及讀取時只保留最新一筆
func (c *Countdown) Updates() <-chan string {
	return c.updates
}

// Expired 在剩餘時間歸零時被關閉，只會發生一次
func (c *Countdown) Expired() <-chan struct{} {
	return c.expired
}

// Remaining 回傳目前的剩餘時間，不會是負數
func (c *Countdown) Remaining() time.Duration {
	return max(c.endAt.Sub(c.options.clock.Now()), 0)
}

// Start 立即送出一次目前的剩餘時間，之後每個間隔更新一次，直到歸零、Stop 或 ctx 被取消
func (c *Countdown) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		c.cancelFunc = cancel
		// 在 Start 返回前註冊 ticker，避免和 FakeClock.Advance 競爭
		ticker := c.options.clock.NewTicker(c.options.interval)
		if c.tick() {
			ticker.Stop()
			cancel()
			return
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-runCtx.Done():
					return
				case <-ticker.Chan():
					if c.tick() {
						return
					}
				}
			}
		}()
	})
}

// Stop 停止更新並釋放 ticker，可重複呼叫
func (c *Countdown) Stop() {
	c.stopOnce.Do(func() {
		c.startOnce.Do(func() {})
		if c.cancelFunc != nil {
			c.cancelFunc()
		}
		c.wg.Wait()
	})
}

// tick 送出目前的顯示字串，回傳是否已經歸零
func (c *Countdown) tick() bool {
	remaining := c.Remaining()
	c.emit(FormatRemaining(remaining))
	if remaining > 0 {
		return false
	}
	c.expireOnce.Do(func() { close(c.expired) })
	return true
}

func (c *Countdown) emit(display string) {
	// 只有一個送出者，清空舊值後必定能放入
	select {
	case <-c.updates:
	default:
	}
	c.updates <- display
}
