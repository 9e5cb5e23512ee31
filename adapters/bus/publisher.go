package bus

import (
	"context"

	"lotbid/auction"
)

// EventPublisher 讓 Registry 可以作為 auction.Publisher 使用
type EventPublisher struct {
	registry *Registry[auction.Event]
}

var _ auction.Publisher = (*EventPublisher)(nil)

func NewEventPublisher(registry *Registry[auction.Event]) *EventPublisher {
	return &EventPublisher{registry: registry}
}

// Publish 將事件送往拍賣對應的頻道
func (p *EventPublisher) Publish(ctx context.Context, event auction.Event) error {
	return p.registry.Publish(ctx, auction.Channel(event.AuctionID), event)
}
