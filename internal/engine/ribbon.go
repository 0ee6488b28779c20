package engine

import (
	"context"

	"braid/internal/domain"
)

const (
	ribbonMaxDeltas = 500
	ribbonMaxKnots  = 50
)

// RibbonBuilder assembles the bounded recent-context window handed to the
// cognition provider: recent message deltas plus optional semantic recall.
type RibbonBuilder struct {
	store       domain.EventStore
	index       domain.SemanticIndex
	maxMessages int
	topK        int
}

func NewRibbonBuilder(store domain.EventStore, index domain.SemanticIndex, maxMessages, topK int) *RibbonBuilder {
	if maxMessages <= 0 {
		maxMessages = 20
	}
	if topK <= 0 {
		topK = 8
	}
	return &RibbonBuilder{store: store, index: index, maxMessages: maxMessages, topK: topK}
}

// Build assembles a ribbon. Semantic recall is best-effort: a missing or
// failing index degrades to no recall, never to a failed turn.
func (b *RibbonBuilder) Build(ctx context.Context, query string) (*domain.Ribbon, error) {
	deltas, err := b.store.GetRecentDeltas(ctx, ribbonMaxDeltas)
	if err != nil {
		return nil, err
	}
	knots, err := b.store.GetRecentKnots(ctx, ribbonMaxKnots)
	if err != nil {
		return nil, err
	}

	var messages []domain.RibbonMessage
	for _, d := range deltas {
		if d.Kind != domain.DeltaKindMessage {
			continue
		}
		role, _ := d.Payload["role"].(string)
		content, _ := d.Payload["content"].(string)
		messages = append(messages, domain.RibbonMessage{Role: role, Content: content})
	}
	if len(messages) > b.maxMessages {
		messages = messages[len(messages)-b.maxMessages:]
	}

	ribbon := &domain.Ribbon{
		RecentMessages: messages,
		Stats: domain.RibbonStats{
			KnotCount:  len(knots),
			DeltaCount: len(deltas),
		},
	}

	if b.index != nil && query != "" {
		if hits, err := b.index.Search(ctx, query, b.topK); err == nil {
			for _, h := range hits {
				ribbon.SemanticBeads = append(ribbon.SemanticBeads, h.Payload)
			}
		}
	}

	return ribbon, nil
}
