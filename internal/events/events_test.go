package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/licensebot/internal/model"
)

func TestFromOrder(t *testing.T) {
	resolved := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := FromOrder(model.Order{
		ID:         "o1",
		ChatID:     7,
		Product:    model.ProductFFMax,
		Kind:       model.KindNew,
		Days:       3,
		State:      model.OrderStateFailed,
		ResolvedAt: &resolved,
	})

	assert.Equal(t, "order.failed", e.RoutingKey())
	assert.Equal(t, resolved, e.OccurredAt)
	assert.Equal(t, model.ProductFFMax, e.Product)
}

func TestRabbitPublisher_Publish(t *testing.T) {
	url := os.Getenv("TEST_AMQP_URL")
	if url == "" {
		t.Skip("TEST_AMQP_URL not set, skipping integration test")
	}

	pub, err := Dial(url, zap.NewNop())
	require.NoError(t, err)
	defer pub.Close()

	err = pub.Publish(context.Background(), OrderEvent{
		OrderID:    "test-id",
		State:      model.OrderStateCommitted,
		OccurredAt: time.Now(),
	})
	assert.NoError(t, err)
}
