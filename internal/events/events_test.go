package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewKafkaPublisherValidatesConfig(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaPublisherConfig{Topic: "clawork.bounty-events"})
	assert.Error(t, err)

	_, err = NewKafkaPublisher(KafkaPublisherConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestNopPublisher(t *testing.T) {
	assert.NoError(t, NopPublisher{}.Publish(context.Background(), Event{Type: TypeBountyCreated}))
}

func TestKafkaPublisherCloseOnNil(t *testing.T) {
	var p *KafkaPublisher
	assert.NoError(t, p.Close())
}
