package events

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	saramamocks "github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aimd54/loyalty-ledger/pkg/logger"
)

func TestKafkaPublisher_Publish(t *testing.T) {
	producer := saramamocks.NewSyncProducer(t, NewKafkaConfig("loyalty-test"))
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"id":"evt-1"}` {
			return errors.New("unexpected payload " + string(val))
		}
		return nil
	})

	publisher := NewKafkaPublisherWithProducer(producer, "loyalty.events", logger.Nop())
	require.NoError(t, publisher.Publish(context.Background(), "user-1", []byte(`{"id":"evt-1"}`)))
	require.NoError(t, publisher.Close())
}

func TestKafkaPublisher_PublishFailure(t *testing.T) {
	producer := saramamocks.NewSyncProducer(t, NewKafkaConfig(""))
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	publisher := NewKafkaPublisherWithProducer(producer, "loyalty.events", logger.Nop())
	err := publisher.Publish(context.Background(), "user-1", []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	assert.Contains(t, err.Error(), "loyalty.events")
	require.NoError(t, publisher.Close())
}

func TestNewKafkaConfig(t *testing.T) {
	cfg := NewKafkaConfig("loyalty")
	assert.Equal(t, "loyalty", cfg.ClientID)
	assert.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	assert.True(t, cfg.Producer.Return.Successes)

	assert.Equal(t, sarama.NewConfig().ClientID, NewKafkaConfig("").ClientID)
}
