package job

import (
	"context"
	"testing"

	"tontinepay/internal/config"
	"tontinepay/internal/infrastructure/mq"
	"tontinepay/internal/model"
	"tontinepay/internal/repository"
	"tontinepay/internal/testutil"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newSender(t *testing.T, db *gorm.DB, producer sarama.SyncProducer, maxRetry int) *OutboxSender {
	t.Helper()
	cfg := config.Defaults()
	cfg.Business.MaxRetryCount = maxRetry
	return NewOutboxSender(db, mq.NewProducerWith(producer), cfg, zap.NewNop())
}

func queueMessage(t *testing.T, db *gorm.DB, key string) {
	t.Helper()
	created, err := repository.NewOutboxRepository(db).Create(context.Background(), nil, &model.OutboxMessage{
		MessageKey: key,
		Topic:      "payout.notifications",
		Payload:    `{"payout_no":"PAY1"}`,
		Status:     model.OutboxStatusPending,
	})
	require.NoError(t, err)
	require.True(t, created)
}

func TestOutboxSender_PublishesPendingMessages(t *testing.T) {
	db := testutil.NewDB(t)
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	defer func() { require.NoError(t, producer.Close()) }()

	queueMessage(t, db, "payout:1:1")
	queueMessage(t, db, "payout:2:1")

	s := newSender(t, db, producer, 3)
	s.processPendingMessages(context.Background())

	assert.Equal(t, int64(2), testutil.Count(t, db, &model.OutboxMessage{}, "status = ?", model.OutboxStatusSent))
	assert.Equal(t, int64(2), testutil.Count(t, db, &model.OutboxMessage{}, "sent_at IS NOT NULL"))

	// nothing left to send
	s.processPendingMessages(context.Background())
}

func TestOutboxSender_MarksFailedAfterRetryLimit(t *testing.T) {
	db := testutil.NewDB(t)
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	defer func() { require.NoError(t, producer.Close()) }()

	queueMessage(t, db, "payout:1:1")
	s := newSender(t, db, producer, 2)

	s.processPendingMessages(context.Background())
	var msg model.OutboxMessage
	require.NoError(t, db.First(&msg).Error)
	assert.Equal(t, model.OutboxStatusPending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Contains(t, msg.LastError, sarama.ErrOutOfBrokers.Error())

	s.processPendingMessages(context.Background())
	require.NoError(t, db.First(&msg).Error)
	assert.Equal(t, model.OutboxStatusFailed, msg.Status)
	assert.Equal(t, 2, msg.RetryCount)
}

func TestOutboxSender_DuplicateKeyWrittenOnce(t *testing.T) {
	db := testutil.NewDB(t)
	queueMessage(t, db, "payout:1:1")

	created, err := repository.NewOutboxRepository(db).Create(context.Background(), nil, &model.OutboxMessage{
		MessageKey: "payout:1:1",
		Topic:      "payout.notifications",
		Payload:    `{}`,
		Status:     model.OutboxStatusPending,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(1), testutil.Count(t, db, &model.OutboxMessage{}, ""))
}
