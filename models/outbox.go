package models

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/codops_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OutboxRecord is a transactional-outbox row. Domain flows write it inside
// their own DB transaction; the dispatcher publishes it to Pub/Sub after
// commit, so a crash between commit and publish loses nothing.
type OutboxRecord struct {
	ID            int                 `gorm:"primary_key;index:idx_outbox_dispatch,priority:3" json:"id"`
	StoreId       string              `gorm:"size:64;not null;index" json:"store_id"`
	EventTime     time.Time           `gorm:"index;not null" json:"event_time"`
	ReferenceId   int                 `json:"reference_id"`
	ReferenceType string              `gorm:"size:50;not null" json:"reference_type"`
	Action        string              `gorm:"size:50;not null" json:"action"`
	Payload       []byte              `gorm:"type:blob" json:"payload"`
	PublishStatus OutboxPublishStatus `gorm:"size:20;index;not null;default:'pending';index:idx_outbox_dispatch,priority:1" json:"publish_status"`

	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PubSubMessageId  *string    `gorm:"size:255" json:"pubsub_message_id"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index;index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time `gorm:"index" json:"locked_at"`
	LockedBy         *string    `gorm:"size:100" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
	CorrelationId    string     `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// PublishEvent records a lifecycle event inside the caller's transaction.
// It never publishes directly; the outbox dispatcher owns that.
func PublishEvent(ctx context.Context, tx *gorm.DB, storeId string, eventTime time.Time, refId int, refType string, action string, payload interface{}) error {
	var body []byte
	var err error
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}

	record := OutboxRecord{
		StoreId:       storeId,
		EventTime:     eventTime,
		ReferenceId:   refId,
		ReferenceType: refType,
		Action:        action,
		Payload:       body,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}
