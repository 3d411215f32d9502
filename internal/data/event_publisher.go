package data

import (
	"context"
	"encoding/json"

	"wallet-service/internal/biz"
	"wallet-service/internal/conf"
	"wallet-service/internal/constants"

	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/go-kratos/kratos/v2/log"
)

// eventPublisher 用量事件发布方，producer 为 nil 时降级为 no-op
type eventPublisher struct {
	data  *Data
	topic string
	log   *log.Helper
}

// NewEventPublisher 创建事件发布方
func NewEventPublisher(data *Data, c *conf.Bootstrap, logger log.Logger) biz.EventPublisher {
	topic := constants.TopicUsageEvents
	if c.Data != nil && c.Data.Rocketmq != nil && c.Data.Rocketmq.UsageTopic != "" {
		topic = c.Data.Rocketmq.UsageTopic
	}
	return &eventPublisher{
		data:  data,
		topic: topic,
		log:   log.NewHelper(logger),
	}
}

// PublishUsageRecorded 发布记账完成事件
// 下游（账单导出、告警）按需订阅，发布失败由调用方决定是否降级。
func (p *eventPublisher) PublishUsageRecorded(ctx context.Context, event *biz.UsageRecordedEvent) error {
	if p.data.producer == nil {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := primitive.NewMessage(p.topic, body)
	msg.WithKeys([]string{event.EntryID})

	result, err := p.data.producer.SendSync(ctx, msg)
	if err != nil {
		return err
	}
	p.log.Debugf("usage event published: entry_id=%s, msg_id=%s", event.EntryID, result.MsgID)
	return nil
}
