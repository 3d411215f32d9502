package server

import (
	"context"
	"encoding/json"

	"wallet-service/internal/biz"
	"wallet-service/internal/conf"
	"wallet-service/internal/constants"
	walletErrors "wallet-service/internal/errors"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/go-kratos/kratos/v2/log"
)

// MQConsumerServer 消费支付/订阅侧发布的授予事件
type MQConsumerServer struct {
	c       rocketmq.PushConsumer
	billing *biz.BillingUseCase
	topic   string
	log     *log.Helper
	enabled bool
}

// NewMQConsumerServer 创建 RocketMQ 消费者
func NewMQConsumerServer(c *conf.Bootstrap, billing *biz.BillingUseCase, logger log.Logger) *MQConsumerServer {
	logHelper := log.NewHelper(logger)
	if c.Data == nil || c.Data.Rocketmq == nil || !c.Data.Rocketmq.Enabled {
		return &MQConsumerServer{enabled: false, log: logHelper}
	}

	mq := c.Data.Rocketmq
	r, err := rocketmq.NewPushConsumer(
		consumer.WithNsResolver(primitive.NewPassthroughResolver(mq.NameServers)),
		consumer.WithGroupName(mq.GroupName),
		consumer.WithRetry(mq.RetryTimes),
	)
	if err != nil {
		logHelper.Errorf("init consumer error: %v", err)
		return &MQConsumerServer{enabled: false, log: logHelper}
	}

	topic := mq.GrantTopic
	if topic == "" {
		topic = constants.TopicGrantEvents
	}
	return &MQConsumerServer{
		c:       r,
		billing: billing,
		topic:   topic,
		log:     logHelper,
		enabled: true,
	}
}

// Start 启动消费者
func (s *MQConsumerServer) Start(ctx context.Context) error {
	if !s.enabled || s.c == nil {
		s.log.Info("MQConsumerServer is disabled, skipping startup")
		return nil
	}

	s.log.Infof("Starting MQConsumerServer, topic: %s", s.topic)

	if err := s.c.Subscribe(s.topic, consumer.MessageSelector{}, s.handler); err != nil {
		// 不返回错误，开发环境 RocketMQ 可能不可用，不阻断整个应用启动
		s.log.Errorf("Failed to subscribe to topic %s: %v", s.topic, err)
		return nil
	}
	if err := s.c.Start(); err != nil {
		s.log.Errorf("Failed to start RocketMQ consumer: %v", err)
		return nil
	}
	return nil
}

// Stop 停止消费者
func (s *MQConsumerServer) Stop(ctx context.Context) error {
	if !s.enabled || s.c == nil {
		return nil
	}
	s.log.Info("Stopping MQConsumerServer")
	return s.c.Shutdown()
}

// handler 逐条消费授予事件
// 授予靠 external_ref 幂等，重投安全；业务校验失败的消息不重试（重试也不会成功）。
func (s *MQConsumerServer) handler(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	for _, msg := range msgs {
		var event biz.GrantEvent
		if err := json.Unmarshal(msg.Body, &event); err != nil {
			s.log.Errorf("Unmarshal grant event failed: %v, body: %s", err, string(msg.Body))
			continue
		}

		if err := s.billing.ApplyGrantEvent(ctx, &event); err != nil {
			if walletErrors.IsRetryable(err) {
				return consumer.ConsumeRetryLater, nil
			}
			s.log.Errorf("Grant event rejected: msg_id=%s, err=%v", msg.MsgId, err)
		}
	}
	return consumer.ConsumeSuccess, nil
}
