package data

import (
	"fmt"

	"wallet-service/internal/conf"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
	"github.com/google/wire"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewDB,
	NewRedis,
	NewRedsync,
	NewRocketMQProducer,
	NewData,
	NewWalletBalanceRepo,
	NewCreditGrantRepo,
	NewUsageLedgerRepo,
	NewWalletRepo,
	NewEventPublisher,
)

// Data 数据层结构体
type Data struct {
	db       *gorm.DB
	rdb      *redis.Client
	rs       *redsync.Redsync
	producer rocketmq.Producer
}

// NewDB 创建数据库连接
// TranslateError 把方言层的唯一键冲突翻译成 gorm.ErrDuplicatedKey，幂等回放依赖它。
func NewDB(c *conf.Bootstrap) (*gorm.DB, error) {
	if c.Data == nil || c.Data.Database == nil {
		return nil, fmt.Errorf("database config is nil")
	}
	db, err := gorm.Open(mysql.Open(c.Data.Database.Source), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// NewRedis 创建 Redis 连接
func NewRedis(c *conf.Bootstrap) (*redis.Client, error) {
	if c.Data == nil || c.Data.Redis == nil {
		return nil, fmt.Errorf("redis config is nil")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Data.Redis.Addr,
		Password:     c.Data.Redis.Password,
		DB:           c.Data.Redis.Db,
		ReadTimeout:  c.Data.Redis.ReadTimeout.AsDuration(),
		WriteTimeout: c.Data.Redis.WriteTimeout.AsDuration(),
	})

	// 测试连接
	if err := rdb.Ping(rdb.Context()).Err(); err != nil {
		return nil, err
	}

	return rdb, nil
}

// NewRedsync 创建分布式锁客户端（同一用户的并发扣减靠它跨实例串行化）
func NewRedsync(rdb *redis.Client) *redsync.Redsync {
	pool := goredis.NewPool(rdb)
	return redsync.New(pool)
}

// NewRocketMQProducer 创建 RocketMQ 生产者，未启用时返回 nil（发布方会降级为 no-op）
func NewRocketMQProducer(c *conf.Bootstrap, logger log.Logger) (rocketmq.Producer, error) {
	logHelper := log.NewHelper(logger)
	if c.Data == nil || c.Data.Rocketmq == nil || !c.Data.Rocketmq.Enabled {
		logHelper.Info("rocketmq producer disabled")
		return nil, nil
	}

	mq := c.Data.Rocketmq
	retryTimes := mq.RetryTimes
	if retryTimes <= 0 {
		retryTimes = 2
	}
	p, err := rocketmq.NewProducer(
		producer.WithNameServer(mq.NameServers),
		producer.WithGroupName(mq.GroupName),
		producer.WithRetry(retryTimes),
	)
	if err != nil {
		return nil, err
	}
	if err := p.Start(); err != nil {
		return nil, err
	}
	logHelper.Infof("rocketmq producer started: name_servers=%v, group=%s", mq.NameServers, mq.GroupName)
	return p, nil
}

// NewData 创建数据层实例
func NewData(c *conf.Bootstrap, logger log.Logger, db *gorm.DB, rdb *redis.Client, rs *redsync.Redsync, p rocketmq.Producer) (*Data, func(), error) {
	logHelper := log.NewHelper(logger)
	cleanup := func() {
		logHelper.Info("closing the data resources")
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
		if err := rdb.Close(); err != nil {
			logHelper.Errorf("failed to close redis: %v", err)
		}
		if p != nil {
			if err := p.Shutdown(); err != nil {
				logHelper.Errorf("failed to shutdown rocketmq producer: %v", err)
			}
		}
	}

	return &Data{
		db:       db,
		rdb:      rdb,
		rs:       rs,
		producer: p,
	}, cleanup, nil
}
