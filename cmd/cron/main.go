package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wallet-service/internal/biz"
	"wallet-service/internal/conf"

	kratoszap "github.com/go-kratos/kratos/contrib/log/zap/v2"
	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	flagconf string
)

// CronApp Cron 应用结构
type CronApp struct {
	billingUsecase *biz.BillingUseCase
}

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

func newZapLogger() log.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zap.NewAtomicLevelAt(zapcore.InfoLevel),
	)
	return kratoszap.NewLogger(zap.New(core))
}

func main() {
	flag.Parse()

	// 初始化配置
	c := config.New(
		config.WithSource(
			file.NewSource(flagconf),
		),
	)
	defer c.Close()

	if err := c.Load(); err != nil {
		panic(err)
	}

	var bc conf.Bootstrap
	if err := c.Scan(&bc); err != nil {
		panic(err)
	}

	loggerInstance := log.With(newZapLogger(),
		"service.name", "wallet-cron",
	)
	logHelper := log.NewHelper(loggerInstance)

	// 初始化应用
	app, cleanup, err := wireApp(&bc, loggerInstance)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// 创建定时任务调度器（支持秒级调度）
	cronScheduler := cron.New(cron.WithSeconds())

	// 免费额度补足 - 每月1日 00:00 执行
	_, err = cronScheduler.AddFunc("0 0 0 1 * *", func() {
		logHelper.Info("[CRON] Starting free credits reset...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		count, failed, err := app.billingUsecase.ResetFreeCredits(ctx)
		if err != nil {
			logHelper.Errorf("[CRON] Error resetting free credits: %v", err)
			return
		}
		logHelper.Infof("[CRON] Free credits reset completed: success=%d, failed=%d", count, len(failed))
		if len(failed) > 0 && len(failed) <= 10 {
			logHelper.Warnf("[CRON] Failed users: %v", failed)
		} else if len(failed) > 10 {
			logHelper.Warnf("[CRON] Failed users (first 10): %v", failed[:10])
		}
	})
	if err != nil {
		logHelper.Errorf("Failed to add free credits reset job: %v", err)
	}

	// 对账巡检 - 每日 03:00 执行
	_, err = cronScheduler.AddFunc("0 0 3 * * *", func() {
		logHelper.Info("[CRON] Starting reconciliation sweep...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		inconsistent, err := app.billingUsecase.ReconcileAll(ctx)
		if err != nil {
			logHelper.Errorf("[CRON] Error running reconciliation sweep: %v", err)
			return
		}
		if len(inconsistent) > 0 {
			logHelper.Warnf("[CRON] Reconciliation found %d inconsistent users: %v", len(inconsistent), inconsistent)
		} else {
			logHelper.Info("[CRON] Reconciliation sweep completed, all consistent")
		}
	})
	if err != nil {
		logHelper.Errorf("Failed to add reconciliation job: %v", err)
	}

	// 启动定时任务
	cronScheduler.Start()
	logHelper.Info("========================================")
	logHelper.Info("Cron jobs started successfully")
	logHelper.Info("Scheduled jobs:")
	logHelper.Info("  - Free credits reset: Every month on the 1st at 00:00")
	logHelper.Info("  - Reconciliation sweep: Every day at 03:00")
	logHelper.Info("========================================")

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logHelper.Info("Shutting down gracefully...")

	// 停止定时任务
	ctx := cronScheduler.Stop()
	select {
	case <-ctx.Done():
		logHelper.Info("Cron jobs stopped gracefully")
	case <-time.After(5 * time.Second):
		logHelper.Info("Cron jobs forced to stop after timeout")
	}
}
