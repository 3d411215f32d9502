package server

import (
	"strconv"

	"wallet-service/internal/conf"
	"wallet-service/internal/service"

	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHTTPServer 创建 HTTP 服务器
func NewHTTPServer(c *conf.Bootstrap, walletService *service.WalletService, internalService *service.WalletInternalService) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
		),
	}
	if c.Server != nil && c.Server.Http != nil {
		if c.Server.Http.Network != "" {
			opts = append(opts, http.Network(c.Server.Http.Network))
		}
		if c.Server.Http.Addr != "" {
			opts = append(opts, http.Address(c.Server.Http.Addr))
		}
		if c.Server.Http.Timeout > 0 {
			opts = append(opts, http.Timeout(c.Server.Http.Timeout.AsDuration()))
		}
	}
	srv := http.NewServer(opts...)

	registerWalletRoutes(srv, walletService)
	registerInternalRoutes(srv, internalService)
	srv.Handle("/metrics", promhttp.Handler())
	return srv
}

// registerWalletRoutes 对外查询接口
func registerWalletRoutes(srv *http.Server, svc *service.WalletService) {
	r := srv.Route("/v1/wallet")

	r.GET("/{user_id}/balance", func(ctx http.Context) error {
		reply, err := svc.GetBalance(ctx, ctx.Vars().Get("user_id"))
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.GET("/{user_id}/summary", func(ctx http.Context) error {
		reply, err := svc.GetSummary(ctx, ctx.Vars().Get("user_id"))
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/afford", func(ctx http.Context) error {
		var req service.AffordRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := svc.CheckAfford(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/estimate", func(ctx http.Context) error {
		var req service.EstimateRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := svc.Estimate(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.GET("/{user_id}/usage", func(ctx http.Context) error {
		page, pageSize := pagination(ctx)
		reply, err := svc.ListUsage(ctx, ctx.Vars().Get("user_id"), page, pageSize)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.GET("/{user_id}/usage/today", func(ctx http.Context) error {
		reply, err := svc.UsageSummaryToday(ctx, ctx.Vars().Get("user_id"))
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.GET("/{user_id}/usage/month", func(ctx http.Context) error {
		reply, err := svc.UsageSummaryMonth(ctx, ctx.Vars().Get("user_id"))
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.GET("/{user_id}/grants", func(ctx http.Context) error {
		page, pageSize := pagination(ctx)
		reply, err := svc.ListGrants(ctx, ctx.Vars().Get("user_id"), page, pageSize)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})
}

// registerInternalRoutes 内部接口（授予、扣减、记账、对账）
func registerInternalRoutes(srv *http.Server, svc *service.WalletInternalService) {
	r := srv.Route("/internal/v1/wallet")

	r.POST("/grant", func(ctx http.Context) error {
		var req service.GrantRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := svc.Grant(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/deduct", func(ctx http.Context) error {
		var req service.DeductRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := svc.Deduct(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/usage", func(ctx http.Context) error {
		var req service.RecordUsageRequest
		if err := ctx.Bind(&req); err != nil {
			return err
		}
		reply, err := svc.RecordUsage(ctx, &req)
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})

	r.POST("/{user_id}/reconcile", func(ctx http.Context) error {
		reply, err := svc.Reconcile(ctx, ctx.Vars().Get("user_id"))
		if err != nil {
			return err
		}
		return ctx.Result(200, reply)
	})
}

func pagination(ctx http.Context) (int, int) {
	page, _ := strconv.Atoi(ctx.Query().Get("page"))
	pageSize, _ := strconv.Atoi(ctx.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	return page, pageSize
}
