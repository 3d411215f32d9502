package errors

import (
	"fmt"
	"strconv"

	kerrors "github.com/go-kratos/kratos/v2/errors"
)

// Wallet Service 错误定义
// 业务结果类错误（余额不足、幂等冲突）以 typed error 返回给调用方走控制流，
// 基础设施类错误（存储失败、锁获取失败）标记为可重试，向上传播做重试/告警。
// 错误码语义沿用 HTTP 状态码，reason 作为稳定的机器可读标识。

const (
	// ReasonInsufficientCredits 余额不足（预期业务结果，不自动重试）
	ReasonInsufficientCredits = "INSUFFICIENT_CREDITS"
	// ReasonIdempotencyConflict 幂等键已存在（解析为返回原流水）
	ReasonIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	// ReasonWalletNotFound 钱包不存在（仅在关闭懒创建的部署下有意义）
	ReasonWalletNotFound = "WALLET_NOT_FOUND"
	// ReasonInvalidUsageData 用量数据非法，拒绝于任何写入之前
	ReasonInvalidUsageData = "INVALID_USAGE_DATA"
	// ReasonInvalidGrant 授予参数非法
	ReasonInvalidGrant = "INVALID_GRANT"
	// ReasonStorageFailure 存储层失败（可重试，保证无部分写入）
	ReasonStorageFailure = "STORAGE_FAILURE"
	// ReasonDeductLockFailed 获取扣减锁失败（可重试）
	ReasonDeductLockFailed = "DEDUCT_LOCK_FAILED"
)

// ErrInsufficientCredits 余额不足，携带 required/available 供调用方展示
func ErrInsufficientCredits(required, available int64) *kerrors.Error {
	return kerrors.New(402, ReasonInsufficientCredits,
		fmt.Sprintf("insufficient credits: required=%d, available=%d", required, available)).
		WithMetadata(map[string]string{
			"required":  strconv.FormatInt(required, 10),
			"available": strconv.FormatInt(available, 10),
		})
}

// IsInsufficientCredits 判断是否余额不足
func IsInsufficientCredits(err error) bool {
	return kerrors.Reason(err) == ReasonInsufficientCredits
}

// InsufficientCreditsAmounts 从错误中取回 required/available
func InsufficientCreditsAmounts(err error) (required, available int64) {
	e := kerrors.FromError(err)
	if e == nil {
		return 0, 0
	}
	required, _ = strconv.ParseInt(e.Metadata["required"], 10, 64)
	available, _ = strconv.ParseInt(e.Metadata["available"], 10, 64)
	return required, available
}

// ErrIdempotencyConflict 幂等键冲突
func ErrIdempotencyConflict(key string) *kerrors.Error {
	return kerrors.New(409, ReasonIdempotencyConflict,
		fmt.Sprintf("idempotency key already used: %s", key)).
		WithMetadata(map[string]string{"idempotency_key": key})
}

// IsIdempotencyConflict 判断是否幂等冲突
func IsIdempotencyConflict(err error) bool {
	return kerrors.Reason(err) == ReasonIdempotencyConflict
}

// ErrWalletNotFound 钱包不存在
func ErrWalletNotFound(userID string) *kerrors.Error {
	return kerrors.New(404, ReasonWalletNotFound,
		fmt.Sprintf("wallet not found: user_id=%s", userID))
}

// IsWalletNotFound 判断是否钱包不存在
func IsWalletNotFound(err error) bool {
	return kerrors.Reason(err) == ReasonWalletNotFound
}

// ErrInvalidUsageData 用量数据非法
func ErrInvalidUsageData(msg string) *kerrors.Error {
	return kerrors.New(400, ReasonInvalidUsageData, msg)
}

// IsInvalidUsageData 判断是否用量数据非法
func IsInvalidUsageData(err error) bool {
	return kerrors.Reason(err) == ReasonInvalidUsageData
}

// ErrInvalidGrant 授予参数非法
func ErrInvalidGrant(msg string) *kerrors.Error {
	return kerrors.New(400, ReasonInvalidGrant, msg)
}

// ErrStorageFailure 存储层失败，包装底层错误并标记可重试
func ErrStorageFailure(err error) *kerrors.Error {
	return kerrors.New(500, ReasonStorageFailure, "storage operation failed").WithCause(err)
}

// IsStorageFailure 判断是否存储层失败
func IsStorageFailure(err error) bool {
	return kerrors.Reason(err) == ReasonStorageFailure
}

// ErrDeductLockFailed 获取扣减锁失败
func ErrDeductLockFailed(userID string) *kerrors.Error {
	return kerrors.New(503, ReasonDeductLockFailed,
		fmt.Sprintf("failed to acquire deduct lock: user_id=%s", userID))
}

// IsRetryable 基础设施类错误可重试，业务结果类错误不可
func IsRetryable(err error) bool {
	switch kerrors.Reason(err) {
	case ReasonStorageFailure, ReasonDeductLockFailed:
		return true
	}
	return false
}
