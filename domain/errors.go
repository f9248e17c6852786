package domain

import (
	"errors"
	"fmt"
)

// Code is the numeric result code returned to clients.
type Code int

const (
	CodeOK                    Code = 200
	CodeBadRequest            Code = 40000
	CodeParamInvalid          Code = 40002
	CodeDuplicate             Code = 40003
	CodeNotFound              Code = 40004
	CodeUnauthorized          Code = 40100
	CodeAccessDenied          Code = 40103
	CodeProjectNotFound       Code = 40300
	CodeShotNotFound          Code = 40600
	CodeStoryboardParseFailed Code = 40602
	CodeAssetNotFound         Code = 40700
	CodeAssetVersionNotFound  Code = 40701
	CodeAssetUploadFailed     Code = 40702
	CodeAssetTypeUnsupported  Code = 40703
	CodeAssetSizeExceeded     Code = 40704
	CodeJobNotFound           Code = 40800
	CodeJobAlreadyCompleted   Code = 40801
	CodeJobAlreadyCanceled    Code = 40802
	CodeJobGenerationFailed   Code = 40804
	CodeInsufficientBalance   Code = 40901
	CodePaymentFailed         Code = 40902
	CodeOrderNotFound         Code = 40904
	CodeOrderAlreadyPaid      Code = 40905
	CodeOrderExpired          Code = 40906
	CodeSystem                Code = 50000
)

var codeMessages = map[Code]string{
	CodeBadRequest:            "请求参数错误",
	CodeParamInvalid:          "请求参数格式不正确",
	CodeDuplicate:             "资源已存在",
	CodeNotFound:              "资源不存在",
	CodeUnauthorized:          "未登录或登录已过期",
	CodeAccessDenied:          "无权限访问",
	CodeProjectNotFound:       "项目不存在",
	CodeShotNotFound:          "分镜不存在",
	CodeStoryboardParseFailed: "剧本解析失败",
	CodeAssetNotFound:         "资产不存在",
	CodeAssetVersionNotFound:  "资产版本不存在",
	CodeAssetUploadFailed:     "资产上传失败",
	CodeAssetTypeUnsupported:  "不支持的资产类型",
	CodeAssetSizeExceeded:     "资产大小超出限制",
	CodeJobNotFound:           "任务不存在",
	CodeJobAlreadyCompleted:   "任务已完成",
	CodeJobAlreadyCanceled:    "任务已取消",
	CodeJobGenerationFailed:   "生成任务执行失败",
	CodeInsufficientBalance:   "积分余额不足",
	CodePaymentFailed:         "支付失败",
	CodeOrderNotFound:         "订单不存在",
	CodeOrderAlreadyPaid:      "订单已支付",
	CodeOrderExpired:          "订单已过期",
	CodeSystem:                "系统繁忙，请稍后再试",
}

func (c Code) Message() string {
	if m, ok := codeMessages[c]; ok {
		return m
	}
	return codeMessages[CodeSystem]
}

// Error is the user-visible error. Two Errors match under errors.Is when their codes are equal.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code.Message()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Message is the text safe to show to clients.
func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Code.Message()
}

func NewError(code Code) *Error { return &Error{Code: code} }

func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

var (
	ErrValidation          = NewError(CodeParamInvalid)
	ErrAccessDenied        = NewError(CodeAccessDenied)
	ErrUnauthorized        = NewError(CodeUnauthorized)
	ErrInsufficientBalance = NewError(CodeInsufficientBalance)
	ErrJobNotFound         = NewError(CodeJobNotFound)
	ErrJobCompleted        = NewError(CodeJobAlreadyCompleted)
	ErrJobCanceled         = NewError(CodeJobAlreadyCanceled)
	ErrAssetNotFound       = NewError(CodeAssetNotFound)
	ErrVersionNotFound     = NewError(CodeAssetVersionNotFound)
	ErrOrderNotFound       = NewError(CodeOrderNotFound)
	ErrOrderPaid           = NewError(CodeOrderAlreadyPaid)
)

// CodeOf returns the code carried by err, or CodeSystem.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeSystem
}
