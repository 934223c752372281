package service

// ErrorMessageMap 错误原因到用户可读提示
var ErrorMessageMap = map[string]string{
	ReasonInvalidInput:        "请求参数无效",
	ReasonInsufficientBalance: "额度不足，请先充值或兑换",
	ReasonInsufficientPoints:  "积分不足",
	ReasonAlreadyDone:         "操作已完成，请勿重复提交",
	ReasonNotFound:            "记录不存在",
	ReasonRateLimited:         "今日生成次数已用完或有任务进行中，请稍后再试",
	ReasonIdentityUnresolved:  "无法识别请求身份",
	ReasonInvalidState:        "当前状态不允许该操作",
	ReasonUnauthorized:        "请先登录",
	ReasonTokenInvalid:        "访问令牌无效，请重新登录",
	ReasonForbidden:           "没有权限执行该操作",
	ReasonStoreError:          "服务暂时不可用，请稍后重试",
}

// GetFriendlyErrorMessage 获取用户友好的错误消息
func GetFriendlyErrorMessage(reason string) string {
	if message, ok := ErrorMessageMap[reason]; ok {
		return message
	}
	return "操作失败，请稍后重试"
}
