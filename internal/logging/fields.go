package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供路由/方法/路径/鉴权模式字段，供流水线与转发日志复用。
func RequestFields(route, method, path, authMode, requestID string) logrus.Fields {
	fields := logrus.Fields{
		"route":     route,
		"method":    method,
		"path":      path,
		"auth_mode": authMode,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
