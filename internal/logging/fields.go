package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求 ID、URL、缓存键与管线模式字段，供加载日志复用。
func RequestFields(requestID, url, key, mode string) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"url":        url,
		"cache_key":  key,
		"mode":       mode,
	}
}
