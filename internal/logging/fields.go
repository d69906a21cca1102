package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供目标主机/方法/处理结果字段，供拦截请求日志复用。
func RequestFields(host, method, outcome string) logrus.Fields {
	fields := logrus.Fields{
		"host":   host,
		"method": method,
	}
	if outcome != "" {
		fields["outcome"] = outcome
	}
	return fields
}
