package tier

import (
	"github.com/sirupsen/logrus"
)

// 指标中使用的层名称。
const (
	NameMemory        = "memory"
	NameDisk          = "disk"
	NameShared        = "shared"
	NameRemoteForce   = "remote_force"
	NameRemoteDefault = "remote_default"
)

func loggerOrDefault(logger *logrus.Logger) *logrus.Logger {
	if logger == nil {
		return logrus.StandardLogger()
	}
	return logger
}
