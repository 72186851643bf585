package reload

import (
	"reflect"

	"github.com/any-hub/any-gate/internal/config"
)

// restartOnlyChanges 列出只在启动时生效、热加载无法应用的配置项变更。
// 监听端口、日志、CORS、BodyLimit 与上游连接池都在启动时构建一次。
func restartOnlyChanges(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	a, b := prev.Global, next.Global
	var changed []string
	if a.ListenPort != b.ListenPort {
		changed = append(changed, "ListenPort")
	}
	if a.LogLevel != b.LogLevel || a.LogFilePath != b.LogFilePath ||
		a.LogMaxSize != b.LogMaxSize || a.LogMaxBackups != b.LogMaxBackups || a.LogCompress != b.LogCompress {
		changed = append(changed, "Log*")
	}
	if a.ConnectTimeout != b.ConnectTimeout {
		changed = append(changed, "ConnectTimeout")
	}
	if a.BodyLimit != b.BodyLimit {
		changed = append(changed, "BodyLimit")
	}
	if a.HotReload != b.HotReload || a.ReloadDebounce != b.ReloadDebounce {
		changed = append(changed, "HotReload/ReloadDebounce")
	}
	if !reflect.DeepEqual(prev.CORS, next.CORS) {
		changed = append(changed, "CORS")
	}
	return changed
}
