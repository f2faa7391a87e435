package realtime

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/gin-gonic/gin"
)

// Version 服务版本号
const Version = "0.1.0"

const banner = `
 realtime  WebSocket 推送服务
           listen:   %s
           instance: %s
           version:  %s
`

// printBanner 打印启动 banner 和路由表
func (e *Engine) printBanner(addr string) {
	out := os.Stdout
	if strings.HasPrefix(addr, "[::]:") {
		addr = "0.0.0.0" + strings.TrimPrefix(addr, "[::]")
	}

	fPrint(out, banner, addr, e.hub.InstanceID(), Version)
	fPrint(out, "\n")
	if routes := e.engine.Routes(); len(routes) > 0 {
		printRoutes(out, routes)
		fPrint(out, "\n")
	}
	fPrint(out, "[realtime] %s mode | Go %s | %s/%s\n", e.config.Mode, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// printRoutes 对齐打印路由表
func printRoutes(out io.Writer, routes gin.RoutesInfo) {
	width := 0
	for _, r := range routes {
		width = max(width, len(r.Path))
	}
	for _, r := range routes {
		fPrint(out, "[realtime] %-7s %-*s --> %s\n", r.Method, width, r.Path, r.Handler)
	}
}

// silenceGin 关闭 gin 自带输出，访问日志走 zap
func silenceGin() {
	gin.DefaultWriter = io.Discard
	gin.DefaultErrorWriter = io.Discard
}

func fPrint(out io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(out, format, a...)
}
