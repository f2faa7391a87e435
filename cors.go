package realtime

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// CORSConfig 监控接口的跨域配置（握手的 Origin 由 ws.UpgraderConfig 校验）
type CORSConfig struct {
	// AllowOrigins 支持精确匹配与 "https://*.example.com"，["*"] 表示全部
	AllowOrigins     []string      `mapstructure:"allow_origins"`
	AllowHeaders     []string      `mapstructure:"allow_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// cors 只放行 GET/HEAD/OPTIONS，监控面不接受写请求
func cors(cfg CORSConfig) gin.HandlerFunc {
	allowAll := len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*"
	headers := cfg.AllowHeaders
	if len(headers) == 0 {
		headers = []string{"Origin", "Accept", "Authorization"}
	}
	allowHeaders := strings.Join(headers, ", ")
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 12 * time.Hour
	}
	maxAgeSec := strconv.Itoa(int(maxAge.Seconds()))

	exact := make(map[string]struct{})
	var wildcards []string
	for _, o := range cfg.AllowOrigins {
		if strings.Contains(o, "*") {
			wildcards = append(wildcards, o)
		} else {
			exact[o] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !(allowAll || matchOrigin(origin, exact, wildcards)) {
			c.Next()
			return
		}

		// 携带凭证时不能回写 *
		if allowAll && !cfg.AllowCredentials {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		if cfg.AllowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Max-Age", maxAgeSec)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func matchOrigin(origin string, exact map[string]struct{}, wildcards []string) bool {
	if _, ok := exact[origin]; ok {
		return true
	}
	for _, pattern := range wildcards {
		prefix, suffix, _ := strings.Cut(pattern, "*")
		if len(origin) > len(prefix)+len(suffix) &&
			strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
			return true
		}
	}
	return false
}
