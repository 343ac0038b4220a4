package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	rediskey "pack_sale/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

// UserIDHeader 上游网关认证后透传的用户标识
const UserIDHeader = "X-User-ID"

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳，ARGV[2]=窗口开始时间戳，ARGV[3]=窗口秒数，ARGV[4]=成员，ARGV[5]=上限
// 返回：当前窗口内的请求数（超限返回 -1）
var luaRateLimit = rd.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)

if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`)

// RedisRateLimit Redis 分布式限流，按用户（缺失时按 IP）。rdb 为 nil 时不限流。
func RedisRateLimit(rdb *rd.Client, limit int, window time.Duration, log *slog.Logger) gin.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(c *gin.Context) {
		if rdb == nil {
			c.Next()
			return
		}

		key := rediskey.RateLimitKey("ip:" + c.ClientIP())
		if userID := strings.TrimSpace(c.GetHeader(UserIDHeader)); userID != "" {
			key = rediskey.RateLimitKey("user:" + userID)
		}

		now := time.Now()
		windowSec := int64(window.Seconds())
		member := fmt.Sprintf("%d-%d", now.Unix(), now.UnixNano())

		res, err := luaRateLimit.Run(c.Request.Context(), rdb, []string{key},
			now.Unix(), now.Unix()-windowSec, windowSec, member, limit).Int()
		if err != nil {
			// Redis 出错时放行
			log.Warn("rate limit unavailable", "key", key, "err", err)
			c.Next()
			return
		}

		if res < 0 {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code": http.StatusTooManyRequests,
				"msg":  "too many requests, retry later",
			})
			return
		}
		c.Next()
	}
}
