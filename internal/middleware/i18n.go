// internal/middleware/i18n.go
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

func I18nMiddleware(defaultLocale string) gin.HandlerFunc {
	if defaultLocale == "" {
		defaultLocale = "en"
	}
	return func(c *gin.Context) {
		c.Set("lang", negotiateLocale(c.GetHeader("Accept-Language"), defaultLocale))
		c.Next()
	}
}

// negotiateLocale picks the first supported tag from an Accept-Language
// header such as "zh-TW,zh;q=0.9,en;q=0.8".
func negotiateLocale(header, fallback string) string {
	for _, part := range strings.Split(header, ",") {
		tag := strings.TrimSpace(strings.Split(part, ";")[0])
		switch tag {
		case "zh-TW", "zh-Hant", "zh_TW":
			return "zh_TW"
		case "en", "en-US", "en-GB":
			return "en"
		}
	}
	return fallback
}
