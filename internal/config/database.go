// internal/config/database.go
package config

import (
	"fmt"
	"strings"
)

// DSN builds a libpq key/value string. The session time zone is pinned to
// UTC so escrow windows and sweep cutoffs use the clock the service writes.
func (d *DatabaseConfig) DSN() string {
	parts := []string{
		"host=" + d.Host,
		"port=" + d.Port,
		"user=" + d.User,
		"dbname=" + d.Database,
		"sslmode=" + d.SSLMode,
		"TimeZone=UTC",
		"application_name=imi-ledger",
	}
	if d.Password != "" {
		parts = append(parts, "password="+d.Password)
	}
	if d.ConnectTimeout > 0 {
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", d.ConnectTimeout))
	}
	return strings.Join(parts, " ")
}
