package config

import (
	"fmt"
	"strings"
)

// DSN returns the go-sql-driver DSN for the metric store. Discrete fields are
// assembled when no full DSN is configured. parseTime and a UTC location are
// forced so DATETIME columns scan into time.Time consistently.
func (s *StorageConfig) DSN() string {
	if s.ConnectionString != "" {
		return ensureDSNParams(s.ConnectionString)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		s.User, s.Password, s.Host, s.Port, s.Database)
}

func ensureDSNParams(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	var extra []string
	if !strings.Contains(dsn, "parseTime=") {
		extra = append(extra, "parseTime=true")
	}
	if !strings.Contains(dsn, "loc=") {
		extra = append(extra, "loc=UTC")
	}
	if len(extra) == 0 {
		return dsn
	}
	return dsn + sep + strings.Join(extra, "&")
}
