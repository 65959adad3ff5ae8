package repository

import (
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/opensource-finance/talon/internal/domain"
)

// postgresDSN builds a lib/pq connection URL. Credentials are escaped, so
// passwords may contain any character.
func postgresDSN(cfg domain.RepositoryConfig) string {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "talon"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + dbname,
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}

	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", "talon")
	q.Set("connect_timeout", "5")
	u.RawQuery = q.Encode()

	return u.String()
}
