package recordstore

import (
	"fmt"
	"strings"
)

// ConnInfo describes a record store server when no full DSN is configured.
// The password is resolved separately from the secret store.
type ConnInfo struct {
	Driver   string
	Host     string
	Port     int
	Username string
	Database string
	SSLMode  string
}

// BuildDSN constructs a driver-specific connection string.
func BuildDSN(conn ConnInfo, password string) (string, error) {
	switch conn.Driver {
	case "postgres":
		return buildPostgresDSN(conn, password), nil
	case "mysql":
		return buildMySQLDSN(conn, password), nil
	case "sqlite":
		if conn.Host == "" {
			return "", fmt.Errorf("sqlite record store needs a file path")
		}
		return conn.Host, nil
	}
	return "", fmt.Errorf("unsupported record store driver: %s", conn.Driver)
}

func buildPostgresDSN(conn ConnInfo, password string) string {
	port := conn.Port
	if port == 0 {
		port = 5432
	}
	sslMode := conn.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		conn.Host, port, conn.Username, password, conn.Database, sslMode,
	)
}

func buildMySQLDSN(conn ConnInfo, password string) string {
	port := conn.Port
	if port == 0 {
		port = 3306
	}
	// Format: user:password@tcp(host:port)/dbname?parseTime=true
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4",
		conn.Username, password, conn.Host, port, conn.Database,
	)
	if conn.SSLMode == "require" {
		dsn += "&tls=true"
	}
	return dsn
}

// BuildMongoURI fills the <password> placeholder Atlas URIs carry and
// returns the database name, taken from the URI path when dbName is empty.
func BuildMongoURI(uri, dbName, password string) (string, string) {
	if password != "" {
		uri = strings.ReplaceAll(uri, "<password>", password)
		uri = strings.ReplaceAll(uri, "<db_password>", password)
	}
	if dbName != "" {
		return uri, dbName
	}

	rest := uri
	for _, prefix := range []string{"mongodb+srv://", "mongodb://"} {
		if strings.HasPrefix(rest, prefix) {
			rest = rest[len(prefix):]
			break
		}
	}
	if at := strings.LastIndex(rest, "@"); at != -1 {
		rest = rest[at+1:]
	}
	if slash := strings.Index(rest, "/"); slash != -1 {
		path := rest[slash+1:]
		if q := strings.Index(path, "?"); q != -1 {
			path = path[:q]
		}
		if path != "" {
			return uri, path
		}
	}
	return uri, "datacore"
}
