package modules

import (
	"github.com/bnema/testbay/pkg/fixture"
	"github.com/bnema/testbay/pkg/wait"
)

const (
	PostgresImage    = "postgres:16-alpine"
	PostgresPort     = "5432/tcp"
	PostgresUser     = "postgres"
	PostgresPassword = "postgres"
	PostgresDatabase = "postgres"
)

// Postgres runs a single PostgreSQL server. The server logs its ready line
// twice, once for the init phase and once for the real start.
func Postgres(b *fixture.Builder) *fixture.Builder {
	return b.WithImage(PostgresImage).
		WithEnvMap(map[string]string{
			"POSTGRES_USER":     PostgresUser,
			"POSTGRES_PASSWORD": PostgresPassword,
			"POSTGRES_DB":       PostgresDatabase,
		}).
		WithExposedPorts(PostgresPort).
		WithWaitStrategy(wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort(PostgresPort),
		))
}

// PostgresCredentials overrides the user, password and database.
func PostgresCredentials(user, password, database string) Init {
	return func(b *fixture.Builder) *fixture.Builder {
		return b.WithEnvMap(map[string]string{
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       database,
		})
	}
}
