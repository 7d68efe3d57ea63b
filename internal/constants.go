package internal

const (
	DotEnvPath    = "./.env"
	MigrationsDir = "migrations"
	SecretKeyEnv  = "PATCHTEST_SECRET_KEY"
)
