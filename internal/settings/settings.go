package settings

import (
	"bufio"
	"errors"
	"net/url"
	"os"
	"regexp"
	"strings"
)

var Settings *AppSettings

func NewSettings() *AppSettings {
	settings := AppSettings{
		Port:           getEnvOrDefault("PATCHTEST_PORT", ":8080"),
		SQLiteDatabase: getEnvOrDefault("PATCHTEST_DB_PATH", "file:patchtest.sqlite"),
		ConfigPath:     getEnvOrDefault("PATCHTEST_CONFIG", "patchtest.yml"),
		LogLevel:       getEnvOrDefault("PATCHTEST_LOG_LEVEL", "info"),
		LogFormat:      getEnvOrDefault("PATCHTEST_LOG_FORMAT", "text"),
		SecretKey:      os.Getenv("PATCHTEST_SECRET_KEY"),
		APIToken:       os.Getenv("PATCHTEST_API_TOKEN"),
	}
	if !strings.HasPrefix(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	return &settings
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

type AppSettings struct {
	SQLiteDatabase string
	ConfigPath     string
	Port           string
	LogLevel       string
	LogFormat      string
	SecretKey      string
	// APIToken guards the API routes that start work. Empty leaves them open.
	APIToken string
}

// SQLiteDbString returns a modernc.org/sqlite DSN. The read-write variant
// takes the write lock when a transaction begins.
func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "synchronous(NORMAL)")
	params.Add("_pragma", "foreign_keys(1)")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "immediate")
		params.Add("mode", "rwc")
	}

	sep := "?"
	if strings.Contains(as.SQLiteDatabase, "?") {
		sep = "&"
	}
	return as.SQLiteDatabase + sep + params.Encode()
}

// ReadDotenv loads KEY=value lines into the environment. A missing file is
// not an error.
func ReadDotenv(path string) error {
	re := regexp.MustCompile(`^[^0-9][A-Z0-9_]+=.+$`)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) > 0 && line[0] != '#' && re.Match(line) {
			name, value, _ := strings.Cut(string(line), "=")
			name = strings.TrimSpace(name)
			value = strings.TrimSpace(value)
			value = strings.Trim(value, `"`)
			if err := os.Setenv(name, value); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}
