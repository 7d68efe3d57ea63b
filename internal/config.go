package internal

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/haatos/patchtest/internal/security"
	"github.com/haatos/patchtest/internal/store"
	"github.com/haatos/patchtest/internal/util"
)

var Config *Configuration

// Duration is a time.Duration written as a string such as "90s" or "12h".
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type Configuration struct {
	Executor       ExecutorConfig     `yaml:"executor"`
	Tracker        TrackerConfig      `yaml:"tracker"`
	BaselineMaxAge Duration           `yaml:"baseline_max_age"`
	GitPath        string             `yaml:"git_path,omitempty"`
	Repositories   []RepositoryConfig `yaml:"repositories"`
	Sources        []SourceConfig     `yaml:"sources"`
	Report         ReportConfig       `yaml:"report"`
}

type ExecutorConfig struct {
	// Kind is "jenkins" or "agent".
	Kind    string        `yaml:"kind"`
	Jenkins JenkinsConfig `yaml:"jenkins,omitempty"`
	Agent   AgentConfig   `yaml:"agent,omitempty"`
}

type JenkinsConfig struct {
	URL               string            `yaml:"url"`
	Username          string            `yaml:"username"`
	Token             string            `yaml:"token"`
	Job               string            `yaml:"job"`
	Params            map[string]string `yaml:"params,omitempty"`
	RequestsPerSecond float64           `yaml:"requests_per_second,omitempty"`
}

type AgentConfig struct {
	Host           string `yaml:"host"`
	Username       string `yaml:"username"`
	PrivateKeyPath string `yaml:"private_key_path"`
	KnownHostsPath string `yaml:"known_hosts_path,omitempty"`
	Workspace      string `yaml:"workspace"`
	// Script runs in the job directory with the job environment sourced.
	Script string            `yaml:"script"`
	Env    map[string]string `yaml:"env,omitempty"`
}

type TrackerConfig struct {
	PoolSize     int      `yaml:"pool_size"`
	PollInterval Duration `yaml:"poll_interval"`
	RunTimeout   Duration `yaml:"run_timeout"`
	MaxAttempts  int64    `yaml:"max_attempts"`
}

type RepositoryConfig struct {
	URL             string `yaml:"url"`
	Ref             string `yaml:"ref"`
	RefreshSchedule string `yaml:"refresh_schedule,omitempty"`
}

type SourceConfig struct {
	Kind           string   `yaml:"kind"`
	BaseURL        string   `yaml:"base_url"`
	Project        string   `yaml:"project"`
	Repository     string   `yaml:"repository"`
	Ref            string   `yaml:"ref"`
	InitialPatchID *int64   `yaml:"initial_patch_id,omitempty"`
	InitialSince   string   `yaml:"initial_since,omitempty"`
	APIKey         string   `yaml:"api_key,omitempty"`
	SyncSchedule   string   `yaml:"sync_schedule,omitempty"`
	SkipPatterns   []string `yaml:"skip_patterns,omitempty"`
	Filter         string   `yaml:"filter,omitempty"`
}

// InitialSinceTime parses InitialSince as RFC 3339 or a plain date.
func (sc SourceConfig) InitialSinceTime() (*time.Time, error) {
	if sc.InitialSince == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", time.DateOnly} {
		if t, err := time.Parse(layout, sc.InitialSince); err == nil {
			return util.AsPtr(t.UTC()), nil
		}
	}
	return nil, fmt.Errorf("source %s/%s: invalid initial_since %q", sc.BaseURL, sc.Project, sc.InitialSince)
}

type ReportConfig struct {
	Log   bool         `yaml:"log"`
	Mail  *MailConfig  `yaml:"mail,omitempty"`
	Redis *RedisConfig `yaml:"redis,omitempty"`
}

type MailConfig struct {
	Addr         string   `yaml:"addr"`
	Username     string   `yaml:"username,omitempty"`
	Password     string   `yaml:"password,omitempty"`
	From         string   `yaml:"from"`
	To           []string `yaml:"to"`
	OnlyProblems bool     `yaml:"only_problems,omitempty"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

func DefaultConfiguration() *Configuration {
	return &Configuration{
		Executor: ExecutorConfig{Kind: "jenkins"},
		Tracker: TrackerConfig{
			PoolSize:     4,
			PollInterval: Duration(30 * time.Second),
			RunTimeout:   Duration(12 * time.Hour),
			MaxAttempts:  3,
		},
		BaselineMaxAge: Duration(7 * 24 * time.Hour),
		Report:         ReportConfig{Log: true},
	}
}

// LoadConfiguration reads the YAML file at path over the defaults. A missing
// file is created holding the defaults.
func LoadConfiguration(path string) (*Configuration, error) {
	config := DefaultConfiguration()

	exists, err := util.PathExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		b, err := yaml.Marshal(config)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, b, 0o644); err != nil {
			return nil, err
		}
		return config, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalWithOptions(b, config, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return config, nil
}

func (c *Configuration) Validate() error {
	var errs []error
	switch c.Executor.Kind {
	case "jenkins", "agent":
	default:
		errs = append(errs, fmt.Errorf("unknown executor kind %q", c.Executor.Kind))
	}
	if c.Tracker.PoolSize < 1 {
		errs = append(errs, errors.New("tracker.pool_size must be at least 1"))
	}
	if c.Tracker.MaxAttempts < 1 {
		errs = append(errs, errors.New("tracker.max_attempts must be at least 1"))
	}
	for _, r := range c.Repositories {
		if r.URL == "" || r.Ref == "" {
			errs = append(errs, errors.New("repositories need url and ref"))
		}
	}
	for _, s := range c.Sources {
		switch kind := store.PatchSourceKind(s.Kind); {
		case !kind.Valid():
			errs = append(errs, fmt.Errorf("source %s/%s: unknown kind %q", s.BaseURL, s.Project, s.Kind))
		case kind == store.KindLegacy:
			errs = append(errs, fmt.Errorf("source %s/%s: the v1 xml-rpc api is not supported", s.BaseURL, s.Project))
		}
		if s.BaseURL == "" || s.Project == "" || s.Repository == "" || s.Ref == "" {
			errs = append(errs, fmt.Errorf("source %s/%s: base_url, project, repository and ref are required", s.BaseURL, s.Project))
		}
		if _, err := s.InitialSinceTime(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DecryptSecrets replaces values written with the security.EncryptedPrefix
// by their plaintext.
func (c *Configuration) DecryptSecrets(e security.Encrypter) error {
	secrets := []*string{&c.Executor.Jenkins.Token}
	for i := range c.Sources {
		secrets = append(secrets, &c.Sources[i].APIKey)
	}
	if c.Report.Mail != nil {
		secrets = append(secrets, &c.Report.Mail.Password)
	}
	if c.Report.Redis != nil {
		secrets = append(secrets, &c.Report.Redis.Password)
	}
	for _, s := range secrets {
		plain, err := security.DecryptValue(e, *s)
		if err != nil {
			return err
		}
		*s = plain
	}
	return nil
}

// Source returns the configured source for (baseURL, project).
// RepositoryURLs lists every repository named by a repository or source
// entry.
func (c *Configuration) RepositoryURLs() []string {
	var urls []string
	for _, r := range c.Repositories {
		urls = append(urls, r.URL)
	}
	for _, s := range c.Sources {
		urls = append(urls, s.Repository)
	}
	return urls
}

func (c *Configuration) Source(baseURL, project string) (SourceConfig, bool) {
	for _, s := range c.Sources {
		if s.BaseURL == baseURL && s.Project == project {
			return s, true
		}
	}
	return SourceConfig{}, false
}
