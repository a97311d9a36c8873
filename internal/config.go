package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/opsml/internal/api"
	"github.com/starford/opsml/internal/codec"
	"github.com/starford/opsml/internal/index"
	"github.com/starford/opsml/internal/registry"
	"github.com/starford/opsml/internal/storage"
	"github.com/starford/opsml/internal/transport"
	pkgconfig "github.com/starford/opsml/pkg/config"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "OPSML"

// Config represents the application configuration.
type Config struct {
	App      ApplicationConfig `yaml:"app"`
	Registry RegistryConfig    `yaml:"registry"`
	Storage  StorageConfig     `yaml:"storage"`
	Client   ClientConfig      `yaml:"client"`
	Auth     AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Registry.Validate(); err != nil {
		return err
	}
	if c.Registry.Remote() {
		if err := c.Client.Validate(); err != nil {
			return err
		}
	}
	return c.Auth.Validate()
}

// envOverlay lists the OPSML_* variables that override the file. Fields
// carry no envconfig tag so only the prefixed names match.
type envOverlay struct {
	TrackingURI string `split_words:"true"`
	StorageURI  string `split_words:"true"`
	Username    string
	Password    string
	ProdToken   string `split_words:"true"`
}

// ApplyEnv overlays OPSML_* variables onto the parsed file. Credentials
// apply to the client side, and the production token applies to both
// sides: a server gates writes with it and a client sends it.
func (c *Config) ApplyEnv() error {
	var env envOverlay
	if err := pkgconfig.LoadEnv(EnvPrefix, &env); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Registry.TrackingURI, env.TrackingURI)
	set(&c.Registry.StorageURI, env.StorageURI)
	set(&c.Client.Username, env.Username)
	set(&c.Client.Password, env.Password)
	set(&c.Client.ProdToken, env.ProdToken)
	set(&c.Auth.ProdToken, env.ProdToken)
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
	// BasePath is where the registry routes are mounted.
	BasePath string `yaml:"base_path"`
	// MaxUploadBytes bounds one streamed upload; 0 is unbounded.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.BasePath, validation.By(func(any) error {
			if c.BasePath != "" && !strings.HasPrefix(c.BasePath, "/") {
				return errors.New("must start with /")
			}
			return nil
		})),
		validation.Field(&c.MaxUploadBytes, validation.Min(int64(0))),
	)
}

// RegistryConfig selects the metadata and artifact stores.
//
// TrackingURI decides the mode: an http:// or https:// URI points at a
// remote registry server; anything else is a SQL connection string
// (sqlite://, postgres://, mysql:// or a bare SQLite path).
type RegistryConfig struct {
	TrackingURI     string        `yaml:"tracking_uri"`
	StorageURI      string        `yaml:"storage_uri"`
	LockRetries     int           `yaml:"lock_retries"`
	LockInitial     time.Duration `yaml:"lock_initial"`
	LockMaxInterval time.Duration `yaml:"lock_max_interval"`
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	ShardSize       int64         `yaml:"shard_size"`
	DecodeWorkers   int           `yaml:"decode_workers"`
}

// Remote reports whether TrackingURI names a registry server.
func (c *RegistryConfig) Remote() bool {
	return strings.HasPrefix(c.TrackingURI, "http://") || strings.HasPrefix(c.TrackingURI, "https://")
}

// Validate validates the registry configuration.
func (c *RegistryConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.TrackingURI, validation.Required),
		validation.Field(&c.StorageURI, validation.When(!c.Remote(), validation.Required)),
		validation.Field(&c.LockRetries, validation.Min(0)),
		validation.Field(&c.LockInitial, validation.Min(time.Duration(0))),
		validation.Field(&c.LockMaxInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.LeaseTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.ShardSize, validation.Min(int64(0))),
		validation.Field(&c.DecodeWorkers, validation.Min(0)),
	); err != nil {
		return err
	}
	if !c.Remote() {
		if _, _, _, err := index.ParseURL(c.TrackingURI); err != nil {
			return err
		}
	}
	return nil
}

// redact hides the password in a connection URI.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// IndexOptions converts the lock settings.
func (c *RegistryConfig) IndexOptions(logger *slog.Logger) index.Options {
	return index.Options{
		LockRetries:     c.LockRetries,
		LockInitial:     c.LockInitial,
		LockMaxInterval: c.LockMaxInterval,
		Logger:          logger,
	}
}

// CodecOptions converts the codec settings.
func (c *RegistryConfig) CodecOptions() codec.Options {
	return codec.Options{ShardSize: c.ShardSize, DecodeWorkers: c.DecodeWorkers}
}

// StorageConfig carries credentials for object-store backends. The
// backend itself is chosen by the scheme of registry.storage_uri.
type StorageConfig struct {
	S3  storage.S3Config  `yaml:"s3"`
	GCS storage.GCSConfig `yaml:"gcs"`
}

// Options converts the section for storage.Open.
func (c *StorageConfig) Options() storage.Options {
	return storage.Options{S3: c.S3, GCS: c.GCS}
}

// ClientConfig configures calls to a remote registry server.
type ClientConfig struct {
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	Token      string        `yaml:"token"`
	ProdToken  string        `yaml:"prod_token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries uint          `yaml:"max_retries"`
}

// Validate validates the client configuration.
func (c *ClientConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	); err != nil {
		return err
	}
	if (c.Username == "") != (c.Password == "") {
		return errors.New("client: username and password must be set together")
	}
	return nil
}

// Transport builds the caller configuration for baseURL.
func (c *ClientConfig) Transport(baseURL string) transport.Config {
	return transport.Config{
		BaseURL:    baseURL,
		Username:   c.Username,
		Password:   c.Password,
		Token:      c.Token,
		ProdToken:  c.ProdToken,
		Timeout:    c.Timeout,
		MaxRetries: c.MaxRetries,
	}
}

// AuthConfig holds server-side authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
//   - "basic": HTTP basic authentication; Username and Password must be non-empty.
//
// ProdToken, when set, is additionally required on every write.
type AuthConfig struct {
	Mode      string `yaml:"mode"`
	Token     string `yaml:"token"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ProdToken string `yaml:"prod_token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled".
	if c.Mode == "" {
		c.Mode = api.AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(api.AuthModeDisabled, api.AuthModeToken, api.AuthModeBasic)),
	); err != nil {
		return err
	}
	switch {
	case c.Mode == api.AuthModeToken && c.Token == "":
		return fmt.Errorf("auth: mode is %q but token is empty", api.AuthModeToken)
	case c.Mode == api.AuthModeBasic && (c.Username == "" || c.Password == ""):
		return fmt.Errorf("auth: mode is %q but username or password is empty", api.AuthModeBasic)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == api.AuthModeToken || c.Mode == api.AuthModeBasic
}

// Router converts the section for the HTTP façade.
func (c *AuthConfig) Router() api.Auth {
	return api.Auth{Mode: c.Mode, Token: c.Token, Username: c.Username, Password: c.Password}
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port:     8888,
				BasePath: "/opsml",
			},
		},
		Registry: RegistryConfig{
			TrackingURI:     "sqlite://./opsml.db",
			StorageURI:      "./opsml_artifacts",
			LockRetries:     10,
			LockInitial:     50 * time.Millisecond,
			LockMaxInterval: time.Second,
			LeaseTTL:        registry.DefaultLeaseTTL,
			ShardSize:       codec.DefaultShardSize,
			DecodeWorkers:   codec.DefaultDecodeWorkers,
		},
		Client: ClientConfig{
			Timeout:    60 * time.Second,
			MaxRetries: 5,
		},
		Auth: AuthConfig{
			Mode: api.AuthModeDisabled,
		},
	}
}
