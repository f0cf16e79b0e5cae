package envreader

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Filesystem is the part of the os package EnvReader reads secrets with.
type Filesystem interface {
	ReadFile(name string) ([]byte, error)
}

type osFilesystem struct{}

func (osFilesystem) ReadFile(name string) ([]byte, error) { return os.ReadFile(name) }

// EnvReader reads configuration and remembers every required key it could
// not find, so all of them can be reported at once.
type EnvReader struct {
	MissingKeys []string
	Errors      bool
	v           *viper.Viper
	fs          Filesystem
	defaults    map[string]interface{}
}

// Option configures an EnvReader
type Option func(*EnvReader)

// WithFilesystem replaces the filesystem used by GetFromFile.
func WithFilesystem(fs Filesystem) Option {
	return func(r *EnvReader) { r.fs = fs }
}

// WithViper replaces the viper instance keys are looked up in.
func WithViper(v *viper.Viper) Option {
	return func(r *EnvReader) { r.v = v }
}

// WithDefault sets the value returned for key when it is not in the
// environment. Defaults apply to whichever viper instance New ends up with.
func WithDefault(key string, value interface{}) Option {
	return func(r *EnvReader) { r.defaults[key] = value }
}

func New(opts ...Option) *EnvReader {
	v := viper.New()
	v.AutomaticEnv()
	r := &EnvReader{v: v, fs: osFilesystem{}, defaults: make(map[string]interface{})}
	for _, opt := range opts {
		opt(r)
	}
	for key, value := range r.defaults {
		r.v.SetDefault(key, value)
	}
	return r
}

func (r *EnvReader) missing(key string) {
	r.Errors = true
	r.MissingKeys = append(r.MissingKeys, key)
}

// GetEnv returns a required key. Unset and empty values are both missing.
func (r *EnvReader) GetEnv(key string) string {
	if value := r.v.GetString(key); value != "" {
		return value
	}
	r.missing(key)
	return ""
}

func (r *EnvReader) GetFromFile(path string) string {
	content, err := r.fs.ReadFile(path)
	if err != nil {
		r.missing("file at: " + path)
		return ""
	}
	return strings.TrimSpace(string(content))
}

// GetSecret returns key, or the contents of the file named by key_FILE.
func (r *EnvReader) GetSecret(key string) string {
	if value := r.v.GetString(key); value != "" {
		return value
	}
	if path := r.v.GetString(key + "_FILE"); path != "" {
		return r.GetFromFile(path)
	}
	r.missing(key)
	return ""
}

func (r *EnvReader) GetEnvOpt(key string) string {
	return r.v.GetString(key)
}

func (r *EnvReader) GetEnvBoolOpt(key string) bool {
	return r.v.GetBool(key)
}

func (r *EnvReader) GetEnvDurationOpt(key string) time.Duration {
	return r.v.GetDuration(key)
}
