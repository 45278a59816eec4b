package artifact

// Storage backends
const (
	BackendLocal = "local"
	BackendMinio = "minio"
)

// Config holds artifact storage settings
type Config struct {
	Backend   string `toml:"backend"`
	Root      string `toml:"root"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
	Region    string `toml:"region"`
}

// DefaultConfig stores artifacts on local disk under data/
func DefaultConfig() Config {
	return Config{
		Backend: BackendLocal,
		Root:    "data",
		Bucket:  "statsync-artifacts",
	}
}
