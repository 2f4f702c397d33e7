package tool

import "flag"

// Config holds runtime overrides from CLI flags.
type Config struct {
	Log              string
	UseConfigPath    string
	UsePort          int
	UseChunkSize     int
	UseMaxTotalRows  int
	UseStateDir      string
	UseSessionTTLMin int

	// Client mode flags.
	UseClient      bool
	UseServerAddr  string
	UseUserId      string
	UseDownloadDir string
	UseExportKind  string
}

// SetFlags parses CLI flags and returns the override config.
func SetFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.Log, "log", "", "log mode: dev|prod|none")
	flag.StringVar(&cfg.UseConfigPath, "useConfigPath", "", "override config file path")
	flag.IntVar(&cfg.UsePort, "usePort", 0, "override listen port")
	flag.IntVar(&cfg.UseChunkSize, "useChunkSize", 0, "override default export chunk size")
	flag.IntVar(&cfg.UseMaxTotalRows, "useMaxTotalRows", 0, "override the row ceiling for a single export")
	flag.StringVar(&cfg.UseStateDir, "useStateDir", "", "override the client state directory")
	flag.IntVar(&cfg.UseSessionTTLMin, "useSessionTTL", 0, "override session TTL in minutes")
	flag.BoolVar(&cfg.UseClient, "client", false, "run as an export client instead of the server")
	flag.StringVar(&cfg.UseServerAddr, "useServerAddr", "http://127.0.0.1:8617", "export server base URL (client mode)")
	flag.StringVar(&cfg.UseUserId, "useUserId", "cli", "user identity sent with client requests")
	flag.StringVar(&cfg.UseDownloadDir, "useDownloadDir", "downloads", "directory for delivered export files (client mode)")
	flag.StringVar(&cfg.UseExportKind, "useExportKind", "", "submit one export of this kind on startup (client mode)")
	flag.Parse()
	return cfg
}
