// internal/logger/config.go
package logger

type Config struct {
	LogFile     string // empty disables the file sink
	MaxSize     int    // megabytes
	MaxAge      int    // days
	MaxBackups  int
	Compress    bool
	Development bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		LogFile:     "rangeguard.log",
		MaxSize:     100,
		MaxAge:      7,
		MaxBackups:  3,
		Compress:    true,
		Development: false,
	}
}
