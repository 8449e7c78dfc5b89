package logging

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"grid-martingale/internal/config"
)

// New builds the process logger: JSON to stdout plus a per-day rolling file
// under cfg.Dir named <prefix>_YYYY-MM-DD.log.
func New(cfg config.LoggingConfig, prefix string) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encCfg)

	daily, err := newDailyFile(cfg.Dir, prefix)
	if err != nil {
		return nil, nil, err
	}

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(encoder, zapcore.Lock(daily), level),
	)
	logger := zap.New(core)
	cleanup := func() {
		_ = logger.Sync()
		_ = daily.Close()
	}
	return logger, cleanup, nil
}

// dailyFile is a WriteSyncer that reopens its file when the UTC date rolls
// over, giving one log file per day.
type dailyFile struct {
	dir    string
	prefix string

	mu   sync.Mutex
	date string
	file *os.File
}

func newDailyFile(dir, prefix string) (*dailyFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	d := &dailyFile{dir: dir, prefix: prefix}
	if err := d.rotateLocked(time.Now().UTC()); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *dailyFile) rotateLocked(now time.Time) error {
	date := now.Format("2006-01-02")
	if date == d.date && d.file != nil {
		return nil
	}
	if d.file != nil {
		_ = d.file.Close()
	}
	path := filepath.Join(d.dir, d.prefix+"_"+date+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	d.date = date
	d.file = f
	return nil
}

func (d *dailyFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.rotateLocked(time.Now().UTC()); err != nil {
		return 0, err
	}
	return d.file.Write(p)
}

func (d *dailyFile) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	return d.file.Sync()
}

func (d *dailyFile) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
