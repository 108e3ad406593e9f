package bootstrap

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"warden/config"
)

// InitLogger initializes the zap logger with colored console output.
func InitLogger(debug bool) (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder // Colored levels
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder        // Readable timestamps
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder      // Short file paths

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		level,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the application configuration.
func InitConfig(path string, sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	sugar.Infow("Data paths configuration",
		"data_dir", cfg.DataPaths.DataDir,
		"alert_log_path", cfg.DataPaths.AlertLogPath,
		"case_path", cfg.DataPaths.CasePath,
		"sqlite_path", cfg.DataPaths.SQLitePath)

	sugar.Infow("Config loaded",
		"state_backend", cfg.State.Backend,
		"api_port", cfg.API.Port,
		"case_backend", cfg.CaseBackendEnabled(),
		"log_source", cfg.LogSourceEnabled(),
		"classifier", cfg.Classifier.Enabled,
		"events", cfg.Events.Enabled)

	return cfg, nil
}
