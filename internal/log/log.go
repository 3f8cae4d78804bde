package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// logWriter writes to standard output and, once InitLogRotator has run, to
// the rotating log file.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	rotatorMu.Lock()
	if logRotator != nil {
		logRotator.Write(p)
	}
	rotatorMu.Unlock()
	return len(p), nil
}

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers write to it. When adding a subsystem, add its logger
// here and to SubsystemLoggers.
var (
	backendLog = btclog.NewBackend(logWriter{})

	rotatorMu  sync.Mutex
	logRotator *rotator.Rotator

	MinrLog = backendLog.Logger("MINR")
	CudaLog = backendLog.Logger("CUDA")
	DagLog  = backendLog.Logger("DAG")
	SrchLog = backendLog.Logger("SRCH")
	FarmLog = backendLog.Logger("FARM")
	HwmnLog = backendLog.Logger("HWMN")
	ApisLog = backendLog.Logger("APIS")
	CnfgLog = backendLog.Logger("CNFG")
)

// SubsystemLoggers maps each subsystem identifier to its logger.
var SubsystemLoggers = map[string]btclog.Logger{
	"MINR": MinrLog,
	"CUDA": CudaLog,
	"DAG":  DagLog,
	"SRCH": SrchLog,
	"FARM": FarmLog,
	"HWMN": HwmnLog,
	"APIS": ApisLog,
	"CNFG": CnfgLog,
}

// InitLogRotator starts writing logs to logFile, rolling it every 10 MiB
// and keeping three old files.
func InitLogRotator(logFile string) error {
	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0700); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	rotatorMu.Lock()
	logRotator = r
	rotatorMu.Unlock()
	return nil
}

// CloseLogRotator flushes and closes the log file, if any.
func CloseLogRotator() error {
	rotatorMu.Lock()
	defer rotatorMu.Unlock()
	if logRotator == nil {
		return nil
	}
	err := logRotator.Close()
	logRotator = nil
	return err
}

// SetLogLevel sets the logging level for one subsystem. Unknown subsystems
// are ignored and invalid levels fall back to info.
func SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := SubsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets every subsystem to logLevel.
func SetLogLevels(logLevel string) {
	for subsystemID := range SubsystemLoggers {
		SetLogLevel(subsystemID, logLevel)
	}
}

// SupportedSubsystems returns the sorted subsystem identifiers.
func SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(SubsystemLoggers))
	for id := range SubsystemLoggers {
		subsystems = append(subsystems, id)
	}
	sort.Strings(subsystems)
	return subsystems
}
