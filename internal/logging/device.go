package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DeviceLog is an append-only record of the commands and responses
// exchanged with one device.
type DeviceLog struct {
	logger *zap.Logger
	file   *os.File
	path   string
}

// DeviceLogs opens a DeviceLog for a device identifier.
type DeviceLogs func(id byte) (*DeviceLog, error)

// DeviceLogFileName returns the file name used for a device identifier.
func DeviceLogFileName(id byte) string {
	return fmt.Sprintf("Client_%d.txt", int8(id))
}

// OpenDeviceLog opens (or creates) the log file for id inside dir.
// Lines contain only the logged message, no timestamp or level.
func OpenDeviceLog(dir string, id byte) (*DeviceLog, error) {
	if dir == "" {
		return NopDeviceLog(), nil
	}

	path := filepath.Join(dir, DeviceLogFileName(id))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open device log %s: %w", path, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		MessageKey: "msg",
		LineEnding: zapcore.DefaultLineEnding,
	}
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(f),
		zapcore.DebugLevel,
	)

	return &DeviceLog{
		logger: zap.New(core),
		file:   f,
		path:   path,
	}, nil
}

// DirDeviceLogs returns a DeviceLogs factory writing into dir.
func DirDeviceLogs(dir string) DeviceLogs {
	return func(id byte) (*DeviceLog, error) {
		return OpenDeviceLog(dir, id)
	}
}

// NopDeviceLog returns a DeviceLog that discards everything.
func NopDeviceLog() *DeviceLog {
	return &DeviceLog{logger: zap.NewNop()}
}

// Path returns the backing file path, or "" for a nop log.
func (d *DeviceLog) Path() string {
	return d.path
}

// Record appends one "name response" line.
func (d *DeviceLog) Record(name, response string) {
	d.logger.Info(name + " " + response)
}

// Request appends the request line written before dispatch.
func (d *DeviceLog) Request(name string, payload []byte) {
	d.logger.Info(fmt.Sprintf("%s %v", name, payload))
}

// Close flushes and closes the backing file.
func (d *DeviceLog) Close() error {
	_ = d.logger.Sync()
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}
