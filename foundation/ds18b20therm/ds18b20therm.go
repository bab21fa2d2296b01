// Package ds18b20therm reads DS18B20 1-wire thermometers through the kernel's
// w1 sysfs interface and exposes them as an upstream line source.
package ds18b20therm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/jroedel/sensorrelay/foundation/frame"
)

// ThermometerDevicesRootPath where to look for DS18B20 devices
const ThermometerDevicesRootPath = "/sys/bus/w1/devices/"

const (
	minValidCelsius = -55.0
	maxValidCelsius = 125.0

	readAttempts     = 3
	emptyReadBackoff = 200 * time.Millisecond

	DefaultInterval = 5 * time.Second
	// DefaultKey matches the field name the rest of the sensor network uses
	DefaultKey = "temperatura"
)

var ErrEmptyReading = errors.New("we received an empty string from the temperature file")

// ReadTemperatureC reads one temperature file, retrying briefly when the
// driver hands back an empty file mid-conversion.
func ReadTemperatureC(temperaturePath string, logger *log.Logger) (float64, error) {
	var temperatureBytes []byte
	for counter := 1; counter <= readAttempts; counter++ {
		var err error
		temperatureBytes, err = os.ReadFile(temperaturePath)
		if err != nil {
			return 0, err
		}
		if len(strings.TrimSpace(string(temperatureBytes))) > 0 {
			break
		}
		if logger != nil {
			logger.Printf("Temperature read attempt %d resulted in an empty string", counter)
		}
		time.Sleep(emptyReadBackoff)
	}
	return parseTemperature(temperatureBytes)
}

// parseTemperature converts the millidegree content of a temperature file.
func parseTemperature(temperatureBytes []byte) (float64, error) {
	temperatureString := strings.TrimSpace(string(temperatureBytes))
	if temperatureString == "" {
		return 0, ErrEmptyReading
	}

	milli, err := strconv.ParseFloat(temperatureString, 64)
	if err != nil {
		return 0, fmt.Errorf("parse temperature %q: %w", temperatureString, err)
	}
	celsius := milli / 1000

	if celsius < minValidCelsius || celsius > maxValidCelsius {
		return 0, fmt.Errorf("invalid temperature: %#v", celsius)
	}
	return celsius, nil
}

// EnumerateThermometerPaths returns the temperature files under root that
// currently produce a valid reading.
func EnumerateThermometerPaths(root string) []string {
	var temperaturePaths []string

	entries, err := os.ReadDir(root)
	if err != nil {
		return temperaturePaths
	}
	for _, entry := range entries {
		filePath := filepath.Join(root, entry.Name(), "temperature")
		temperatureBytes, err := os.ReadFile(filePath)
		if err != nil {
			continue
		}
		if _, err := parseTemperature(temperatureBytes); err != nil {
			continue
		}
		temperaturePaths = append(temperaturePaths, filePath)
	}
	return temperaturePaths
}

// Source polls one thermometer and emits {"temperatura":<celsius>} lines.
type Source struct {
	Path     string
	Interval time.Duration
	Key      string

	logger *log.Logger
	clock  clockwork.Clock
	first  bool
}

// NewSource builds a source for path. An empty path picks the first
// thermometer found under ThermometerDevicesRootPath.
func NewSource(path string, interval time.Duration, logger *log.Logger, clock clockwork.Clock) (*Source, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if path == "" {
		paths := EnumerateThermometerPaths(ThermometerDevicesRootPath)
		if len(paths) == 0 {
			return nil, errors.New("no DS18B20 thermometer found under " + ThermometerDevicesRootPath)
		}
		path = paths[0]
		logger.Printf("Using thermometer %s", path)
	}
	return &Source{
		Path:     path,
		Interval: interval,
		Key:      DefaultKey,
		logger:   logger,
		clock:    clock,
		first:    true,
	}, nil
}

// ReadLine waits one interval (none before the first reading) and returns
// the reading as a JSON frame line.
func (s *Source) ReadLine(ctx context.Context) (string, error) {
	if !s.first {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.clock.After(s.Interval):
		}
	}
	s.first = false

	celsius, err := ReadTemperatureC(s.Path, s.logger)
	if err != nil {
		return "", fmt.Errorf("read thermometer %s: %w", s.Path, err)
	}
	b, err := frame.Encode(frame.Record{s.Key: celsius})
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(b), "\n"), nil
}
