package apprelay

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/jroedel/sensorrelay/business/busrelay"
	"github.com/jroedel/sensorrelay/foundation/ds18b20therm"
	"github.com/jroedel/sensorrelay/foundation/linesource"
	"github.com/jroedel/sensorrelay/foundation/relayconfig"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// closeAll closes every closer, in order.
type closeAll []io.Closer

func (cs closeAll) Close() error {
	var errs []error
	for _, c := range cs {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// NewSource builds the upstream line source described by cfg. The returned
// closer releases the port or file once the relay has stopped.
func NewSource(cfg relayconfig.UpstreamConfig, logger *log.Logger) (busrelay.LineSource, io.Closer, error) {
	switch cfg.Kind {
	case relayconfig.UpstreamSerial:
		s := linesource.NewSerial(cfg.SerialPort, cfg.BaudRate, logger)
		return s, s, nil
	case relayconfig.UpstreamStdin:
		r := linesource.NewReader(os.Stdin)
		return r, r, nil
	case relayconfig.UpstreamFile:
		f, err := os.Open(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open upstream file: %w", err)
		}
		r := linesource.NewReader(f)
		return r, closeAll{r, f}, nil
	case relayconfig.UpstreamDS18B20:
		s, err := ds18b20therm.NewSource(cfg.Path, cfg.PollInterval, logger, nil)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown upstream kind %q", cfg.Kind)
	}
}
