package apprecorder

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/jroedel/sensorrelay/business/bussnapshot"
	"github.com/jroedel/sensorrelay/foundation/frame"
	"github.com/jroedel/sensorrelay/sdk/feedclient"
)

// App keeps a feed client connected to the relay and persists its latest
// record on the recorder's interval.
type App struct {
	//required
	client   *feedclient.Client
	recorder *bussnapshot.Recorder
	logger   *log.Logger

	//internal
	firstOnce sync.Once
}

func New(client *feedclient.Client, recorder *bussnapshot.Recorder, logger *log.Logger) (*App, error) {
	if client == nil {
		return nil, fmt.Errorf("app construct: Client is required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("app construct: Recorder is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("app construct: Logger is required")
	}
	return &App{client: client, recorder: recorder, logger: logger}, nil
}

// Start connects to the relay and records until ctx is done. Only the initial
// connection failure is returned; later outages are absorbed by the client.
func (app *App) Start(ctx context.Context) error {
	app.client.Subscribe(app.onRecord)

	if err := app.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer app.client.Disconnect()

	err := app.recorder.Start(ctx)

	//one last row so a shutdown does not lose the freshest value
	if _, serr := app.recorder.SnapshotNow(context.Background()); serr != nil {
		app.logger.Printf("Final snapshot failed: %v", serr)
	}
	return err
}

func (app *App) onRecord(rec frame.Record) {
	app.firstOnce.Do(func() {
		app.logger.Printf("First record received from %s: %v", app.client.Addr(), rec)
	})
}
