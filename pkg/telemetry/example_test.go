package telemetry_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/stackrun/pkg/telemetry"
)

// Example_basicSetup shows the setup a CLI command performs.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Logging.Level = "warn"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	telemetry.FromContext(ctx).NewComponentLogger("cli").Zerolog().Debug().Msg("stackrun started")
}

// Example_engineInstrumentation wraps an engine call in a span.
func Example_engineInstrumentation() {
	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	err = telemetry.RecordEngineOperation(ctx, "local", "plan", "web", func(ctx context.Context) error {
		return errors.New("terraform exited with status 1")
	})
	fmt.Println(err)
	// Output: terraform exited with status 1
}
