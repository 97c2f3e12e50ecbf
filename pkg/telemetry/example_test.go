package telemetry_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/livegraph/pkg/engine"
	"github.com/openfroyo/livegraph/pkg/telemetry"
)

// ExampleEventPublisher shows status records flowing to a filtered subscriber.
func ExampleEventPublisher() {
	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		panic(err)
	}
	defer publisher.Shutdown(context.Background())

	publisher.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s %s: %s\n", event.Level, event.Type, event.Message)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	publisher.BlockStatus(engine.BlockStatus{UID: "osc1", Ready: true})
	publisher.BlockStatus(engine.BlockStatus{UID: "gain1", BlockErrors: []string{"construct failed"}})
	publisher.ZoneStatus(engine.ZoneStatus{Zone: "worker1", Environment: "tcp://studio:17653/audio", Error: "host offline"})

	// Output:
	// error block.status: Block gain1: construct failed
	// error zone.status: Zone worker1 failed on tcp://studio:17653/audio: host offline
}

// ExampleStartOperation times an operation without a telemetry instance in the context.
func ExampleStartOperation() {
	op := telemetry.StartOperation(context.Background(), "export")
	op.End(nil)

	fmt.Println(op.Span == nil)
	// Output: true
}
