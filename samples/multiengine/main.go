package main

import (
	"context"
	"fmt"
	"time"

	"github.com/persistflow/persistflow/backend/sqlite"
	"github.com/persistflow/persistflow/correlator"
	"github.com/persistflow/persistflow/engine"
	"github.com/persistflow/persistflow/registry"
	"github.com/persistflow/persistflow/workflow"
)

const instances = 20

// Two engines share one store; each instance is claimed and advanced by
// exactly one of them.
func main() {
	ctx := context.Background()

	r := registry.New()
	if err := r.RegisterWorkflow("echo", func(ctx context.Context, step *workflow.Step) (workflow.Directive, error) {
		return workflow.Finish(step.Data), nil
	}); err != nil {
		panic(err)
	}

	engines := make([]*engine.Engine, 2)
	for i := range engines {
		b := sqlite.NewSqliteBackend("multiengine.sqlite", sqlite.WithEngineName(fmt.Sprintf("engine-%d", i)))
		defer b.Close()

		engines[i] = engine.New(b, r)
		if err := engines[i].Start(ctx); err != nil {
			panic(err)
		}
		defer engines[i].Stop()
	}

	for i := 0; i < instances; i++ {
		if _, err := engines[i%2].Submit(ctx, "echo", []byte(fmt.Sprintf("order-%d", i))); err != nil {
			panic(err)
		}
	}

	b := sqlite.NewSqliteBackend("multiengine.sqlite")
	defer b.Close()

	c := correlator.New(b)
	defer c.Close()

	for i := 0; i < instances; i++ {
		result, err := c.Poll(ctx, 10*time.Second)
		if err != nil {
			panic(err)
		}
		if result == nil {
			panic("missing result")
		}

		fmt.Printf("result %2d: %s (%s)\n", i+1, result.Value, result.InstanceID)
	}
}
