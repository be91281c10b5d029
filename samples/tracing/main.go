package main

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"

	"github.com/persistflow/persistflow/backend"
	"github.com/persistflow/persistflow/backend/sqlite"
	"github.com/persistflow/persistflow/correlator"
	"github.com/persistflow/persistflow/engine"
	"github.com/persistflow/persistflow/registry"
	"github.com/persistflow/persistflow/workflow"
)

func main() {
	ctx := context.Background()

	r := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String("persistflow sample"),
	)

	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		panic(err)
	}

	tp := trace.NewTracerProvider(
		trace.WithSyncer(exp),
		trace.WithResource(r),
	)
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(context.Background())

	b := sqlite.NewInMemoryBackend(sqlite.WithBackendOptions(backend.WithTracerProvider(tp)))
	defer b.Close()

	reg := registry.New()
	if err := reg.RegisterWorkflow("hello", func(ctx context.Context, step *workflow.Step) (workflow.Directive, error) {
		return workflow.Finish(append([]byte("hello "), step.Data...)), nil
	}); err != nil {
		panic(err)
	}

	e := engine.New(b, reg)
	if err := e.Start(ctx); err != nil {
		panic(err)
	}
	defer e.Stop()

	c := correlator.New(b)
	defer c.Close()

	if _, err := e.Submit(ctx, "hello", []byte("world")); err != nil {
		panic(err)
	}

	result, err := c.Poll(ctx, 10*time.Second)
	if err != nil {
		panic(err)
	}
	if result == nil {
		panic("no result within deadline")
	}

	fmt.Println("Workflow finished:", string(result.Value))
}
