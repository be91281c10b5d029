package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/persistflow/persistflow/correlator"
	"github.com/persistflow/persistflow/engine"
	"github.com/persistflow/persistflow/registry"
	"github.com/persistflow/persistflow/samples"
	"github.com/persistflow/persistflow/workflow"
)

type order struct {
	Item          string `json:"item"`
	PaymentTicket string `json:"payment_ticket,omitempty"`
}

// OrderWorkflow suspends until the payment provider answers, then completes
// the order.
func OrderWorkflow(ctx context.Context, step *workflow.Step) (workflow.Directive, error) {
	var o order
	if err := json.Unmarshal(step.Data, &o); err != nil {
		return nil, err
	}

	if len(step.Responses) == 0 {
		o.PaymentTicket = workflow.NewTicket()
		fmt.Println("Requesting payment, ticket:", o.PaymentTicket)

		data, err := json.Marshal(o)
		if err != nil {
			return nil, err
		}

		return workflow.Suspend(
			[]string{o.PaymentTicket},
			workflow.WithData(data),
			workflow.WithTimeout(30*time.Second),
		), nil
	}

	if step.TimedOut {
		return workflow.Fail(step.Cause), nil
	}

	fmt.Println("Payment confirmed:", string(step.Responses[0].Payload))
	return workflow.Finish([]byte(o.Item + " ordered")), nil
}

func main() {
	ctx := context.Background()

	b := samples.GetBackend("simple")
	defer b.Close()

	r := registry.New()
	if err := r.RegisterWorkflow("order", OrderWorkflow); err != nil {
		panic(err)
	}

	e := engine.New(b, r)
	if err := e.Start(ctx); err != nil {
		panic(err)
	}
	defer e.Stop()

	c := correlator.New(b)
	defer c.Close()

	data, _ := json.Marshal(order{Item: "book"})
	instance, err := e.Submit(ctx, "order", data)
	if err != nil {
		panic(err)
	}
	fmt.Println("Submitted instance", instance.InstanceID)

	// Simulate the payment provider answering out of band
	go func() {
		for {
			time.Sleep(100 * time.Millisecond)

			info, err := b.GetInstance(ctx, instance.InstanceID)
			if err != nil || len(info.WaitTickets) == 0 {
				continue
			}

			if err := c.Deliver(ctx, info.WaitTickets[0], []byte(`{"status":"paid"}`), ""); err != nil {
				panic(err)
			}

			return
		}
	}()

	result, err := c.Poll(ctx, 10*time.Second)
	if err != nil {
		panic(err)
	}
	if result == nil {
		panic("no result within deadline")
	}

	fmt.Println("Workflow finished:", string(result.Value))
}
