package tradeflow_test

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/tradeflow"
)

var (
	symbolKey = tradeflow.NewKey[string]("symbol")
	priceKey  = tradeflow.NewKey[float64]("price")
	actionKey = tradeflow.NewKey[string]("action")
)

func Example() {
	wf, err := tradeflow.New(tradeflow.Options{
		Name: "quick-decision",
		Fields: []tradeflow.Field{
			symbolKey.Field().AsRequired(),
			priceKey.Field(),
			actionKey.Field(),
		},
		Steps: []*tradeflow.Step{
			{
				Name:   "quote",
				Reads:  []string{symbolKey.Name()},
				Writes: []string{priceKey.Name()},
				Run: func(ctx tradeflow.Context) tradeflow.Result {
					return tradeflow.Continue(priceKey.Set(tradeflow.Update{}, 42.5))
				},
				Next: tradeflow.Then("decide"),
			},
			{
				Name:   "decide",
				Reads:  []string{symbolKey.Name(), priceKey.Name()},
				Writes: []string{actionKey.Name()},
				Run: func(ctx tradeflow.Context) tradeflow.Result {
					action := "HOLD"
					if priceKey.Value(ctx) < 50 {
						action = "BUY"
					}
					return tradeflow.Continue(actionKey.Set(tradeflow.Update{}, action))
				},
			},
		},
	})
	if err != nil {
		fmt.Println(err)
		return
	}

	eng := tradeflow.NewEngine(tradeflow.EngineOptions{})
	exec, err := eng.Start(context.Background(), tradeflow.ExecutionOptions{
		Workflow: wf,
		Inputs:   map[string]any{"symbol": "ACME"},
	})
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(exec.Status(), symbolKey.Value(exec), actionKey.Value(exec))
	// Output: completed ACME BUY
}
