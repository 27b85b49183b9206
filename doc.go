// Package flowkit is a code-first workflow engine. Workflows are declared in
// Go as graphs of steps, conditions, loops and parallel branches, then
// executed in response to webhooks, schedules, events or manual triggers.
// Runs persist their progress step by step, so a process restart resumes
// in-flight work, and human-in-the-loop and wait-for-event nodes park a run
// durably until an external caller resolves it.
//
// A minimal workflow:
//
//	def, err := flowkit.New("orders", "v1").
//		Step("validate", validateOrder).
//		Step("charge", chargeCard).Retry(schema.RetryPolicy{Attempts: 3, Delay: time.Second}).
//		If("large", flowkit.ExprWhen("payload.amount > 1000")).
//			HumanInTheLoop("approve", schema.PauseSpec{Timeout: 24 * time.Hour}).
//		EndIf().
//		Step("fulfill", fulfillOrder).
//		Build()
//
// Register it on an Engine and trigger:
//
//	eng, _ := flowkit.NewEngine(flowkit.Options{DBPath: "flows.db"})
//	eng.Register(def)
//	eng.Start(ctx)
//	runID, _ := eng.Trigger(ctx, "orders", map[string]any{"amount": 1500})
package flowkit
