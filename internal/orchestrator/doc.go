// Package orchestrator runs the autonomous task loop.
//
// A Loop repeatedly selects the next ready task from a tasks.Source, claims
// it, invokes an agent harness with a prompt built from the task and its
// ledger history, optionally verifies the result, and records the attempt
// in the ledger. It stops when nothing is ready, when the budget or
// iteration limit is reached, on a stop request, or on a task failure when
// the failure policy says so.
//
// Every session leaves a run artifact and a status snapshot under
// .cub/runs, which `cub status` and `cub monitor` read.
//
// Example usage:
//
//	loop, err := orchestrator.New(
//		orchestrator.Config{ProjectRoot: root, WorkDir: root, SessionID: orchestrator.NewSessionID(time.Now())},
//		orchestrator.RequiredConfig{Source: source, Backend: backend, Ledger: led},
//		orchestrator.WithGuardrail(budget.New(budget.Limits{MaxTotalCost: 5})),
//	)
//	if err != nil {
//		return err
//	}
//	artifact, err := loop.Run(ctx)
package orchestrator
