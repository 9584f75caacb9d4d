// Package toolgate embeds the guardrail pipeline in a Go agent host.
//
// A Guard wraps tool functions so every call is evaluated against the
// configured policy before it executes:
//
//	guard, err := toolgate.New(toolgate.WithPolicyPath("policy.yaml"))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer guard.Close()
//
//	send := guard.Wrap(func(ctx context.Context, call toolgate.Call) (any, error) {
//		return mailer.Send(ctx, call.Parameters)
//	})
//
// Blocked calls return *BlockedError without invoking the wrapped function.
package toolgate
