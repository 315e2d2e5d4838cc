// Package retry provides the bounded, fixed-delay retry policy shared by the
// safety source and the side-effect executor.
//
// A Policy is an immutable value: each component receives its own copy from
// configuration. Do runs an operation up to Policy.MaxAttempts times with
// Policy.Delay between attempts, so an operation that always fails is
// attempted exactly MaxAttempts times with MaxAttempts-1 delays.
//
// Usage:
//
//	policy := retry.Policy{MaxAttempts: 3, Delay: 2 * time.Second}
//	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
//	    return query(ctx)
//	}, nil)
package retry
