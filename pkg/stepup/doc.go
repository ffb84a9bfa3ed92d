// Package stepup gates privileged operations behind a second factor.
//
// An actor enrolls once (TOTP secret plus single-use backup codes) and then
// calls Verify immediately before a privileged operation. A successful
// verification stores a short-lived Grant that the caller of the privileged
// operation consumes.
//
//	gate := stepup.NewGate(factors, stepup.NewGrantStore(redisClient, clock),
//		stepup.WithLimiter(limiter),
//		stepup.WithGrantTTL(5*time.Minute),
//	)
//
//	grant, err := gate.Verify(ctx, c, "123456", false)
//
// Verification denies on every failure path, including store outages.
// Actors without an enrolled factor get STEPUP_NOT_ENROLLED unless
// Policy.AllowWithoutEnrollment is set.
package stepup
