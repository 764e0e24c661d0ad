// Package providers defines the adapter contract every provider resource
// kind implements and the Driver that turns an adapter's begin and check
// calls into continuation steps.
//
// An adapter never waits for a provider operation to finish. BeginCreate,
// BeginDelete and BeginStartCompute return InProgress together with the
// NextStageInput the matching Check call needs. The Driver encodes that
// input into an opaque token, and the caller hands it back on the next step.
//
//	d := providers.Driver{Kind: "disk.create", Provider: "azure", Operation: "create"}
//	result, err := d.Run(ctx, providers.Step{
//		ResourceID: id,
//		Token:      token,
//		Begin:      func(ctx context.Context) (...) { return disks.BeginCreate(ctx, input) },
//		Check:      disks.CheckCreateStatus,
//	})
//
// Adapter errors become Failed results with an ErrorReason. Retryable check
// errors keep the operation InProgress until MaxTransientRetries is reached.
package providers
