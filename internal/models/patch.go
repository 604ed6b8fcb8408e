// Package models holds the data types shared between the batch pipeline and
// its callers.
package models

// Patch identifies one source image queued for normalization.
type Patch struct {
	// Index is the patch's position in the processing order.
	Index int

	// Path is the full path of the source file.
	Path string

	// Name is the base file name, reused for the output file.
	Name string
}

// Result records the outcome of normalizing a single patch.
type Result struct {
	// Patch is the work item this result belongs to.
	Patch Patch

	// OutputPath is where the normalized image was written. Empty when the
	// patch failed.
	OutputPath string

	// SourceMeans and OutputMeans are the per-channel intensity means of the
	// patch before and after normalization.
	SourceMeans [3]float64
	OutputMeans [3]float64

	// Err is the failure that stopped this patch, or nil.
	Err error
}
