package osndxfio

// OpenOptions are params for Open.
type OpenOptions struct {

	// ----------------------------- //
	//        Mandatory flags        //
	// ----------------------------- //

	// ReadOnly opens the database file without write access.
	ReadOnly bool

	// ----------------------------- //
	//   Frequently modified flags   //
	// ----------------------------- //

	// AllocatedIndexKeys is the number of extra index slots to preallocate
	// in memory beyond the slots already materialized on disk, so that a
	// run of CreateRecord calls doesn't reallocate the mirror on every new
	// reserved run. Ignored (shrunk to the on-disk slot count) when
	// ReadOnly is set.
	AllocatedIndexKeys uint32
}

// DefaultOpenOptions sets a list of recommended options for good
// performance. Feel free to modify these to suit your needs.
func DefaultOpenOptions() OpenOptions {
	return OpenOptions{
		ReadOnly:           false,
		AllocatedIndexKeys: DefaultAllocatedIndexKeys,
	}
}

// CreateOptions are params for Create.
type CreateOptions struct {

	// ----------------------------- //
	//        Mandatory flags        //
	// ----------------------------- //

	// ReservedIndexRecords is the number of index slots reserved per run
	// (R in the on-disk layout). Must be within [RMin, RMax].
	ReservedIndexRecords uint16
}

// DefaultCreateOptions sets a list of recommended options for good
// performance. Feel free to modify these to suit your needs.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{
		ReservedIndexRecords: RDefault,
	}
}
