package billing

// Recorder receives ledger events for metrics. Implementations must be safe
// for concurrent use.
type Recorder interface {
	BillCreated(total int64)
	PaymentApplied(amount int64)
	PaymentReplayed()
	BillCancelled()
	VersionConflict()
	RetriesExhausted()
}

type nopRecorder struct{}

func (nopRecorder) BillCreated(int64)    {}
func (nopRecorder) PaymentApplied(int64) {}
func (nopRecorder) PaymentReplayed()     {}
func (nopRecorder) BillCancelled()       {}
func (nopRecorder) VersionConflict()     {}
func (nopRecorder) RetriesExhausted()    {}
