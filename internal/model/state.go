package model

type ScanState int

const (
	Pending ScanState = iota
	Scanning
	Succeeded
	Failed
	Persisting
	Done
)

func (s ScanState) String() string {
	return [...]string{"pending", "scanning", "success", "failed", "persisting", "done"}[s]
}
