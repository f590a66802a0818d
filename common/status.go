package common

//go:generate go run github.com/dmarkham/enumer -json -type Status -trimprefix Status

// Status of a DownloadRequest. Terminal states (DONE, FAILED) are final within a run.
type Status int

const (
	StatusPENDING Status = iota
	StatusINPROGRESS
	StatusDONE
	StatusFAILED
)

// Terminal returns whether the status is final
func (s Status) Terminal() bool {
	return s == StatusDONE || s == StatusFAILED
}
