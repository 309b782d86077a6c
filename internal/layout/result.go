package layout

import (
	"errors"
	"fmt"
)

// Result is the outcome code of a (re)load.
type Result int

const (
	Success Result = iota
	Incomplete
	InsufficientImageMemory
	InsufficientStagingMemory
	InsufficientBindMemory
	InsufficientDescriptorResourceMemory
	InsufficientDescriptorSamplerMemory
	ExceededSamplerLimit
	InvalidModel
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case Incomplete:
		return "Incomplete"
	case InsufficientImageMemory:
		return "InsufficientImageMemory"
	case InsufficientStagingMemory:
		return "InsufficientStagingMemory"
	case InsufficientBindMemory:
		return "InsufficientBindMemory"
	case InsufficientDescriptorResourceMemory:
		return "InsufficientDescriptorResourceMemory"
	case InsufficientDescriptorSamplerMemory:
		return "InsufficientDescriptorSamplerMemory"
	case ExceededSamplerLimit:
		return "ExceededSamplerLimit"
	case InvalidModel:
		return "InvalidModel"
	default:
		return fmt.Sprintf("Unknown(%d)", int(r))
	}
}

// Load errors, one per result code.
var (
	ErrIncomplete                           = errors.New("load in flight")
	ErrInsufficientImageMemory              = errors.New("insufficient image memory")
	ErrInsufficientStagingMemory            = errors.New("insufficient staging memory")
	ErrInsufficientBindMemory               = errors.New("insufficient bind memory")
	ErrInsufficientDescriptorResourceMemory = errors.New("insufficient descriptor resource memory")
	ErrInsufficientDescriptorSamplerMemory  = errors.New("insufficient descriptor sampler memory")
	ErrExceededSamplerLimit                 = errors.New("exceeded sampler limit")
)

var resultErrors = []struct {
	err error
	res Result
}{
	{ErrIncomplete, Incomplete},
	{ErrInsufficientImageMemory, InsufficientImageMemory},
	{ErrInsufficientStagingMemory, InsufficientStagingMemory},
	{ErrInsufficientBindMemory, InsufficientBindMemory},
	{ErrInsufficientDescriptorResourceMemory, InsufficientDescriptorResourceMemory},
	{ErrInsufficientDescriptorSamplerMemory, InsufficientDescriptorSamplerMemory},
	{ErrExceededSamplerLimit, ExceededSamplerLimit},
}

// ResultOf maps an error returned by the planner to its result code.
// Errors without a code of their own report InvalidModel.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	for _, re := range resultErrors {
		if errors.Is(err, re.err) {
			return re.res
		}
	}
	return InvalidModel
}
