package media

import (
	"fmt"
	"time"
)

type (
	// Kind is the tagged classification of a file. Consumers are expected to
	// switch over every value.
	Kind int

	// Stage names the processing step that produced a result or failure.
	Stage string

	// Status is the outcome of processing a single item.
	Status int

	// Item is a file on disk plus the attributes derived from it. An item
	// is immutable once classified.
	Item struct {
		Path      string
		Kind      Kind
		Size      int64
		CreatedAt time.Time
	}

	// Result is the outcome record for one Item. Results are created by a
	// processor and folded in to a run summary by the orchestrator.
	Result struct {
		Item        *Item
		Status      Status
		Stage       Stage
		Outputs     []string
		SizeBefore  int64
		SizeAfter   int64
		Note        string
		Err         error
		ProcessedAt time.Time
	}
)

const (
	Unsupported Kind = iota
	Image
	Composite
	Video
)

const (
	SUCCESS Status = iota
	SKIPPED
	FAILED
)

const (
	StageClassify  Stage = "classify"
	StageUnwrap    Stage = "unwrap"
	StageTranscode Stage = "transcode"
	StageHash      Stage = "hash"
	StageDownload  Stage = "download"
	StageRemove    Stage = "remove"
)

const NoVideoExtractedNote = "no video extracted"

func (k Kind) String() string {
	switch k {
	case Unsupported:
		return "UNSUPPORTED"
	case Image:
		return "IMAGE"
	case Composite:
		return "COMPOSITE"
	case Video:
		return "VIDEO"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", int(k))
	}
}

func (s Status) String() string {
	switch s {
	case SUCCESS:
		return "SUCCESS"
	case SKIPPED:
		return "SKIPPED"
	case FAILED:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", int(s))
	}
}

// Succeeded builds a successful result for the item provided.
func Succeeded(item *Item, stage Stage, outputs ...string) *Result {
	return &Result{Item: item, Status: SUCCESS, Stage: stage, Outputs: outputs, ProcessedAt: time.Now()}
}

// Skipped builds a skipped result with the reason provided as it's note.
func Skipped(item *Item, stage Stage, reason string) *Result {
	return &Result{Item: item, Status: SKIPPED, Stage: stage, Note: reason, ProcessedAt: time.Now()}
}

// Failed builds a failed result. The error is wrapped in a ProcessingFailure
// so that the path and stage travel with it.
func Failed(item *Item, stage Stage, err error) *Result {
	path := ""
	if item != nil {
		path = item.Path
	}

	return &Result{Item: item, Status: FAILED, Stage: stage, Err: NewProcessingFailure(path, stage, err), ProcessedAt: time.Now()}
}

// BytesSaved returns the difference between the size before and after
// processing. Negative values indicate the output grew.
func (r *Result) BytesSaved() int64 {
	return r.SizeBefore - r.SizeAfter
}

func (r *Result) String() string {
	path := "<nil>"
	if r.Item != nil {
		path = r.Item.Path
	}

	if r.Err != nil {
		return fmt.Sprintf("{%s %s path=%s err=%v}", r.Stage, r.Status, path, r.Err)
	}
	return fmt.Sprintf("{%s %s path=%s outputs=%v}", r.Stage, r.Status, path, r.Outputs)
}
