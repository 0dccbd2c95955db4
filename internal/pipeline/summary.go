package pipeline

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Photon/internal/media"
	gbytes "github.com/labstack/gommon/bytes"
)

// Summary accumulates the results of a single run. It is safe for
// concurrent use; workers fold their results in as they complete.
type Summary struct {
	mu sync.Mutex

	RunID      uuid.UUID
	Operation  string
	StartedAt  time.Time
	FinishedAt time.Time

	Processed   int
	Succeeded   int
	Skipped     int
	Failed      int
	BytesBefore int64
	BytesAfter  int64

	// Failures retains every failed result so each can be reported with
	// it's path, stage and cause.
	Failures []*media.Result
}

func NewSummary(operation string) *Summary {
	return &Summary{RunID: uuid.New(), Operation: operation, StartedAt: time.Now(), Failures: make([]*media.Result, 0)}
}

// Record folds the result provided in to the summary.
func (s *Summary) Record(result *media.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Processed++
	switch result.Status {
	case media.SUCCESS:
		s.Succeeded++
		s.BytesBefore += result.SizeBefore
		s.BytesAfter += result.SizeAfter
	case media.SKIPPED:
		s.Skipped++
	case media.FAILED:
		s.Failed++
		s.Failures = append(s.Failures, result)
	}
}

func (s *Summary) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.FinishedAt = time.Now()
}

// BytesSaved is the total reduction in size across successful items.
func (s *Summary) BytesSaved() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.BytesBefore - s.BytesAfter
}

// ExceedsTolerance returns true if more items failed than the tolerance
// allows. A tolerance of zero means any failure exceeds it.
func (s *Summary) ExceedsTolerance(tolerance int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.Failed > tolerance
}

// Render writes a human readable report of the summary to the writer.
func (s *Summary) Render(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(w, "\n%s summary (run %s)\n", s.Operation, s.RunID)
	fmt.Fprintf(w, "  processed: %d\n", s.Processed)
	fmt.Fprintf(w, "  succeeded: %d\n", s.Succeeded)
	fmt.Fprintf(w, "  skipped:   %d\n", s.Skipped)
	fmt.Fprintf(w, "  failed:    %d\n", s.Failed)
	if s.BytesBefore > 0 {
		fmt.Fprintf(w, "  size:      %s -> %s (saved %s)\n", gbytes.Format(s.BytesBefore), gbytes.Format(s.BytesAfter), formatSigned(s.BytesBefore-s.BytesAfter))
	} else if s.BytesAfter > 0 {
		fmt.Fprintf(w, "  written:   %s\n", gbytes.Format(s.BytesAfter))
	}
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  duration:  %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}

	if len(s.Failures) > 0 {
		fmt.Fprintf(w, "\nFailures:\n")
		for _, failure := range s.Failures {
			path := "<unknown>"
			if failure.Item != nil {
				path = failure.Item.Path
			}
			fmt.Fprintf(w, "  - %s [%s]: %v\n", path, failure.Stage, failure.Err)
		}
	}
}

func formatSigned(n int64) string {
	if n < 0 {
		return "-" + gbytes.Format(-n)
	}

	return gbytes.Format(n)
}
