package queue

import "fmt"

// Well-known on-demand job ids. Their handlers are registered at startup
// by the packages that own the execution paths.
const (
	// JobCourseRun executes one queued or continuation course.
	JobCourseRun = "course-run"
	// JobCommisRun executes one queued commis job.
	JobCommisRun = "commis-run"
)

// CourseDedupeKey dedupes course executions: one queue entry per course.
func CourseDedupeKey(courseID int64) string {
	return fmt.Sprintf("course:%d", courseID)
}

// CommisDedupeKey dedupes commis executions: one queue entry per commis job.
func CommisDedupeKey(commisJobID int64) string {
	return fmt.Sprintf("commis-job:%d", commisJobID)
}
